// Package pairing brokers the cross-device handshakes: the QR / 6-digit
// login flow, joining through a tenant's permanent code, and the one-shot
// admin transfer. All handshake state lives in a tokenstore.Store.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/metrics"
	"dropshelf-server/internal/model"
	"dropshelf-server/internal/tenant"
	"dropshelf-server/internal/tokenstore"
)

var (
	// ErrNotFound covers unknown, expired and already consumed tokens alike.
	ErrNotFound = errors.New("not found")
	ErrNotAdmin = errors.New("not admin")

	errAlreadyClaimed = errors.New("already claimed")
)

const (
	loginPrefix = "login:"
	codePrefix  = "code:"
	claimPrefix = "claim:"

	tokenBytes      = 32
	codeDigits      = 6
	maxCodeAttempts = 20
	bindAttempts    = 3
)

const (
	StatusPending       = "pending"
	StatusAuthenticated = "authenticated"
	StatusNotFound      = "not_found"
)

type Tenants interface {
	Create(name string) (model.Tenant, error)
	Get(id string) (model.Tenant, error)
	GetByUID(uid string) (model.Tenant, error)
	IsAdmin(id, deviceID string) bool
	SetAdmin(id, deviceID string) error
	ResolvePermanentCode(code string) (string, bool)
}

type Devices interface {
	Bind(deviceID, tenantID string) (string, error)
	Resolve(deviceID string) (string, bool)
}

// Notifier pushes an event to whoever listens on key.
type Notifier interface {
	Notify(key string, event any)
}

type Options struct {
	LoginTTL    time.Duration
	TransferTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Notifier    Notifier
	Now         func() time.Time
}

type Service struct {
	tokens   tokenstore.Store
	tenants  Tenants
	devices  Devices
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	loginTTL    time.Duration
	transferTTL time.Duration

	// codeMu makes the live-code uniqueness check and its insert one step.
	codeMu sync.Mutex
}

func New(tokens tokenstore.Store, tenants Tenants, devices Devices, opts Options) *Service {
	s := &Service{
		tokens:      tokens,
		tenants:     tenants,
		devices:     devices,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		loginTTL:    opts.LoginTTL,
		transferTTL: opts.TransferTTL,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "pairing")
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loginTTL <= 0 {
		s.loginTTL = 10 * time.Minute
	}
	if s.transferTTL <= 0 {
		s.transferTTL = 10 * time.Minute
	}
	return s
}

type LoginTicket struct {
	Token     string
	Code      string
	ExpiresAt time.Time
}

type TransferTicket struct {
	Token     string
	ExpiresAt time.Time
}

// Claim is the outcome of a redemption: the device that redeemed and the
// tenant it is now bound to.
type Claim struct {
	TenantID  string
	DeviceID  string
	NewTenant bool
}

type Poll struct {
	Status   string
	TenantID string
	DeviceID string
}

type codeRef struct {
	Token string `json:"token"`
}

// StartLogin mints a pending login token and a 6-digit code resolving to
// it. Both expire after the login TTL.
func (s *Service) StartLogin(ctx context.Context) (LoginTicket, error) {
	token, err := auth.NewToken(tokenBytes)
	if err != nil {
		return LoginTicket{}, err
	}

	s.codeMu.Lock()
	defer s.codeMu.Unlock()

	code, err := s.freeCode(ctx)
	if err != nil {
		return LoginTicket{}, err
	}
	entry := model.PairingEntry{Kind: model.PairingLogin, NumericCode: code}
	if err := tokenstore.SetJSON(ctx, s.tokens, loginPrefix+token, entry, s.loginTTL); err != nil {
		return LoginTicket{}, fmt.Errorf("store login token: %w", err)
	}
	if err := tokenstore.SetJSON(ctx, s.tokens, codePrefix+code, codeRef{Token: token}, s.loginTTL); err != nil {
		_ = s.tokens.Delete(ctx, loginPrefix+token)
		return LoginTicket{}, fmt.Errorf("store login code: %w", err)
	}

	s.metrics.PairingEvents.WithLabelValues("login", "started").Inc()
	s.logger.Debug("login started")
	return LoginTicket{Token: token, Code: code, ExpiresAt: s.now().Add(s.loginTTL)}, nil
}

func (s *Service) freeCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := auth.NewDigits(codeDigits)
		if err != nil {
			return "", err
		}
		_, taken, err := s.tokens.Get(ctx, codePrefix+code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("no free login code")
}

// ClaimLogin is called by the scanning device. It reserves the login
// entry, binds the scanner (to a brand-new tenant when it is unbound), marks
// the entry authenticated and retires the numeric code. The scanner gets a
// session too. Only the claimer holding the reservation touches any tenant
// or binding.
func (s *Service) ClaimLogin(ctx context.Context, tokenOrCode, scannerDevice string) (Claim, error) {
	token, err := s.resolveLoginInput(ctx, strings.TrimSpace(tokenOrCode))
	if err != nil {
		s.metrics.PairingEvents.WithLabelValues("login", "not_found").Inc()
		return Claim{}, err
	}

	claimID, err := auth.NewToken(16)
	if err != nil {
		return Claim{}, err
	}
	var entry model.PairingEntry
	err = tokenstore.UpdateJSON(ctx, s.tokens, loginPrefix+token, func(e *model.PairingEntry) error {
		if e.Authenticated || e.ClaimID != "" {
			return errAlreadyClaimed
		}
		e.ClaimID = claimID
		entry = *e
		return nil
	})
	if errors.Is(err, tokenstore.ErrNotFound) || errors.Is(err, errAlreadyClaimed) {
		s.metrics.PairingEvents.WithLabelValues("login", "not_found").Inc()
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, err
	}

	claim, uid, err := s.bindScanner(scannerDevice)
	if err != nil {
		s.release(ctx, token, claimID)
		return Claim{}, err
	}

	err = tokenstore.UpdateJSON(ctx, s.tokens, loginPrefix+token, func(e *model.PairingEntry) error {
		if e.Authenticated || e.ClaimID != claimID {
			return errAlreadyClaimed
		}
		e.Authenticated = true
		e.TenantID = claim.TenantID
		e.TenantUID = uid
		e.DeviceID = claim.DeviceID
		return nil
	})
	if errors.Is(err, tokenstore.ErrNotFound) || errors.Is(err, errAlreadyClaimed) {
		// Expired between reservation and commit.
		s.metrics.PairingEvents.WithLabelValues("login", "not_found").Inc()
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, err
	}
	if entry.NumericCode != "" {
		if err := s.tokens.Delete(ctx, codePrefix+entry.NumericCode); err != nil {
			s.logger.Warn("login code not retired", "err", err)
		}
	}

	if s.notifier != nil {
		s.notifier.Notify(loginPrefix+token, map[string]string{"type": "login", "status": StatusAuthenticated})
	}
	s.metrics.PairingEvents.WithLabelValues("login", "claimed").Inc()
	s.logger.Info("login claimed", "tenant", claim.TenantID, "device", claim.DeviceID, "new_tenant", claim.NewTenant)
	return claim, nil
}

// bindScanner binds the scanning device to its current tenant, or to a new
// one when it is unbound.
func (s *Service) bindScanner(scannerDevice string) (Claim, string, error) {
	var (
		t   model.Tenant
		err error
	)
	tenantID, bound := s.devices.Resolve(scannerDevice)
	if bound {
		if t, err = s.tenants.Get(tenantID); err != nil {
			bound = false
		}
	}
	if !bound {
		if t, err = s.tenants.Create(""); err != nil {
			return Claim{}, "", err
		}
	}
	claim, err := s.bindToUID(scannerDevice, t.UID, false)
	if err != nil {
		return Claim{}, "", err
	}
	claim.NewTenant = !bound
	return claim, t.UID, nil
}

// release drops a reservation so another claimer may retry.
func (s *Service) release(ctx context.Context, token, claimID string) {
	err := tokenstore.UpdateJSON(ctx, s.tokens, loginPrefix+token, func(e *model.PairingEntry) error {
		if e.ClaimID != claimID || e.Authenticated {
			return errAlreadyClaimed
		}
		e.ClaimID = ""
		return nil
	})
	if err != nil && !errors.Is(err, tokenstore.ErrNotFound) && !errors.Is(err, errAlreadyClaimed) {
		s.logger.Warn("login reservation not released", "err", err)
	}
}

func (s *Service) resolveLoginInput(ctx context.Context, in string) (string, error) {
	if in == "" {
		return "", ErrNotFound
	}
	if !isCode(in) {
		return in, nil
	}
	ref, ok, err := tokenstore.GetJSON[codeRef](ctx, s.tokens, codePrefix+in)
	if err != nil {
		return "", err
	}
	if !ok || ref.Token == "" {
		return "", ErrNotFound
	}
	return ref.Token, nil
}

func isCode(s string) bool {
	if len(s) != codeDigits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// PollLogin reports the state of a login token without blocking. The first
// poll that sees it authenticated consumes it and binds waitingDevice
// (minting a device id when empty); every later poll reports not found.
func (s *Service) PollLogin(ctx context.Context, token, waitingDevice string) (Poll, error) {
	if token == "" {
		return Poll{Status: StatusNotFound}, nil
	}
	entry, ok, err := tokenstore.GetJSON[model.PairingEntry](ctx, s.tokens, loginPrefix+token)
	if err != nil {
		return Poll{}, err
	}
	if !ok {
		return Poll{Status: StatusNotFound}, nil
	}
	if !entry.Authenticated {
		return Poll{Status: StatusPending}, nil
	}

	popped, ok, err := tokenstore.PopJSON[model.PairingEntry](ctx, s.tokens, loginPrefix+token)
	if err != nil {
		return Poll{}, err
	}
	if !ok || !popped.Authenticated {
		return Poll{Status: StatusNotFound}, nil
	}

	claim, err := s.bindToUID(waitingDevice, popped.TenantUID, false)
	if errors.Is(err, ErrNotFound) {
		return Poll{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Poll{}, err
	}
	s.metrics.PairingEvents.WithLabelValues("login", "redeemed").Inc()
	s.logger.Info("login redeemed", "tenant", claim.TenantID, "device", claim.DeviceID)
	return Poll{Status: StatusAuthenticated, TenantID: claim.TenantID, DeviceID: claim.DeviceID}, nil
}

// JoinWithCode binds deviceID to the tenant owning a permanent code.
func (s *Service) JoinWithCode(ctx context.Context, code, deviceID string) (Claim, error) {
	tenantID, ok := s.tenants.ResolvePermanentCode(strings.TrimSpace(code))
	if !ok {
		s.metrics.PairingEvents.WithLabelValues("join", "not_found").Inc()
		return Claim{}, ErrNotFound
	}
	t, err := s.tenants.Get(tenantID)
	if err != nil {
		return Claim{}, ErrNotFound
	}
	claim, err := s.bindToUID(deviceID, t.UID, false)
	if err != nil {
		return Claim{}, err
	}
	s.metrics.PairingEvents.WithLabelValues("join", "claimed").Inc()
	s.logger.Info("device joined by code", "tenant", claim.TenantID, "device", claim.DeviceID)
	return claim, nil
}

// StartAdminTransfer mints a one-shot claim token. Only the tenant's
// current admin device may do so.
func (s *Service) StartAdminTransfer(ctx context.Context, tenantID, deviceID string) (TransferTicket, error) {
	if !s.tenants.IsAdmin(tenantID, deviceID) {
		s.metrics.PairingEvents.WithLabelValues("transfer", "not_admin").Inc()
		return TransferTicket{}, ErrNotAdmin
	}
	t, err := s.tenants.Get(tenantID)
	if err != nil {
		return TransferTicket{}, ErrNotAdmin
	}
	token, err := auth.NewToken(tokenBytes)
	if err != nil {
		return TransferTicket{}, err
	}
	entry := model.PairingEntry{
		Kind:      model.PairingTransfer,
		TenantID:  t.ID,
		TenantUID: t.UID,
		IssuedBy:  deviceID,
	}
	if err := tokenstore.SetJSON(ctx, s.tokens, claimPrefix+token, entry, s.transferTTL); err != nil {
		return TransferTicket{}, fmt.Errorf("store claim token: %w", err)
	}
	s.metrics.PairingEvents.WithLabelValues("transfer", "started").Inc()
	s.logger.Info("admin transfer started", "tenant", t.ID, "device", deviceID)
	return TransferTicket{Token: token, ExpiresAt: s.now().Add(s.transferTTL)}, nil
}

// ClaimAdminTransfer consumes the claim token and makes deviceID the
// tenant's admin, demoting the previous admin. A token whose issuer lost
// admin rights in the meantime is treated as not found.
func (s *Service) ClaimAdminTransfer(ctx context.Context, token, deviceID string) (Claim, error) {
	if token == "" {
		return Claim{}, ErrNotFound
	}
	entry, ok, err := tokenstore.PopJSON[model.PairingEntry](ctx, s.tokens, claimPrefix+token)
	if err != nil {
		return Claim{}, err
	}
	if !ok || entry.Kind != model.PairingTransfer {
		s.metrics.PairingEvents.WithLabelValues("transfer", "not_found").Inc()
		return Claim{}, ErrNotFound
	}
	t, err := s.tenants.GetByUID(entry.TenantUID)
	if err != nil || !s.tenants.IsAdmin(t.ID, entry.IssuedBy) {
		s.metrics.PairingEvents.WithLabelValues("transfer", "not_found").Inc()
		return Claim{}, ErrNotFound
	}

	claim, err := s.bindToUID(deviceID, entry.TenantUID, true)
	if err != nil {
		return Claim{}, err
	}
	s.metrics.PairingEvents.WithLabelValues("transfer", "claimed").Inc()
	s.logger.Info("admin transferred", "tenant", claim.TenantID, "from", entry.IssuedBy, "to", claim.DeviceID)
	return claim, nil
}

// bindToUID binds deviceID to the tenant with the given uid, retrying when
// a concurrent rename moves the tenant between lookup and bind.
func (s *Service) bindToUID(deviceID, uid string, admin bool) (Claim, error) {
	for i := 0; i < bindAttempts; i++ {
		t, err := s.tenants.GetByUID(uid)
		if errors.Is(err, tenant.ErrNotFound) {
			return Claim{}, ErrNotFound
		}
		if err != nil {
			return Claim{}, err
		}
		id, err := s.devices.Bind(deviceID, t.ID)
		if errors.Is(err, device.ErrNotFound) {
			continue
		}
		if err != nil {
			return Claim{}, err
		}
		deviceID = id
		if admin {
			err := s.tenants.SetAdmin(t.ID, id)
			if errors.Is(err, tenant.ErrNotFound) {
				continue
			}
			if err != nil {
				return Claim{}, err
			}
		}
		return Claim{TenantID: t.ID, DeviceID: id}, nil
	}
	return Claim{}, ErrNotFound
}

// LoginURL is the payload of the login QR code, opened by the scanner.
func LoginURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/claim?token=" + url.QueryEscape(token)
}

// TransferURL is the payload of the admin transfer QR code.
func TransferURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/admin/claim?token=" + url.QueryEscape(token)
}

// JoinURL shares a tenant's permanent code.
func JoinURL(base, code string) string {
	return strings.TrimRight(base, "/") + "/join?code=" + url.QueryEscape(code)
}

// LoginChannel is the notifier key a waiting browser subscribes to.
func LoginChannel(token string) string {
	return loginPrefix + token
}
