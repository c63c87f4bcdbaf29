// Package access decides whether a request may touch a tenant's storage
// and in which role. Admin status is recomputed from the tenant config on
// every call and never cached in the session.
package access

import (
	"errors"
	"log/slog"

	"dropshelf-server/internal/metrics"
	"dropshelf-server/internal/model"
	"dropshelf-server/internal/sandbox"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
)

type Decision int

const (
	Allowed Decision = iota
	NeedsPassword
	Forbidden
	WrongPassword
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case NeedsPassword:
		return "needs_password"
	case Forbidden:
		return "forbidden"
	case WrongPassword:
		return "wrong_password"
	default:
		return "unknown"
	}
}

type Tenants interface {
	Get(id string) (model.Tenant, error)
	Exists(id string) bool
	IsAdmin(id, deviceID string) bool
	VerifyPassword(id, password string) (bool, error)
	AllowNonAdminDelete(id string) bool
	StorageRoot(id string) string
}

type Devices interface {
	Resolve(deviceID string) (string, bool)
}

// Identity is an authenticated caller. Moved is set when the session named
// a tenant that has since been renamed and the device binding was followed;
// the transport should reissue the session.
type Identity struct {
	TenantID string
	DeviceID string
	Admin    bool
	Moved    bool
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Gate struct {
	tenants Tenants
	devices Devices
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(tenants Tenants, devices Devices, opts Options) *Gate {
	g := &Gate{tenants: tenants, devices: devices, logger: opts.Logger, metrics: opts.Metrics}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	return g
}

// Authenticate resolves a session to its tenant and device. The device must
// still be bound to the session's tenant.
func (g *Gate) Authenticate(sess model.Session) (Identity, error) {
	if sess.TenantID == "" || sess.DeviceID == "" {
		return Identity{}, ErrUnauthenticated
	}
	bound, ok := g.devices.Resolve(sess.DeviceID)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	id := Identity{TenantID: sess.TenantID, DeviceID: sess.DeviceID}
	if bound != sess.TenantID {
		// A rename repoints bindings; the session still names the old id.
		if g.tenants.Exists(sess.TenantID) || !g.tenants.Exists(bound) {
			return Identity{}, ErrUnauthenticated
		}
		id.TenantID = bound
		id.Moved = true
	} else if !g.tenants.Exists(bound) {
		return Identity{}, ErrUnauthenticated
	}
	id.Admin = g.tenants.IsAdmin(id.TenantID, id.DeviceID)
	return id, nil
}

func (g *Gate) RequireAdmin(tenantID, deviceID string) error {
	if !g.tenants.IsAdmin(tenantID, deviceID) {
		return ErrForbidden
	}
	return nil
}

// CheckTenantAccess gates browsing of tenantID. Public tenants are always
// allowed; private ones need the admin device or an earlier unlock.
func (g *Gate) CheckTenantAccess(tenantID string, sess model.Session) Decision {
	t, err := g.tenants.Get(tenantID)
	if err != nil {
		return Forbidden
	}
	if t.Public {
		return Allowed
	}
	if sess.DeviceID != "" && t.AdminDevice == sess.DeviceID {
		return Allowed
	}
	if sess.Unlocked(tenantID) {
		return Allowed
	}
	return NeedsPassword
}

// Unlock checks password against a private tenant and, on success, returns
// sess with the tenant recorded as unlocked.
func (g *Gate) Unlock(tenantID string, sess model.Session, password string) (model.Session, Decision, error) {
	t, err := g.tenants.Get(tenantID)
	if err != nil {
		return sess, Forbidden, nil
	}
	if t.Public {
		return sess, Allowed, nil
	}
	ok, err := g.tenants.VerifyPassword(tenantID, password)
	if err != nil {
		return sess, Forbidden, err
	}
	if !ok {
		g.metrics.UnlockAttempts.WithLabelValues("wrong_password").Inc()
		g.logger.Warn("unlock failed", "tenant", tenantID)
		return sess, WrongPassword, nil
	}
	g.metrics.UnlockAttempts.WithLabelValues("allowed").Inc()
	return sess.WithUnlocked(tenantID), Allowed, nil
}

// RequireDeletePermission allows deletes when the tenant permits them for
// members or the device is its admin.
func (g *Gate) RequireDeletePermission(tenantID, deviceID string) error {
	if g.tenants.AllowNonAdminDelete(tenantID) || g.tenants.IsAdmin(tenantID, deviceID) {
		return nil
	}
	return ErrForbidden
}

// ResolvePath maps rel onto tenantID's storage root through the sandbox.
func (g *Gate) ResolvePath(tenantID, rel string) (string, error) {
	if !g.tenants.Exists(tenantID) {
		return "", ErrNotFound
	}
	p, err := sandbox.Resolve(g.tenants.StorageRoot(tenantID), rel)
	if err != nil {
		g.metrics.SandboxRejections.Inc()
		g.logger.Warn("path rejected", "tenant", tenantID, "err", err)
		return "", ErrForbidden
	}
	return p, nil
}

// ResolveTenantPath resolves a path whose first segment names the
// destination tenant. That segment must be the caller's own tenant.
func (g *Gate) ResolveTenantPath(callerTenant, rel string) (string, error) {
	head, rest := sandbox.FirstSegment(rel)
	if head == "" || head != callerTenant {
		return "", ErrNotFound
	}
	return g.ResolvePath(callerTenant, rest)
}
