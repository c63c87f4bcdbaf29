// Package tenant is the registry of tenants: isolated storage namespaces
// identified by a human-friendly slug. It owns per-tenant configuration
// (visibility, password credential, admin pointer, API tokens, permanent
// join code, prefs) and the tenant storage directories.
//
// Tenant ids are unguessable-but-not-secret capability names: anyone who
// knows the id of a public tenant can browse it.
package tenant

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/model"
	"dropshelf-server/internal/store"
	"github.com/google/uuid"
)

var (
	ErrInvalidName        = errors.New("invalid tenant name")
	ErrNameTaken          = errors.New("tenant name taken")
	ErrNotFound           = errors.New("tenant not found")
	ErrPasswordTooShort   = errors.New("password too short")
	ErrCodeSpaceExhausted = errors.New("permanent code space exhausted")
	ErrInvalidPref        = errors.New("invalid pref value")
)

const (
	MinPasswordLength = 8

	PrefAllowNonAdminDelete = "allow_non_admin_delete"

	maxNameAttempts = 50
	maxCodeAttempts = 100
)

// DeviceRepointer moves every device binding from one tenant id to another.
type DeviceRepointer interface {
	Repoint(oldID, newID string) (int, error)
}

type tenants map[string]model.Tenant

type Options struct {
	// Path of tenants.json; empty keeps the registry in memory.
	Path string
	// StorageRoot holds one subdirectory per tenant.
	StorageRoot string
	Logger      *slog.Logger
	Now         func() time.Time
	Argon2      auth.Argon2Params
}

type Registry struct {
	// structMu is held exclusively by Rename and shared by operations that
	// span more than one store, so none of them sees a half-renamed tenant.
	structMu sync.RWMutex

	doc         *store.Document[tenants]
	storageRoot string
	devices     DeviceRepointer
	logger      *slog.Logger
	now         func() time.Time
	argon       auth.Argon2Params
}

func Open(opts Options) (*Registry, error) {
	if opts.StorageRoot == "" {
		return nil, errors.New("storage root is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	argon := opts.Argon2
	if argon == (auth.Argon2Params{}) {
		argon = auth.DefaultArgon2Params()
	}

	root, err := filepath.Abs(opts.StorageRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}

	doc, err := store.Open(store.Options{Path: opts.Path, Logger: logger}, func() tenants {
		return make(tenants)
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		doc:         doc,
		storageRoot: root,
		logger:      logger.With("component", "tenants"),
		now:         now,
		argon:       argon,
	}, nil
}

// AttachDevices wires the device registry that Rename repoints.
func (r *Registry) AttachDevices(d DeviceRepointer) {
	r.devices = d
}

// Shared runs fn while holding the structural lock in shared mode.
// fn must not call Create, Rename or Shared.
func (r *Registry) Shared(fn func() error) error {
	r.structMu.RLock()
	defer r.structMu.RUnlock()
	return fn()
}

func (r *Registry) StorageRoot(id string) string {
	return filepath.Join(r.storageRoot, id)
}

// Create registers a tenant. An empty name picks a free
// adjective-animal-NNN slug, falling back to a random hex suffix.
func (r *Registry) Create(name string) (model.Tenant, error) {
	r.structMu.RLock()
	defer r.structMu.RUnlock()

	if name != "" {
		if !ValidName(name) {
			return model.Tenant{}, ErrInvalidName
		}
		return r.insert(name)
	}

	for i := 0; i < maxNameAttempts; i++ {
		t, err := r.insert(friendlyName())
		if errors.Is(err, ErrNameTaken) {
			continue
		}
		return t, err
	}
	for i := 0; i < maxNameAttempts; i++ {
		candidate, err := fallbackName()
		if err != nil {
			return model.Tenant{}, err
		}
		t, err := r.insert(candidate)
		if errors.Is(err, ErrNameTaken) {
			continue
		}
		return t, err
	}
	return model.Tenant{}, ErrNameTaken
}

func (r *Registry) insert(id string) (model.Tenant, error) {
	t := model.Tenant{
		ID:        id,
		UID:       uuid.NewString(),
		Public:    true,
		CreatedAt: r.now().UTC(),
	}
	err := r.doc.Update(func(m *tenants) error {
		if _, ok := (*m)[id]; ok {
			return ErrNameTaken
		}
		if err := os.MkdirAll(r.StorageRoot(id), 0o750); err != nil {
			return fmt.Errorf("create storage: %w", err)
		}
		(*m)[id] = t
		return nil
	})
	if err != nil {
		return model.Tenant{}, err
	}
	r.logger.Info("tenant created", "tenant", id)
	return t, nil
}

func (r *Registry) Get(id string) (model.Tenant, error) {
	var (
		t  model.Tenant
		ok bool
	)
	r.doc.View(func(m *tenants) {
		t, ok = (*m)[id]
		t = clone(t)
	})
	if !ok {
		return model.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (r *Registry) GetByUID(uid string) (model.Tenant, error) {
	var (
		t  model.Tenant
		ok bool
	)
	r.doc.View(func(m *tenants) {
		for _, cand := range *m {
			if cand.UID == uid {
				t, ok = clone(cand), true
				return
			}
		}
	})
	if !ok || uid == "" {
		return model.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (r *Registry) Exists(id string) bool {
	var ok bool
	r.doc.View(func(m *tenants) { _, ok = (*m)[id] })
	return ok
}

func (r *Registry) List() []model.Tenant {
	var out []model.Tenant
	r.doc.View(func(m *tenants) {
		out = make([]model.Tenant, 0, len(*m))
		for _, t := range *m {
			out = append(out, clone(t))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rename moves the storage directory, relabels the config entry and
// repoints device bindings as one unit. Any failure undoes the steps
// already taken.
func (r *Registry) Rename(oldID, newID string) error {
	if !ValidName(newID) {
		return ErrInvalidName
	}
	if oldID == newID {
		return ErrNameTaken
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	var oldExists, newExists bool
	r.doc.View(func(m *tenants) {
		_, oldExists = (*m)[oldID]
		_, newExists = (*m)[newID]
	})
	if !oldExists {
		return ErrNotFound
	}
	if newExists {
		return ErrNameTaken
	}

	oldDir, newDir := r.StorageRoot(oldID), r.StorageRoot(newID)
	if _, err := os.Lstat(newDir); err == nil {
		return ErrNameTaken
	}
	moved := false
	if _, err := os.Lstat(oldDir); err == nil {
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("move storage: %w", err)
		}
		moved = true
	} else if err := os.MkdirAll(newDir, 0o750); err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	undoMove := func() {
		var err error
		if moved {
			err = os.Rename(newDir, oldDir)
		} else {
			err = os.Remove(newDir)
		}
		if err != nil {
			r.logger.Error("rename rollback: storage", "from", newID, "to", oldID, "err", err)
		}
	}

	if err := r.doc.Update(relabel(oldID, newID)); err != nil {
		undoMove()
		return err
	}

	repointed := 0
	if r.devices != nil {
		n, err := r.devices.Repoint(oldID, newID)
		if err != nil {
			if rerr := r.doc.Update(relabel(newID, oldID)); rerr != nil {
				r.logger.Error("rename rollback: config", "from", newID, "to", oldID, "err", rerr)
			}
			undoMove()
			return err
		}
		repointed = n
	}

	r.logger.Info("tenant renamed", "from", oldID, "to", newID, "devices", repointed)
	return nil
}

func relabel(from, to string) func(m *tenants) error {
	return func(m *tenants) error {
		t, ok := (*m)[from]
		if !ok {
			return ErrNotFound
		}
		if _, taken := (*m)[to]; taken {
			return ErrNameTaken
		}
		delete(*m, from)
		t.ID = to
		(*m)[to] = t
		return nil
	}
}

func (r *Registry) mutate(id string, fn func(t *model.Tenant) error) error {
	return r.doc.Update(func(m *tenants) error {
		t, ok := (*m)[id]
		if !ok {
			return ErrNotFound
		}
		if err := fn(&t); err != nil {
			return err
		}
		(*m)[id] = t
		return nil
	})
}

// SetVisibility makes a tenant public (dropping its credential) or private.
// Going private needs a password unless one is already set; a password
// given for a private tenant replaces the stored one.
func (r *Registry) SetVisibility(id string, public bool, password string) error {
	if public {
		err := r.mutate(id, func(t *model.Tenant) error {
			t.Public = true
			t.Credential = nil
			return nil
		})
		if err == nil {
			r.logger.Info("tenant visibility changed", "tenant", id, "public", true)
		}
		return err
	}

	var cred *model.Credential
	if password != "" {
		if utf8.RuneCountInString(password) < MinPasswordLength {
			return ErrPasswordTooShort
		}
		c, err := auth.HashPassword(password, r.argon)
		if err != nil {
			return err
		}
		cred = &c
	}
	err := r.mutate(id, func(t *model.Tenant) error {
		if cred == nil && t.Credential == nil {
			return ErrPasswordTooShort
		}
		if cred != nil {
			t.Credential = cred
		}
		t.Public = false
		return nil
	})
	if err == nil {
		r.logger.Info("tenant visibility changed", "tenant", id, "public", false)
	}
	return err
}

func (r *Registry) VerifyPassword(id, password string) (bool, error) {
	t, err := r.Get(id)
	if err != nil {
		return false, err
	}
	if t.Credential == nil {
		return false, nil
	}
	stored := *t.Credential
	if !auth.VerifyPassword(password, stored) {
		return false, nil
	}
	if auth.NeedsRehash(stored, r.argon) {
		r.rehash(id, password, stored)
	}
	return true, nil
}

// rehash upgrades a verified credential to the current argon2 parameters.
// Failures are logged; the old hash keeps working.
func (r *Registry) rehash(id, password string, stored model.Credential) {
	c, err := auth.HashPassword(password, r.argon)
	if err != nil {
		r.logger.Warn("password rehash failed", "tenant", id, "error", err)
		return
	}
	err = r.mutate(id, func(t *model.Tenant) error {
		if t.Credential == nil || t.Credential.Hash != stored.Hash {
			return store.ErrNoChange
		}
		t.Credential = &c
		return nil
	})
	if err != nil {
		r.logger.Warn("password rehash failed", "tenant", id, "error", err)
		return
	}
	r.logger.Info("password rehashed", "tenant", id)
}

func (r *Registry) SetAdmin(id, deviceID string) error {
	if deviceID == "" {
		return errors.New("missing device id")
	}
	return r.mutate(id, func(t *model.Tenant) error {
		if t.AdminDevice == deviceID {
			return store.ErrNoChange
		}
		t.AdminDevice = deviceID
		return nil
	})
}

// ClaimAdminIfVacant makes deviceID admin when the tenant has none yet.
func (r *Registry) ClaimAdminIfVacant(id, deviceID string) (bool, error) {
	claimed := false
	err := r.mutate(id, func(t *model.Tenant) error {
		if t.AdminDevice != "" {
			return store.ErrNoChange
		}
		t.AdminDevice = deviceID
		claimed = true
		return nil
	})
	return claimed, err
}

// VacateAdmin clears the admin pointer if it names deviceID.
func (r *Registry) VacateAdmin(id, deviceID string) (bool, error) {
	vacated := false
	err := r.mutate(id, func(t *model.Tenant) error {
		if deviceID == "" || t.AdminDevice != deviceID {
			return store.ErrNoChange
		}
		t.AdminDevice = ""
		vacated = true
		return nil
	})
	return vacated, err
}

// IsAdmin is evaluated against the current config on every call, so a
// demoted device loses admin rights on its next request.
func (r *Registry) IsAdmin(id, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	var admin string
	r.doc.View(func(m *tenants) { admin = (*m)[id].AdminDevice })
	return admin == deviceID
}

// IssueAPIToken returns the tenant's non-expiring token, minting one only
// if none exists.
func (r *Registry) IssueAPIToken(id, name string) (model.APIToken, error) {
	secret, err := auth.NewToken(32)
	if err != nil {
		return model.APIToken{}, err
	}
	var out model.APIToken
	err = r.mutate(id, func(t *model.Tenant) error {
		for _, tok := range t.APITokens {
			if tok.Expires == nil {
				out = tok
				return store.ErrNoChange
			}
		}
		out = model.APIToken{ID: uuid.NewString(), Secret: secret, Name: name, Created: r.now().UTC()}
		t.APITokens = append(append([]model.APIToken(nil), t.APITokens...), out)
		return nil
	})
	return out, err
}

// RegenerateAPIToken revokes every token of the tenant and mints a new one.
func (r *Registry) RegenerateAPIToken(id, name string) (model.APIToken, error) {
	secret, err := auth.NewToken(32)
	if err != nil {
		return model.APIToken{}, err
	}
	out := model.APIToken{ID: uuid.NewString(), Secret: secret, Name: name, Created: r.now().UTC()}
	err = r.mutate(id, func(t *model.Tenant) error {
		t.APITokens = []model.APIToken{out}
		return nil
	})
	if err != nil {
		return model.APIToken{}, err
	}
	r.logger.Info("api token regenerated", "tenant", id, "token_id", out.ID)
	return out, nil
}

// LookupAPIToken finds the tenant owning an unexpired token secret.
func (r *Registry) LookupAPIToken(secret string) (string, bool) {
	if secret == "" {
		return "", false
	}
	now := r.now()
	var (
		id    string
		found bool
	)
	r.doc.View(func(m *tenants) {
		for _, t := range *m {
			for _, tok := range t.APITokens {
				if subtle.ConstantTimeCompare([]byte(tok.Secret), []byte(secret)) != 1 {
					continue
				}
				if tok.Expires != nil && !now.Before(*tok.Expires) {
					continue
				}
				id, found = t.ID, true
			}
		}
	})
	return id, found
}

// PermanentCode returns the tenant's 6-digit join code, assigning a code
// unused by any other tenant on first call.
func (r *Registry) PermanentCode(id string) (string, error) {
	var code string
	err := r.doc.Update(func(m *tenants) error {
		t, ok := (*m)[id]
		if !ok {
			return ErrNotFound
		}
		if t.PermanentCode != "" {
			code = t.PermanentCode
			return store.ErrNoChange
		}
		for i := 0; i < maxCodeAttempts; i++ {
			c, err := auth.NewDigits(6)
			if err != nil {
				return err
			}
			if codeTaken(*m, c) {
				continue
			}
			t.PermanentCode = c
			(*m)[id] = t
			code = c
			return nil
		}
		return ErrCodeSpaceExhausted
	})
	return code, err
}

func codeTaken(m tenants, code string) bool {
	for _, t := range m {
		if t.PermanentCode == code {
			return true
		}
	}
	return false
}

func (r *Registry) ResolvePermanentCode(code string) (string, bool) {
	if code == "" {
		return "", false
	}
	var id string
	r.doc.View(func(m *tenants) {
		for _, t := range *m {
			if t.PermanentCode == code {
				id = t.ID
				return
			}
		}
	})
	return id, id != ""
}

// Prefs returns the tenant prefs with defaults filled in.
func (r *Registry) Prefs(id string) (map[string]any, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return withDefaults(t.Prefs), nil
}

// SetPrefs merges patch into the tenant prefs. A nil value removes a key.
func (r *Registry) SetPrefs(id string, patch map[string]any) (map[string]any, error) {
	if v, ok := patch[PrefAllowNonAdminDelete]; ok && v != nil {
		if _, isBool := v.(bool); !isBool {
			return nil, ErrInvalidPref
		}
	}
	var out map[string]any
	err := r.mutate(id, func(t *model.Tenant) error {
		next := make(map[string]any, len(t.Prefs)+len(patch))
		for k, v := range t.Prefs {
			next[k] = v
		}
		for k, v := range patch {
			if v == nil {
				delete(next, k)
				continue
			}
			next[k] = v
		}
		t.Prefs = next
		out = withDefaults(next)
		return nil
	})
	return out, err
}

func (r *Registry) AllowNonAdminDelete(id string) bool {
	prefs, err := r.Prefs(id)
	if err != nil {
		return false
	}
	allow, _ := prefs[PrefAllowNonAdminDelete].(bool)
	return allow
}

func withDefaults(prefs map[string]any) map[string]any {
	out := make(map[string]any, len(prefs)+1)
	out[PrefAllowNonAdminDelete] = true
	for k, v := range prefs {
		out[k] = v
	}
	return out
}

func clone(t model.Tenant) model.Tenant {
	if t.APITokens != nil {
		t.APITokens = append([]model.APIToken(nil), t.APITokens...)
	}
	if t.Prefs != nil {
		p := make(map[string]any, len(t.Prefs))
		for k, v := range t.Prefs {
			p[k] = v
		}
		t.Prefs = p
	}
	if t.Credential != nil {
		c := *t.Credential
		t.Credential = &c
	}
	return t
}
