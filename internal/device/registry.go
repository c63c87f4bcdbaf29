// Package device maps long-lived device ids to the tenant they are
// currently bound to. A device is bound to exactly one tenant at a time.
package device

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"dropshelf-server/internal/model"
	"dropshelf-server/internal/store"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("tenant not found")

// Tenants is the part of the tenant registry a bind needs.
type Tenants interface {
	Shared(fn func() error) error
	Exists(id string) bool
	ClaimAdminIfVacant(id, deviceID string) (bool, error)
	VacateAdmin(id, deviceID string) (bool, error)
	IsAdmin(id, deviceID string) bool
}

type bindings map[string]model.DeviceBinding

type Options struct {
	// Path of devices.json; empty keeps bindings in memory.
	Path   string
	Logger *slog.Logger
	Now    func() time.Time
}

type Registry struct {
	doc     *store.Document[bindings]
	tenants Tenants
	logger  *slog.Logger
	now     func() time.Time
}

func Open(opts Options, tenants Tenants) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	doc, err := store.Open(store.Options{Path: opts.Path, Logger: logger}, func() bindings {
		return make(bindings)
	})
	if err != nil {
		return nil, err
	}
	return &Registry{doc: doc, tenants: tenants, logger: logger.With("component", "devices"), now: now}, nil
}

// NewID mints a fresh device id.
func NewID() string {
	return "d-" + uuid.NewString()
}

// Bind points deviceID (minting one when empty) at tenantID, replacing any
// previous binding. The device becomes admin if the tenant has none. A
// device that leaves a tenant it administered hands admin on.
func (r *Registry) Bind(deviceID, tenantID string) (string, error) {
	if deviceID == "" {
		deviceID = NewID()
	}
	err := r.tenants.Shared(func() error {
		if !r.tenants.Exists(tenantID) {
			return ErrNotFound
		}
		binding := model.DeviceBinding{DeviceID: deviceID, TenantID: tenantID, BoundAt: r.now().UTC()}
		var previous string
		if err := r.doc.Update(func(m *bindings) error {
			previous = (*m)[deviceID].TenantID
			(*m)[deviceID] = binding
			return nil
		}); err != nil {
			return err
		}
		if previous != "" && previous != tenantID {
			if err := r.handOver(previous, deviceID); err != nil {
				return err
			}
		}
		claimed, err := r.tenants.ClaimAdminIfVacant(tenantID, deviceID)
		if err != nil {
			return err
		}
		if claimed {
			r.logger.Info("device became admin", "tenant", tenantID, "device", deviceID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("device bound", "tenant", tenantID, "device", deviceID)
	return deviceID, nil
}

// Resolve returns the tenant deviceID is bound to.
func (r *Registry) Resolve(deviceID string) (string, bool) {
	if deviceID == "" {
		return "", false
	}
	var (
		b  model.DeviceBinding
		ok bool
	)
	r.doc.View(func(m *bindings) { b, ok = (*m)[deviceID] })
	return b.TenantID, ok
}

func (r *Registry) Binding(deviceID string) (model.DeviceBinding, bool) {
	var (
		b  model.DeviceBinding
		ok bool
	)
	r.doc.View(func(m *bindings) { b, ok = (*m)[deviceID] })
	return b, ok
}

// IsAdmin reports whether deviceID is bound to tenantID and is its admin.
func (r *Registry) IsAdmin(deviceID, tenantID string) bool {
	bound, ok := r.Resolve(deviceID)
	if !ok || bound != tenantID {
		return false
	}
	return r.tenants.IsAdmin(tenantID, deviceID)
}

// Repoint moves every binding of oldID to newID. The caller holds the
// tenant registry's structural lock.
func (r *Registry) Repoint(oldID, newID string) (int, error) {
	n := 0
	err := r.doc.Update(func(m *bindings) error {
		for id, b := range *m {
			if b.TenantID == oldID {
				b.TenantID = newID
				(*m)[id] = b
				n++
			}
		}
		if n == 0 {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Forget drops the binding of deviceID, if any. When the device was its
// tenant's admin, the longest-bound remaining device takes over.
func (r *Registry) Forget(deviceID string) error {
	return r.tenants.Shared(func() error {
		var tenantID string
		err := r.doc.Update(func(m *bindings) error {
			b, ok := (*m)[deviceID]
			if !ok {
				return store.ErrNoChange
			}
			tenantID = b.TenantID
			delete(*m, deviceID)
			return nil
		})
		if err != nil || tenantID == "" {
			return err
		}
		return r.handOver(tenantID, deviceID)
	})
}

// handOver vacates tenantID's admin pointer if it names a device that has
// left, then promotes the longest-bound device still there. Callers hold
// the tenant registry's shared lock.
func (r *Registry) handOver(tenantID, leaving string) error {
	vacated, err := r.tenants.VacateAdmin(tenantID, leaving)
	if err != nil || !vacated {
		return err
	}
	r.logger.Info("admin left tenant", "tenant", tenantID, "device", leaving)

	var remaining []model.DeviceBinding
	r.doc.View(func(m *bindings) {
		for _, b := range *m {
			if b.TenantID == tenantID {
				remaining = append(remaining, b)
			}
		}
	})
	sort.Slice(remaining, func(i, j int) bool {
		if !remaining[i].BoundAt.Equal(remaining[j].BoundAt) {
			return remaining[i].BoundAt.Before(remaining[j].BoundAt)
		}
		return remaining[i].DeviceID < remaining[j].DeviceID
	})
	if len(remaining) == 0 {
		return nil
	}
	next := remaining[0].DeviceID
	claimed, err := r.tenants.ClaimAdminIfVacant(tenantID, next)
	if claimed {
		r.logger.Info("device became admin", "tenant", tenantID, "device", next)
	}
	return err
}

// CountByTenant returns the number of devices bound to each tenant.
func (r *Registry) CountByTenant() map[string]int {
	out := make(map[string]int)
	r.doc.View(func(m *bindings) {
		for _, b := range *m {
			out[b.TenantID]++
		}
	})
	return out
}
