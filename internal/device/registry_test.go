package device

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dropshelf-server/internal/tenant"
)

func newRegistries(t *testing.T) (*tenant.Registry, *Registry) {
	t.Helper()
	dir := t.TempDir()
	tenants, err := tenant.Open(tenant.Options{
		Path:        filepath.Join(dir, "tenants.json"),
		StorageRoot: filepath.Join(dir, "storage"),
	})
	if err != nil {
		t.Fatalf("tenant.Open: %v", err)
	}
	devices, err := Open(Options{Path: filepath.Join(dir, "devices.json")}, tenants)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tenants.AttachDevices(devices)
	return tenants, devices
}

func mustCreate(t *testing.T, tenants *tenant.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := tenants.Create(id); err != nil {
			t.Fatalf("Create(%q): %v", id, err)
		}
	}
}

func mustBind(t *testing.T, devices *Registry, deviceID, tenantID string) string {
	t.Helper()
	id, err := devices.Bind(deviceID, tenantID)
	if err != nil {
		t.Fatalf("Bind(%q, %q): %v", deviceID, tenantID, err)
	}
	return id
}

func TestBind_MintsIDAndFirstDeviceBecomesAdmin(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "home")

	first := mustBind(t, devices, "", "home")
	if !strings.HasPrefix(first, "d-") {
		t.Fatalf("unexpected device id %q", first)
	}
	second := mustBind(t, devices, "", "home")
	if first == second {
		t.Fatalf("device ids must differ")
	}

	if !devices.IsAdmin(first, "home") {
		t.Fatalf("first device should be admin")
	}
	if devices.IsAdmin(second, "home") {
		t.Fatalf("second device should not be admin")
	}
	if got, ok := devices.Resolve(second); !ok || got != "home" {
		t.Fatalf("Resolve: got %q ok=%v", got, ok)
	}
}

func TestBind_LastBindWins(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "one", "two")

	id := mustBind(t, devices, "", "one")
	mustBind(t, devices, id, "two")

	if got, _ := devices.Resolve(id); got != "two" {
		t.Fatalf("expected binding to two, got %q", got)
	}
	if devices.IsAdmin(id, "one") {
		t.Fatalf("device left one and must not be its admin")
	}
	if !devices.IsAdmin(id, "two") {
		t.Fatalf("device should be admin of two")
	}
	if got, _ := tenants.Get("one"); got.AdminDevice != "" {
		t.Fatalf("admin of one should be vacant, got %q", got.AdminDevice)
	}
}

func TestBind_UnknownTenant(t *testing.T) {
	_, devices := newRegistries(t)
	if _, err := devices.Bind("", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := devices.Resolve(""); ok {
		t.Fatalf("empty device id must not resolve")
	}
}

func TestRename_RepointsBindings(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "lucky-duck-042", "other")

	a := mustBind(t, devices, "", "lucky-duck-042")
	b := mustBind(t, devices, "", "lucky-duck-042")
	c := mustBind(t, devices, "", "other")

	if err := tenants.Rename("lucky-duck-042", "bold-otter-7"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	for _, id := range []string{a, b} {
		if got, ok := devices.Resolve(id); !ok || got != "bold-otter-7" {
			t.Fatalf("device %s: got %q ok=%v", id, got, ok)
		}
	}
	if got, _ := devices.Resolve(c); got != "other" {
		t.Fatalf("unrelated device moved to %q", got)
	}
	if !devices.IsAdmin(a, "bold-otter-7") {
		t.Fatalf("admin lost across rename")
	}
	if tenants.Exists("lucky-duck-042") {
		t.Fatalf("old id still exists")
	}

	counts := devices.CountByTenant()
	if counts["bold-otter-7"] != 2 || counts["lucky-duck-042"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestBindDuringRenameSeesConsistentState(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "before")

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := devices.Bind("", "before")
			if err == nil {
				ids[i] = id
			}
		}(i)
	}
	if err := tenants.Rename("before", "after"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	wg.Wait()

	for _, id := range ids {
		if id == "" {
			continue
		}
		if got, ok := devices.Resolve(id); !ok || got != "after" {
			t.Fatalf("binding left pointing at %q (ok=%v)", got, ok)
		}
	}
}

func TestForget(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "home")
	id := mustBind(t, devices, "", "home")

	if err := devices.Forget(id); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := devices.Resolve(id); ok {
		t.Fatalf("forgotten device still resolves")
	}
	if err := devices.Forget(id); err != nil {
		t.Fatalf("second Forget: %v", err)
	}
}

func TestForget_AdminHandsOverToLongestBound(t *testing.T) {
	tenants, devices := newRegistries(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	devices.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	mustCreate(t, tenants, "home")
	admin := mustBind(t, devices, "", "home")
	older := mustBind(t, devices, "", "home")
	mustBind(t, devices, "", "home")

	if err := devices.Forget(admin); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !devices.IsAdmin(older, "home") {
		got, _ := tenants.Get("home")
		t.Fatalf("expected %s to take over admin, got %q", older, got.AdminDevice)
	}
}

func TestForget_LastAdminLeavesTenantClaimable(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "home")
	admin := mustBind(t, devices, "", "home")

	if err := devices.Forget(admin); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if got, _ := tenants.Get("home"); got.AdminDevice != "" {
		t.Fatalf("admin pointer should be vacant, got %q", got.AdminDevice)
	}

	next := mustBind(t, devices, "", "home")
	if !devices.IsAdmin(next, "home") {
		t.Fatalf("next bound device should become admin")
	}
}

func TestForget_MemberKeepsAdmin(t *testing.T) {
	tenants, devices := newRegistries(t)
	mustCreate(t, tenants, "home")
	admin := mustBind(t, devices, "", "home")
	member := mustBind(t, devices, "", "home")

	if err := devices.Forget(member); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !devices.IsAdmin(admin, "home") {
		t.Fatalf("forgetting a member must not touch the admin")
	}
}

func TestBindingsPersist(t *testing.T) {
	dir := t.TempDir()
	tenants, err := tenant.Open(tenant.Options{StorageRoot: filepath.Join(dir, "storage")})
	if err != nil {
		t.Fatalf("tenant.Open: %v", err)
	}
	mustCreate(t, tenants, "home")

	path := filepath.Join(dir, "devices.json")
	d1, err := Open(Options{Path: path}, tenants)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustBind(t, d1, "", "home")

	d2, err := Open(Options{Path: path}, tenants)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	b, ok := d2.Binding(id)
	if !ok || b.TenantID != "home" || b.BoundAt.IsZero() {
		t.Fatalf("unexpected binding %+v ok=%v", b, ok)
	}
}
