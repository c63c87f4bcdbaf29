package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/metrics"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"dropshelf-server/internal/tokenstore"
	"github.com/gin-gonic/gin"
)

type testServer struct {
	*httptest.Server
	tenants *tenant.Registry
	devices *device.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tenants, err := tenant.Open(tenant.Options{
		StorageRoot: t.TempDir(),
		Logger:      logger,
		Argon2:      auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32},
	})
	if err != nil {
		t.Fatalf("tenant.Open: %v", err)
	}
	devices, err := device.Open(device.Options{Logger: logger}, tenants)
	if err != nil {
		t.Fatalf("device.Open: %v", err)
	}
	tenants.AttachDevices(devices)
	tokens, err := tokenstore.NewFileStore(tokenstore.FileOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	m := metrics.New(nil)
	h := hub.New(logger)
	r := NewRouter(Deps{
		Tenants: tenants,
		Devices: devices,
		Pairing: pairing.New(tokens, tenants, devices, pairing.Options{
			LoginTTL: time.Minute, TransferTTL: time.Minute, Logger: logger, Metrics: m, Notifier: h,
		}),
		Gate:    access.New(tenants, devices, access.Options{Logger: logger, Metrics: m}),
		Hub:     h,
		Metrics: m,
		Logger:  logger,
		Cookies: middleware.Cookies{
			Session:      auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"},
			DeviceMaxAge: time.Hour,
		},
		PublicURL: "http://drop.test",
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, tenants: tenants, devices: devices}
}

// browser is an HTTP client with its own cookie jar.
type browser struct {
	t      *testing.T
	srv    *testServer
	client *http.Client
}

func (s *testServer) browser(t *testing.T) *browser {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &browser{t: t, srv: s, client: &http.Client{Jar: jar}}
}

func (b *browser) do(method, path string, body any, header http.Header) (int, map[string]any) {
	b.t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, b.srv.URL+path, rd)
	if err != nil {
		b.t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (b *browser) get(path string) (int, map[string]any) { return b.do(http.MethodGet, path, nil, nil) }

func (b *browser) post(path string, body any) (int, map[string]any) {
	return b.do(http.MethodPost, path, body, nil)
}

func expectStatus(t *testing.T, got, want int, body map[string]any) {
	t.Helper()
	if got != want {
		t.Fatalf("expected %d, got %d: %v", want, got, body)
	}
}

// signup creates a tenant from a fresh browser, which becomes its admin.
func (s *testServer) signup(t *testing.T, name string) *browser {
	t.Helper()
	b := s.browser(t)
	code, body := b.post("/api/accounts", map[string]any{"name": name})
	expectStatus(t, code, http.StatusCreated, body)
	if body["admin"] != true {
		t.Fatalf("expected creator to be admin: %v", body)
	}
	return b
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, body := s.browser(t).get("/health")
	expectStatus(t, code, http.StatusOK, body)
}

func TestLoginHandshake(t *testing.T) {
	s := newTestServer(t)
	waiting := s.browser(t)
	scanner := s.browser(t)

	code, start := waiting.post("/api/login/start", nil)
	expectStatus(t, code, http.StatusOK, start)
	token, _ := start["token"].(string)
	digits, _ := start["code"].(string)
	if token == "" || len(digits) != 6 {
		t.Fatalf("unexpected ticket: %v", start)
	}
	if start["url"] != "http://drop.test/claim?token="+token {
		t.Fatalf("unexpected url: %v", start["url"])
	}

	code, status := waiting.get("/api/login/status?token=" + token)
	expectStatus(t, code, http.StatusOK, status)
	if status["status"] != pairing.StatusPending {
		t.Fatalf("expected pending, got %v", status)
	}

	code, claim := scanner.post("/api/login/claim", map[string]any{"code": digits})
	expectStatus(t, code, http.StatusOK, claim)
	tenantID, _ := claim["tenant"].(string)
	if tenantID == "" || claim["newTenant"] != true {
		t.Fatalf("unbound scanner should get a new tenant: %v", claim)
	}

	code, status = waiting.get("/api/login/status?token=" + token)
	expectStatus(t, code, http.StatusOK, status)
	if status["status"] != pairing.StatusAuthenticated || status["tenant"] != tenantID {
		t.Fatalf("expected authenticated, got %v", status)
	}
	code, status = waiting.get("/api/login/status?token=" + token)
	expectStatus(t, code, http.StatusOK, status)
	if status["status"] != pairing.StatusNotFound {
		t.Fatalf("token must redeem once, got %v", status)
	}

	code, me := waiting.get("/api/me")
	expectStatus(t, code, http.StatusOK, me)
	if me["tenant"] != tenantID || me["admin"] != false {
		t.Fatalf("waiting browser: %v", me)
	}
	code, me = scanner.get("/api/me")
	expectStatus(t, code, http.StatusOK, me)
	if me["tenant"] != tenantID || me["admin"] != true {
		t.Fatalf("scanner: %v", me)
	}
}

func TestUnknownLoginInputsLookMissing(t *testing.T) {
	s := newTestServer(t)
	b := s.browser(t)

	code, body := b.post("/api/login/claim", map[string]any{"token": "nope"})
	expectStatus(t, code, http.StatusNotFound, body)
	code, body = b.post("/api/join", map[string]any{"code": "000000"})
	expectStatus(t, code, http.StatusNotFound, body)
	code, body = b.post("/api/admin/claim", map[string]any{"token": "nope"})
	expectStatus(t, code, http.StatusNotFound, body)
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	s := newTestServer(t)
	b := s.browser(t)
	for _, path := range []string{"/api/me", "/api/my_qr", "/api/prefs", "/api/t/home/files"} {
		code, body := b.get(path)
		expectStatus(t, code, http.StatusUnauthorized, body)
	}
}

func TestJoinAndAdminTransfer(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")

	code, qr := admin.get("/api/my_qr")
	expectStatus(t, code, http.StatusOK, qr)
	joinCode, _ := qr["code"].(string)
	if joinCode == "" {
		t.Fatalf("missing permanent code: %v", qr)
	}

	member := s.browser(t)
	code, body := member.post("/api/join", map[string]any{"code": joinCode})
	expectStatus(t, code, http.StatusOK, body)
	if body["tenant"] != "home" {
		t.Fatalf("unexpected join: %v", body)
	}

	code, body = member.post("/api/admin/transfer", nil)
	expectStatus(t, code, http.StatusForbidden, body)

	code, ticket := admin.post("/api/admin/transfer", nil)
	expectStatus(t, code, http.StatusOK, ticket)
	code, body = member.post("/api/admin/claim", map[string]any{"token": ticket["token"]})
	expectStatus(t, code, http.StatusOK, body)

	_, me := member.get("/api/me")
	if me["admin"] != true {
		t.Fatalf("member should now be admin: %v", me)
	}
	_, me = admin.get("/api/me")
	if me["admin"] != false {
		t.Fatalf("previous admin should be demoted: %v", me)
	}
}

func TestPrivateTenantUnlock(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "vault")
	_, qr := admin.get("/api/my_qr")
	member := s.browser(t)
	code, body := member.post("/api/join", map[string]any{"code": qr["code"]})
	expectStatus(t, code, http.StatusOK, body)

	code, body = member.post("/api/privacy", map[string]any{"public": false, "password": "abcd1234"})
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = admin.post("/api/privacy", map[string]any{"public": false, "password": "short"})
	expectStatus(t, code, http.StatusBadRequest, body)
	code, body = admin.post("/api/privacy", map[string]any{"public": false, "password": "abcd1234"})
	expectStatus(t, code, http.StatusOK, body)

	code, body = admin.get("/api/t/vault/files")
	expectStatus(t, code, http.StatusOK, body)

	code, body = member.get("/api/t/vault/files")
	expectStatus(t, code, http.StatusForbidden, body)
	if body["needsPassword"] != true {
		t.Fatalf("expected needsPassword: %v", body)
	}

	code, body = member.post("/api/tenants/vault/unlock", map[string]any{"password": "wrong-password"})
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = member.post("/api/tenants/vault/unlock", map[string]any{"password": "abcd1234"})
	expectStatus(t, code, http.StatusOK, body)

	code, body = member.get("/api/t/vault/files")
	expectStatus(t, code, http.StatusOK, body)

	code, body = member.post("/api/tenants/ghost/unlock", map[string]any{"password": "abcd1234"})
	expectStatus(t, code, http.StatusNotFound, body)
}

func TestFilesLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")

	code, body := admin.post("/api/t/home/folders", map[string]any{"path": "docs/2024"})
	expectStatus(t, code, http.StatusCreated, body)
	if err := os.WriteFile(filepath.Join(s.tenants.StorageRoot("home"), "docs", "a.txt"), []byte("hi"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	code, body = admin.get("/api/t/home/files?path=docs")
	expectStatus(t, code, http.StatusOK, body)
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", body)
	}
	first, _ := entries[0].(map[string]any)
	if first["name"] != "2024" || first["dir"] != true {
		t.Fatalf("directories sort first: %v", entries)
	}

	code, body = admin.post("/api/t/home/delete", map[string]any{"paths": []string{"docs/a.txt", "docs/missing"}})
	expectStatus(t, code, http.StatusOK, body)
	if body["deleted"] != float64(1) {
		t.Fatalf("expected one deletion: %v", body)
	}

	code, body = admin.post("/api/t/home/delete", map[string]any{"paths": []string{""}})
	expectStatus(t, code, http.StatusBadRequest, body)
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")
	s.signup(t, "other")

	code, body := admin.get("/api/t/home/files?path=../other")
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = admin.post("/api/t/home/folders", map[string]any{"path": "../other/x"})
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = admin.post("/api/t/home/delete", map[string]any{"paths": []string{"../../etc"}})
	expectStatus(t, code, http.StatusForbidden, body)

	// Browsing a public neighbour is allowed; writing into it is not.
	code, body = admin.get("/api/t/other/files")
	expectStatus(t, code, http.StatusOK, body)
	code, body = admin.post("/api/t/other/folders", map[string]any{"path": "x"})
	expectStatus(t, code, http.StatusNotFound, body)

	code, body = admin.get("/api/t/ghost/files")
	expectStatus(t, code, http.StatusNotFound, body)
}

func TestDeletePreference(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")
	_, qr := admin.get("/api/my_qr")
	member := s.browser(t)
	member.post("/api/join", map[string]any{"code": qr["code"]})

	code, body := member.post("/api/prefs", map[string]any{tenant.PrefAllowNonAdminDelete: false})
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = admin.post("/api/prefs", map[string]any{tenant.PrefAllowNonAdminDelete: false})
	expectStatus(t, code, http.StatusOK, body)

	code, body = member.post("/api/t/home/folders", map[string]any{"path": "x"})
	expectStatus(t, code, http.StatusCreated, body)
	code, body = member.post("/api/t/home/delete", map[string]any{"paths": []string{"x"}})
	expectStatus(t, code, http.StatusForbidden, body)
	code, body = admin.post("/api/t/home/delete", map[string]any{"paths": []string{"x"}})
	expectStatus(t, code, http.StatusOK, body)
}

func TestRenameReissuesSession(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "lucky-duck-042")
	_, qr := admin.get("/api/my_qr")
	member := s.browser(t)
	member.post("/api/join", map[string]any{"code": qr["code"]})

	code, body := admin.post("/api/rename", map[string]any{"name": "bold-otter-7"})
	expectStatus(t, code, http.StatusOK, body)

	_, me := admin.get("/api/me")
	if me["tenant"] != "bold-otter-7" {
		t.Fatalf("admin session not reissued: %v", me)
	}
	// The member's cookie still names the old id and follows its binding.
	code, me = member.get("/api/me")
	expectStatus(t, code, http.StatusOK, me)
	if me["tenant"] != "bold-otter-7" {
		t.Fatalf("member did not follow rename: %v", me)
	}

	code, body = admin.post("/api/rename", map[string]any{"name": "Bad Name"})
	expectStatus(t, code, http.StatusBadRequest, body)
}

func TestAPITokenAccess(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")
	s.signup(t, "other")

	code, body := admin.post("/api/tokens", nil)
	expectStatus(t, code, http.StatusOK, body)
	secret, _ := body["token"].(string)
	if secret == "" {
		t.Fatalf("missing token: %v", body)
	}

	api := s.browser(t)
	bearer := http.Header{"Authorization": []string{"Bearer " + secret}}
	code, body = api.do(http.MethodGet, "/api/t/home/files", nil, bearer)
	expectStatus(t, code, http.StatusOK, body)
	code, body = api.do(http.MethodGet, "/api/t/other/files", nil, bearer)
	expectStatus(t, code, http.StatusNotFound, body)

	code, body = admin.do(http.MethodPost, "/api/tokens?regenerate=1", nil, nil)
	expectStatus(t, code, http.StatusOK, body)
	code, body = api.do(http.MethodGet, "/api/t/home/files", nil, bearer)
	expectStatus(t, code, http.StatusUnauthorized, body)
}

func TestLogoutForgetsDevice(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")

	code, body := admin.post("/api/logout", nil)
	expectStatus(t, code, http.StatusOK, body)
	code, body = admin.get("/api/me")
	expectStatus(t, code, http.StatusUnauthorized, body)
	if n := s.devices.CountByTenant()["home"]; n != 0 {
		t.Fatalf("expected no bound devices, got %d", n)
	}
}

func TestAdminLogoutLeavesTenantManageable(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")
	_, qr := admin.get("/api/my_qr")

	code, body := admin.post("/api/logout", nil)
	expectStatus(t, code, http.StatusOK, body)

	newcomer := s.browser(t)
	code, body = newcomer.post("/api/join", map[string]any{"code": qr["code"]})
	expectStatus(t, code, http.StatusOK, body)
	_, me := newcomer.get("/api/me")
	if me["admin"] != true {
		t.Fatalf("first device after the admin left should be admin: %v", me)
	}
	code, body = newcomer.post("/api/admin/transfer", nil)
	expectStatus(t, code, http.StatusOK, body)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	b := s.browser(t)
	b.post("/api/login/start", nil)

	resp, err := http.Get(s.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("dropshelf_pairing_events_total")) {
		t.Fatalf("pairing counter missing from metrics output")
	}
}
