package server

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, s *testServer, path string, b *browser) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + path
	header := http.Header{}
	if b != nil {
		u, _ := url.Parse(s.URL)
		for _, c := range b.client.Jar.Cookies(u) {
			header.Add("Cookie", c.Name+"="+c.Value)
		}
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var hello map[string]any
	readJSON(t, conn, &hello)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello, got %v", hello)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
}

func TestWebSocketPingPong(t *testing.T) {
	s := newTestServer(t)
	b := s.signup(t, "home")
	conn := dial(t, s, "/ws", b)

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp map[string]any
	readJSON(t, conn, &resp)
	if resp["type"] != "pong" {
		t.Fatalf("expected pong, got %v", resp)
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWebSocketLoginChannel(t *testing.T) {
	s := newTestServer(t)
	waiting := s.browser(t)
	_, start := waiting.post("/api/login/start", nil)
	token, _ := start["token"].(string)

	conn := dial(t, s, "/ws?login="+token, nil)

	scanner := s.browser(t)
	code, body := scanner.post("/api/login/claim", map[string]any{"token": token})
	expectStatus(t, code, http.StatusOK, body)

	var event map[string]any
	readJSON(t, conn, &event)
	if event["type"] != "login" || event["status"] != "authenticated" {
		t.Fatalf("expected authenticated login event, got %v", event)
	}
}

func TestWebSocketTenantEvents(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup(t, "home")
	conn := dial(t, s, "/ws", admin)

	code, body := admin.post("/api/t/home/folders", map[string]any{"path": "docs"})
	expectStatus(t, code, http.StatusCreated, body)

	var event map[string]any
	readJSON(t, conn, &event)
	if event["type"] != "files_changed" || event["path"] != "docs" {
		t.Fatalf("unexpected event: %v", event)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	s := newTestServer(t)
	b := s.signup(t, "home")
	u, _ := url.Parse(s.URL)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"

	withOrigin := func(origin string) http.Header {
		h := http.Header{}
		for _, c := range b.client.Jar.Cookies(u) {
			h.Add("Cookie", c.Name+"="+c.Value)
		}
		h.Set("Origin", origin)
		return h
	}

	for _, origin := range []string{"http://drop.test", s.URL} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, withOrigin(origin))
		if err != nil {
			t.Fatalf("origin %s: Dial: %v", origin, err)
		}
		_ = conn.Close()
	}

	for _, origin := range []string{"http://evil.example", "https://drop.test", "http://sub.drop.test"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, withOrigin(origin))
		if err == nil {
			t.Fatalf("origin %s: expected handshake to be refused", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %s: expected 403, got %v", origin, resp)
		}
	}
}
