package hub

import (
	"encoding/json"
	"testing"
)

type testWriter struct {
	writes [][]byte
	fail   bool
	closed bool
}

func (w *testWriter) Write(message []byte) error {
	w.writes = append(w.writes, message)
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error {
	w.closed = true
	return nil
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := New(nil)
	w1 := &testWriter{}
	c1 := &Connection{Key: TenantKey("u"), Writer: w1}

	h.Register(c1)
	h.Broadcast(TenantKey("u"), []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w1.writes))
	}

	h.Unregister(c1)
	h.Broadcast(TenantKey("u"), []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected no more writes, got %d", len(w1.writes))
	}
	if h.Count(TenantKey("u")) != 0 {
		t.Fatalf("expected key removed")
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New(nil)
	w1 := &testWriter{fail: true}
	c1 := &Connection{Key: "login:abc", Writer: w1}
	h.Register(c1)

	h.Broadcast("login:abc", []byte("x"))
	h.Broadcast("login:abc", []byte("x"))
	if len(w1.writes) != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", len(w1.writes))
	}
	if !w1.closed {
		t.Fatalf("expected failed writer closed")
	}
}

func TestHub_NotifyOnlyReachesKey(t *testing.T) {
	h := New(nil)
	waiting := &testWriter{}
	other := &testWriter{}
	h.Register(&Connection{Key: "login:tok", Writer: waiting})
	h.Register(&Connection{Key: "login:else", Writer: other})

	h.Notify("login:tok", map[string]string{"type": "login", "status": "authenticated"})

	if len(other.writes) != 0 {
		t.Fatalf("event leaked to another key")
	}
	if len(waiting.writes) != 1 {
		t.Fatalf("expected one event, got %d", len(waiting.writes))
	}
	var got map[string]string
	if err := json.Unmarshal(waiting.writes[0], &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["status"] != "authenticated" {
		t.Fatalf("unexpected event %v", got)
	}
}
