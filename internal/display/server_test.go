package display

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestPublishRejectsUnknownMode(t *testing.T) {
	s := New(zap.NewNop())
	s.Publish("BLINKING", map[string]any{"x": 1})
	if got := s.State().Mode; got != ModeIdle {
		t.Fatalf("unknown mode must not replace state, got %s", got)
	}

	s.Publish(ModeCart, map[string]any{"items": 2})
	if got := s.State().Mode; got != ModeCart {
		t.Fatalf("expected CART, got %s", got)
	}
}

func TestStateEndpoint(t *testing.T) {
	s := New(zap.NewNop())
	s.Publish(ModeThankYou, map[string]any{"orderNumber": "ORD-1"})

	srv := httptest.NewServer(s.Handler("production", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/display/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool  `json:"success"`
		Data    State `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.Mode != ModeThankYou {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWebSocketSnapshotAndPush(t *testing.T) {
	s := New(zap.NewNop())
	s.Publish(ModeCart, map[string]any{"items": 1})

	srv := httptest.NewServer(s.Handler("development", nil))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/display"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var msg struct {
		Type string `json:"type"`
		Data State  `json:"data"`
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "display.state" || msg.Data.Mode != ModeCart {
		t.Fatalf("unexpected snapshot: %+v", msg)
	}

	// give the server a beat to register the subscriber before publishing
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.RLock()
		n := len(s.subs)
		s.mu.RUnlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Publish(ModeThankYou, map[string]any{"orderNumber": "ORD-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if msg.Data.Mode != ModeThankYou {
		t.Fatalf("expected THANK_YOU push, got %+v", msg)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(zap.NewNop()).Handler("production", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
