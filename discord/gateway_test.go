package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/notify"
)

// fakeGateway runs one scripted session per connection.
func fakeGateway(t *testing.T, script func(c *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		script(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func helloAndReady(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.WriteJSON(map[string]any{"op": opHello, "d": map[string]int{"heartbeat_interval": 20}})
	var id payload
	if err := c.ReadJSON(&id); err != nil {
		t.Errorf("read identify: %v", err)
		return
	}
	if id.Op != opIdentify {
		t.Errorf("expected identify, got op %d", id.Op)
	}
	var d struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(id.D, &d)
	if d.Token != "tok" {
		t.Errorf("identify token = %q", d.Token)
	}
	_ = c.WriteJSON(map[string]any{"op": opDispatch, "t": "READY", "s": 1, "d": map[string]string{"session_id": "sess-1"}})
}

func TestGateway_ConnectAndDisconnect(t *testing.T) {
	url := fakeGateway(t, func(c *websocket.Conn) {
		helloAndReady(t, c)
		var hb payload
		if err := c.ReadJSON(&hb); err != nil {
			return
		}
		if hb.Op != opHeartbeat {
			t.Errorf("expected heartbeat, got op %d", hb.Op)
		}
		if string(hb.D) != "1" {
			t.Errorf("heartbeat seq = %s, want 1", hb.D)
		}
		_ = c.WriteJSON(map[string]any{"op": opHeartbeatACK})
		// drop the connection server side
	})

	dropped := make(chan error, 1)
	g := &Gateway{Token: "tok", URL: url, OnDisconnect: func(err error) { dropped <- err }}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if g.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q", g.SessionID())
	}

	select {
	case err := <-dropped:
		if !notify.IsKind(err, notify.KindTransient) {
			t.Errorf("disconnect kind = %v, want transient", notify.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called after server closed the session")
	}
	if g.Connected() {
		t.Error("Connected() should be false after a drop")
	}
}

func TestGateway_CloseDoesNotReport(t *testing.T) {
	url := fakeGateway(t, func(c *websocket.Conn) {
		helloAndReady(t, c)
		for {
			var p payload
			if err := c.ReadJSON(&p); err != nil {
				return
			}
			if p.Op == opHeartbeat {
				_ = c.WriteJSON(map[string]any{"op": opHeartbeatACK})
			}
		}
	})

	dropped := make(chan error, 1)
	g := &Gateway{Token: "tok", URL: url, OnDisconnect: func(err error) { dropped <- err }}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !g.Connected() {
		t.Fatal("Connected() = false after READY")
	}
	g.Close()

	select {
	case err := <-dropped:
		t.Fatalf("OnDisconnect called after Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if g.Connected() {
		t.Error("Connected() should be false after Close")
	}
}

func TestGateway_AuthFailure(t *testing.T) {
	url := fakeGateway(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]any{"op": opHello, "d": map[string]int{"heartbeat_interval": 1000}})
		var id payload
		_ = c.ReadJSON(&id)
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeAuthFailed, "Authentication failed."))
	})

	g := &Gateway{Token: "bad", URL: url}
	err := g.Connect(context.Background())
	if !notify.IsKind(err, notify.KindAuthFailure) {
		t.Fatalf("Connect() = %v, want auth_failure", err)
	}
}

func TestGateway_ReconnectRequested(t *testing.T) {
	url := fakeGateway(t, func(c *websocket.Conn) {
		helloAndReady(t, c)
		_ = c.WriteJSON(map[string]any{"op": opReconnect})
		var p payload
		_ = c.ReadJSON(&p)
	})

	dropped := make(chan error, 1)
	g := &Gateway{Token: "tok", URL: url, OnDisconnect: func(err error) { dropped <- err }}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case err := <-dropped:
		if err == nil {
			t.Error("expected a reconnect error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect request not reported")
	}
}
