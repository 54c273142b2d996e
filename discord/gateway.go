package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-herald/notify"
)

// DefaultGatewayURL is used when the API's /gateway/bot lookup is skipped.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// closeAuthFailed is sent by Discord when the token is rejected.
const closeAuthFailed = 4004

// ErrReconnectRequested is reported when Discord asks the client to reconnect.
var ErrReconnectRequested = errors.New("gateway requested reconnect")

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Gateway holds one websocket session. It sends no presence updates and
// subscribes to no intents; the session only proves the bot is connected.
// OnDisconnect fires once per session when the connection drops for any
// reason other than Close.
type Gateway struct {
	Token        string
	URL          string
	Intents      int
	Dialer       *websocket.Dialer
	ReadyTimeout time.Duration
	OnDisconnect func(error)

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	sessionID string

	writeMu sync.Mutex
	seq     atomic.Int64
	acked   atomic.Bool
}

// Connect dials, identifies and waits for READY. Any existing session is closed first.
func (g *Gateway) Connect(ctx context.Context) error {
	g.Close()

	dialer := g.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u := g.URL
	if u == "" {
		u = DefaultGatewayURL
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return notify.E(notify.KindTransient, "discord.gateway", err)
	}

	timeout := g.ReadyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	interval, err := g.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.conn = conn
	g.cancel = cancel
	g.mu.Unlock()
	g.acked.Store(true)

	go g.heartbeatLoop(runCtx, conn, interval)
	go g.readLoop(runCtx, cancel, conn)

	slog.Info("discord gateway connected", slog.String("session", g.SessionID()), slog.Duration("heartbeat", interval), slog.String("component", "discord_gateway"))
	return nil
}

func (g *Gateway) handshake(conn *websocket.Conn) (time.Duration, error) {
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return 0, classifyGatewayErr(err)
	}
	if hello.Op != opHello {
		return 0, notify.E(notify.KindTransient, "discord.gateway", fmt.Errorf("expected hello, got op %d", hello.Op))
	}
	var hd struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return 0, notify.E(notify.KindTransient, "discord.gateway", fmt.Errorf("bad hello payload"))
	}

	identify := map[string]any{
		"token":   g.Token,
		"intents": g.Intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "stream-herald",
			"device":  "stream-herald",
		},
	}
	if err := g.send(conn, opIdentify, identify); err != nil {
		return 0, classifyGatewayErr(err)
	}

	g.seq.Store(-1)
	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return 0, classifyGatewayErr(err)
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}
		switch {
		case p.Op == opDispatch && p.T == "READY":
			var ready struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(p.D, &ready)
			g.mu.Lock()
			g.sessionID = ready.SessionID
			g.mu.Unlock()
			return time.Duration(hd.HeartbeatInterval) * time.Millisecond, nil
		case p.Op == opInvalidSession:
			return 0, notify.E(notify.KindAuthFailure, "discord.gateway", fmt.Errorf("invalid session"))
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.acked.Swap(false) {
				// zombie connection; closing makes readLoop report it
				slog.Warn("discord gateway heartbeat not acknowledged", slog.String("component", "discord_gateway"))
				_ = conn.Close()
				return
			}
			if err := g.sendHeartbeat(conn); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var p payload
		err := conn.ReadJSON(&p)
		if err == nil {
			if p.S != nil {
				g.seq.Store(*p.S)
			}
			switch p.Op {
			case opHeartbeatACK:
				g.acked.Store(true)
				continue
			case opHeartbeat:
				err = g.sendHeartbeat(conn)
			case opReconnect:
				err = ErrReconnectRequested
			case opInvalidSession:
				err = notify.E(notify.KindAuthFailure, "discord.gateway", fmt.Errorf("invalid session"))
			default:
				continue
			}
			if err == nil {
				continue
			}
		}
		if ctx.Err() != nil {
			return // closed on purpose
		}
		_ = conn.Close()
		g.mu.Lock()
		if g.conn == conn {
			g.conn, g.cancel = nil, nil
		}
		g.mu.Unlock()
		slog.Warn("discord gateway disconnected", slog.Any("err", err), slog.String("component", "discord_gateway"))
		if g.OnDisconnect != nil {
			g.OnDisconnect(classifyGatewayErr(err))
		}
		return
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) error {
	var d any
	if s := g.seq.Load(); s >= 0 {
		d = s
	}
	return g.send(conn, opHeartbeat, d)
}

func (g *Gateway) send(conn *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(payload{Op: op, D: raw})
}

// Connected reports whether a session is currently open.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// SessionID returns the id from the last READY.
func (g *Gateway) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// Close ends the session without triggering OnDisconnect.
func (g *Gateway) Close() {
	g.mu.Lock()
	conn, cancel := g.conn, g.cancel
	g.conn, g.cancel = nil, nil
	g.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	g.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	g.writeMu.Unlock()
	_ = conn.Close()
}

func classifyGatewayErr(err error) error {
	var ne *notify.Error
	if errors.As(err, &ne) {
		return err
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == closeAuthFailed {
		return notify.E(notify.KindAuthFailure, "discord.gateway", err)
	}
	return notify.E(notify.KindTransient, "discord.gateway", err)
}
