package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	queries map[string]url.Values
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		queries:  make(map[string]url.Values),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.queries[key] = r.URL.Query()
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// LastQuery returns the query string of the most recent request to path.
func (m *MockTwitchServer) LastQuery(path string) url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[path]
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		if streams == nil {
			streams = []map[string]interface{}{}
		}
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockGamesResponse adds a handler for /helix/games endpoint
func (m *MockTwitchServer) MockGamesResponse(id, name string) {
	m.Handlers["/helix/games"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{{"id": id, "name": name}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// DiscordCall is one request received by MockDiscordServer.
type DiscordCall struct {
	Method    string
	Path      string
	MessageID string
	Body      map[string]any
}

// DiscordReply scripts one response. Zero Status means 200 with the message.
type DiscordReply struct {
	Status     int
	RetryAfter float64
}

// MockDiscordServer emulates the channel message endpoints of the Discord REST API.
// Replies queued with Script are consumed in order before falling back to success.
type MockDiscordServer struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []DiscordCall
	script   []DiscordReply
	messages map[string]map[string]any
	nextID   int
}

// NewMockDiscordServer starts the mock and registers cleanup.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{messages: make(map[string]map[string]any)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// Script queues replies for the next message requests.
func (m *MockDiscordServer) Script(replies ...DiscordReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

// DeleteMessage removes a message so later edits and fetches return 404.
func (m *MockDiscordServer) DeleteMessage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
}

// Calls returns a copy of the request log.
func (m *MockDiscordServer) Calls() []DiscordCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DiscordCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsByMethod counts logged requests with the given method.
func (m *MockDiscordServer) CallsByMethod(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Message returns the stored body of a message.
func (m *MockDiscordServer) Message(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

func (m *MockDiscordServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/users/@me":
		_, _ = w.Write([]byte(`{"id":"bot-1","username":"herald","bot":true}`))
		return
	case "/gateway/bot":
		_, _ = w.Write([]byte(`{"url":"wss://gateway.invalid"}`))
		return
	}

	// /channels/{channel}/messages[/{message}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "channels" || parts[2] != "messages" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	channelID := parts[1]
	messageID := ""
	if len(parts) > 3 {
		messageID = parts[3]
	}
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, DiscordCall{Method: r.Method, Path: r.URL.Path, MessageID: messageID, Body: body})

	if len(m.script) > 0 {
		reply := m.script[0]
		m.script = m.script[1:]
		if reply.Status != 0 && reply.Status != http.StatusOK {
			w.WriteHeader(reply.Status)
			if reply.Status == http.StatusTooManyRequests {
				_, _ = fmt.Fprintf(w, `{"message":"You are being rate limited.","retry_after":%g,"global":false}`, reply.RetryAfter)
			} else {
				_, _ = fmt.Fprintf(w, `{"message":%q,"code":0}`, http.StatusText(reply.Status))
			}
			return
		}
	}

	switch {
	case r.Method == http.MethodPost && messageID == "":
		m.nextID++
		id := fmt.Sprintf("msg-%d", m.nextID)
		m.messages[id] = body
		writeMessage(w, id, channelID, body)
	case (r.Method == http.MethodPatch || r.Method == http.MethodGet) && messageID != "":
		stored, ok := m.messages[messageID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
			return
		}
		if r.Method == http.MethodPatch {
			m.messages[messageID] = body
			stored = body
		}
		writeMessage(w, messageID, channelID, stored)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeMessage(w http.ResponseWriter, id, channelID string, body map[string]any) {
	out := map[string]any{"id": id, "channel_id": channelID}
	if body != nil {
		out["content"] = body["content"]
		out["embeds"] = body["embeds"]
	}
	_ = json.NewEncoder(w).Encode(out) //nolint:errcheck // test mock response
}
