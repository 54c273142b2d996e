package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, tokens ...string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_id"); got == "" {
			t.Errorf("client_id missing from form body")
		}
		tok := tokens[len(tokens)-1]
		if int(n) <= len(tokens) {
			tok = tokens[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": tok,
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestTokenSource_GetCached(t *testing.T) {
	server, calls := tokenServer(t, "test-token-123")

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	ctx := context.Background()
	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}

	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected 1 API call, got %d", n)
	}
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	server, calls := tokenServer(t, "fresh-token")

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}
	// Inside the one-minute buffer, so Get must refresh.
	ts.SetToken("old-token", time.Now().Add(30*time.Second))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("Get() = %s, want fresh-token", tok)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected 1 refresh call, got %d", n)
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	server, calls := tokenServer(t, "first", "second")

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}
	ctx := context.Background()
	if tok, _ := ts.Get(ctx); tok != "first" {
		t.Fatalf("Get() = %s, want first", tok)
	}
	ts.Invalidate()
	if tok, _ := ts.Get(ctx); tok != "second" {
		t.Errorf("Get() after Invalidate = %s, want second", tok)
	}
	if n := atomic.LoadInt32(calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}

	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with missing credentials should return error")
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Get() error = %v, want error about missing credentials", err)
	}
}

func TestTokenSource_GetServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "bad-client",
		ClientSecret: "bad-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with server error should return error")
	}
}

func TestTokenSource_GetEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with empty access_token should return error")
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: server.URL}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(context.Background())
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			if tok != "test-token" {
				t.Errorf("Get() = %s, want test-token", tok)
			}
		}()
	}
	wg.Wait()

	// refresh re-checks under the write lock, so only one request goes out
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 API call with concurrent access, got %d", n)
	}
}

// tokenTransport is a custom transport for redirecting token requests
type tokenTransport struct {
	host string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		req.URL.Host = strings.TrimPrefix(t.host, "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}
