package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTarget(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		addr  string
		ready bool
		want  string
	}{
		{name: "default", want: "http://localhost:8080/healthz"},
		{name: "port only", addr: ":9090", want: "http://localhost:9090/healthz"},
		{name: "host and port", addr: "10.0.0.2:8080", ready: true, want: "http://10.0.0.2:8080/readyz"},
		{name: "explicit url", url: "http://herald:8080/", addr: ":1", want: "http://herald:8080/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := target(tt.ready); got != tt.want {
				t.Errorf("target() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if code := probe(context.Background(), srv.URL+"/healthz", time.Second); code != 0 {
		t.Errorf("healthz exit = %d, want 0", code)
	}
	if code := probe(context.Background(), srv.URL+"/readyz", time.Second); code != 1 {
		t.Errorf("readyz exit = %d, want 1", code)
	}
	if code := probe(context.Background(), "http://127.0.0.1:1/healthz", 200*time.Millisecond); code != 1 {
		t.Errorf("unreachable exit = %d, want 1", code)
	}
}
