// Command healthcheck probes a running stream-herald for container health checks.
// It exits 0 when the probed endpoint answers 200 and 1 otherwise.
// HEALTHCHECK_URL overrides the target; -ready probes /readyz instead of /healthz.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "probe /readyz (supervisors connected) instead of /healthz")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	os.Exit(probe(context.Background(), target(*ready), *timeout))
}

// target builds the probe URL from HEALTHCHECK_URL or HTTP_ADDR.
func target(ready bool) string {
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return strings.TrimRight(u, "/") + path
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" || strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
		if addr == "localhost" {
			addr = "localhost:8080"
		}
	}
	return "http://" + addr + path
}

func probe(ctx context.Context, url string, timeout time.Duration) int {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
