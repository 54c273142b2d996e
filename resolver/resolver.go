// Package resolver supplies the DialContext used by every outbound HTTP client.
// Lookups are cached per host. When the system resolver fails for a host that
// has static fallback addresses, the current fallback address is used instead.
// The supervisor flushes the cache and rotates the fallback address while it
// tries to recover a source.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a successful lookup is reused.
const DefaultTTL = 5 * time.Minute

// DefaultFallback holds known edge addresses for the hosts the service depends on.
func DefaultFallback() map[string][]string {
	return map[string][]string{
		"api.twitch.tv": {"151.101.66.167", "151.101.194.167", "151.101.2.167", "151.101.130.167"},
		"discord.gg":    {"162.159.135.233"},
	}
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver caches lookups and falls back to static addresses.
type Resolver struct {
	// Lookup defaults to net.DefaultResolver.LookupHost.
	Lookup func(ctx context.Context, host string) ([]string, error)
	TTL    time.Duration
	Now    func() time.Time

	dialer *net.Dialer

	mu       sync.Mutex
	cache    map[string]cacheEntry
	fallback map[string][]string
	current  map[string]int
}

// New returns a Resolver with the given fallback table. Keys match the host
// exactly or as a parent domain.
func New(fallback map[string][]string) *Resolver {
	fb := make(map[string][]string, len(fallback))
	for host, ips := range fallback {
		fb[strings.ToLower(host)] = append([]string(nil), ips...)
	}
	return &Resolver{
		Lookup:   net.DefaultResolver.LookupHost,
		TTL:      DefaultTTL,
		Now:      time.Now,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		cache:    make(map[string]cacheEntry),
		fallback: fb,
		current:  make(map[string]int),
	}
}

// Resolve returns the addresses to dial for host.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	host = strings.ToLower(host)

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && r.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.addrs, nil
	}
	r.mu.Unlock()

	addrs, err := r.Lookup(ctx, host)
	if err == nil && len(addrs) > 0 {
		r.mu.Lock()
		r.cache[host] = cacheEntry{addrs: addrs, expires: r.Now().Add(r.TTL)}
		r.mu.Unlock()
		return addrs, nil
	}
	if err == nil {
		err = fmt.Errorf("no addresses for %s", host)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if ip, ok := r.fallbackFor(host); ok {
		slog.Warn("dns resolution failed, using fallback address",
			slog.String("host", host), slog.String("ip", ip), slog.Any("err", err), slog.String("component", "resolver"))
		return []string{ip}, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", host, err)
}

func (r *Resolver) fallbackKey(host string) (string, bool) {
	for key := range r.fallback {
		if host == key || strings.HasSuffix(host, "."+key) {
			return key, true
		}
	}
	return "", false
}

func (r *Resolver) fallbackFor(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.fallbackKey(host)
	if !ok {
		return "", false
	}
	ips := r.fallback[key]
	return ips[r.current[key]%len(ips)], true
}

// Fallback returns the fallback address currently selected for host.
func (r *Resolver) Fallback(host string) (string, bool) {
	return r.fallbackFor(strings.ToLower(host))
}

// Flush drops every cached lookup.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
	slog.Info("dns cache flushed", slog.String("component", "resolver"))
}

// Rotate advances every host to its next fallback address.
func (r *Resolver) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ips := range r.fallback {
		r.current[key] = (r.current[key] + 1) % len(ips)
	}
}

// DialContext resolves addr's host through r and dials the addresses in order.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("resolver dial: invalid address %q: %w", addr, err)
	}
	addrs, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Transport returns an http.Transport that dials through r.
func (r *Resolver) Transport() *http.Transport {
	return &http.Transport{
		DialContext:           r.DialContext,
		MaxConnsPerHost:       100,
		MaxIdleConnsPerHost:   10,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// HTTPClient returns a client using Transport with the given overall timeout.
func (r *Resolver) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: r.Transport(), Timeout: timeout}
}
