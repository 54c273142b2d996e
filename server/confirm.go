package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownConfirmation = errors.New("unknown or expired confirmation")
	ErrTooManyPending      = errors.New("too many pending confirmations")
)

// DefaultConfirmTTL is how long a destructive action waits for confirmation.
const DefaultConfirmTTL = 2 * time.Minute

const maxPendingConfirmations = 1000

// Confirmation describes an action held back until the caller confirms it.
type Confirmation struct {
	Prompt    string
	OnConfirm func(ctx context.Context) (any, error)
	// OnCancel runs when the confirmation is cancelled or expires.
	OnCancel func()
	TTL      time.Duration
}

type pendingConfirmation struct {
	Confirmation
	expires time.Time
}

// Confirmations holds pending confirmations keyed by random token.
type Confirmations struct {
	Now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

func NewConfirmations() *Confirmations {
	return &Confirmations{Now: time.Now, pending: make(map[string]*pendingConfirmation)}
}

// Request registers c and returns its token and expiry.
func (c *Confirmations) Request(conf Confirmation) (string, time.Time, error) {
	if conf.TTL <= 0 {
		conf.TTL = DefaultConfirmTTL
	}
	expired := c.sweep()
	defer runCancels(expired)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPendingConfirmations {
		return "", time.Time{}, ErrTooManyPending
	}
	token := uuid.NewString()
	expires := c.Now().Add(conf.TTL)
	c.pending[token] = &pendingConfirmation{Confirmation: conf, expires: expires}
	return token, expires, nil
}

func (c *Confirmations) take(token string) (*pendingConfirmation, bool) {
	c.mu.Lock()
	p, ok := c.pending[token]
	delete(c.pending, token)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !c.Now().Before(p.expires) {
		runCancels([]*pendingConfirmation{p})
		return nil, false
	}
	return p, true
}

// Confirm runs the action for token. A token is usable once.
func (c *Confirmations) Confirm(ctx context.Context, token string) (any, error) {
	p, ok := c.take(token)
	if !ok {
		return nil, ErrUnknownConfirmation
	}
	if p.OnConfirm == nil {
		return nil, nil
	}
	return p.OnConfirm(ctx)
}

// Cancel drops token and runs its OnCancel.
func (c *Confirmations) Cancel(token string) bool {
	c.mu.Lock()
	p, ok := c.pending[token]
	delete(c.pending, token)
	c.mu.Unlock()
	if ok && p.OnCancel != nil {
		p.OnCancel()
	}
	return ok
}

// Pending returns the number of outstanding confirmations.
func (c *Confirmations) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// sweep removes expired entries and returns them for cancellation outside the lock.
func (c *Confirmations) sweep() []*pendingConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.Now()
	var expired []*pendingConfirmation
	for token, p := range c.pending {
		if !now.Before(p.expires) {
			delete(c.pending, token)
			expired = append(expired, p)
		}
	}
	return expired
}

func runCancels(expired []*pendingConfirmation) {
	for _, p := range expired {
		if p.OnCancel != nil {
			p.OnCancel()
		}
	}
}

// Sweep expires stale confirmations and returns how many were dropped.
func (c *Confirmations) Sweep() int {
	expired := c.sweep()
	runCancels(expired)
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Confirmations) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("confirmations expired", slog.Int("count", n), slog.String("component", "http"))
			}
		}
	}
}
