package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stream-herald/telemetry"
)

type editRecord struct {
	count int
	last  time.Time
}

// EditBreaker counts rate-limited edit responses per message. Once a message
// has more than Limit of them, edits are skipped until Cooldown has passed since
// the last one. Records idle for longer than TTL are dropped by GC.
type EditBreaker struct {
	Limit    int
	Cooldown time.Duration
	TTL      time.Duration
	Now      func() time.Time

	mu      sync.Mutex
	records map[string]*editRecord
}

func NewEditBreaker(limit int, cooldown, ttl time.Duration) *EditBreaker {
	if limit <= 0 {
		limit = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &EditBreaker{Limit: limit, Cooldown: cooldown, TTL: ttl, Now: time.Now, records: make(map[string]*editRecord)}
}

func (b *EditBreaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Allow reports whether an edit of messageID may be attempted now.
func (b *EditBreaker) Allow(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[messageID]
	if !ok {
		return true
	}
	return !(r.count > b.Limit && b.now().Sub(r.last) < b.Cooldown)
}

// RecordRateLimited counts one rate-limited edit of messageID.
func (b *EditBreaker) RecordRateLimited(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[messageID]
	if !ok {
		r = &editRecord{}
		b.records[messageID] = r
	}
	r.count++
	r.last = b.now()
	telemetry.SetEditAttemptRecords(len(b.records))
}

// Reset forgets messageID after a successful edit.
func (b *EditBreaker) Reset(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, messageID)
	telemetry.SetEditAttemptRecords(len(b.records))
}

// Count returns the recorded rate-limit count for messageID.
func (b *EditBreaker) Count(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.records[messageID]; ok {
		return r.count
	}
	return 0
}

// GC drops records idle for longer than TTL and returns how many were removed.
func (b *EditBreaker) GC() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, r := range b.records {
		if now.Sub(r.last) > b.TTL {
			delete(b.records, id)
			removed++
		}
	}
	telemetry.SetEditAttemptRecords(len(b.records))
	return removed
}

// RunGC calls GC every interval until ctx is done.
func (b *EditBreaker) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.GC(); n > 0 {
				telemetry.LoggerWithCorr(ctx).Debug("edit attempt records expired", slog.Int("removed", n), slog.String("component", "delivery"))
			}
		}
	}
}
