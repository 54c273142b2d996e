// Package monitor runs the poll, classify and deliver pipeline. One loop per
// source kind ticks at its own interval; each tick fans out over a copy of the
// subject registry with a per-subject timeout and waits for every pipeline
// before the next tick. A per-subject lock keeps a manual check from
// overlapping a running tick on the same subject.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-herald/delivery"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/poller"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

// ErrCycleSkipped is returned by Cycle while a required domain is recovering.
var ErrCycleSkipped = errors.New("cycle skipped: domain not connected")

type Poller interface {
	Poll(ctx context.Context, sub notify.Subject, prev notify.SubjectState) (notify.Snapshot, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, sub notify.Subject, prev notify.SubjectState, snap notify.Snapshot) (notify.SubjectState, delivery.Outcome, error)
}

// Gate is the supervisor view the scheduler needs. *supervisor.Supervisor satisfies it.
type Gate interface {
	Domain() string
	Connected() bool
	ReportFailure(err error) bool
}

// Result is the outcome of one subject pipeline.
type Result struct {
	SubjectKey string
	Outcome    delivery.Outcome
	Skipped    bool
	Err        error
}

type Options struct {
	SubjectTimeout time.Duration
	// Cooldown skips a live Twitch subject that was announced less than this long ago.
	Cooldown    time.Duration
	Concurrency int
	// Sources gate each kind's cycles and receive its outage reports.
	Sources map[notify.SourceKind]Gate
	// Sink gates every cycle and receives chat-side outage reports.
	Sink Gate
}

type Monitor struct {
	store     store.Store
	locks     *store.Locker
	poller    Poller
	deliverer Deliverer
	opts      Options

	Now func() time.Time
}

func New(st store.Store, locks *store.Locker, p Poller, d Deliverer, opts Options) *Monitor {
	if opts.SubjectTimeout <= 0 {
		opts.SubjectTimeout = 20 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if locks == nil {
		locks = store.NewLocker()
	}
	return &Monitor{store: st, locks: locks, poller: p, deliverer: d, opts: opts, Now: time.Now}
}

// Process runs the pipeline for one subject under its lock.
func (m *Monitor) Process(ctx context.Context, sub notify.Subject) Result {
	key := sub.Key()
	res := Result{SubjectKey: key}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("subject", key), slog.String("component", "monitor"))

	unlock := m.locks.Lock(key)
	defer unlock()

	// the cycle works from a registry copy; a removal may have landed since
	registered, err := m.store.HasSubject(ctx, key)
	if err != nil {
		log.Error("check registry", slog.Any("err", err))
		res.Err = err
		return res
	}
	if !registered {
		log.Debug("subject removed before its turn")
		res.Skipped = true
		return res
	}

	prev, ok, err := m.store.Get(ctx, key)
	if err != nil {
		log.Error("load state", slog.Any("err", err))
		res.Err = err
		return res
	}
	if !ok {
		prev = notify.SubjectState{SubjectKey: key}
	}
	if sub.Kind == notify.SourceTwitch && prev.WithinCooldown(m.Now(), m.opts.Cooldown) {
		log.Debug("subject in notification cooldown")
		res.Skipped = true
		return res
	}

	snap, err := m.poller.Poll(ctx, sub, prev)
	if err != nil {
		m.reportSource(sub.Kind, err)
		log.Warn("poll failed", slog.String("kind", notify.KindOf(err).String()), slog.Any("err", err))
		res.Err = err
		return res
	}

	next, outcome, err := m.deliverer.Deliver(ctx, sub, prev, snap)
	res.Outcome = outcome
	if err != nil {
		m.reportSink(err)
		res.Err = err
		return res
	}
	if outcome == delivery.OutcomeNone || outcome == delivery.OutcomeSkipped {
		return res
	}
	if err := m.store.Put(ctx, next); err != nil {
		// the channel already changed; the next cycle may repeat the operation
		log.Error("persist state after delivery", slog.String("outcome", outcome.String()), slog.Any("err", err))
		res.Err = err
	}
	return res
}

func (m *Monitor) reportSource(kind notify.SourceKind, err error) {
	gate := m.opts.Sources[kind]
	if gate == nil {
		return
	}
	if errors.Is(err, poller.ErrSourceUnavailable) || notify.IsKind(err, notify.KindAuthFailure) {
		gate.ReportFailure(err)
	}
}

func (m *Monitor) reportSink(err error) {
	if m.opts.Sink == nil {
		return
	}
	var netErr net.Error
	if notify.IsKind(err, notify.KindAuthFailure) || (errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded)) {
		m.opts.Sink.ReportFailure(err)
	}
}

// gateOpen reports whether kind may be polled and delivered right now.
func (m *Monitor) gateOpen(kind notify.SourceKind) (string, bool) {
	if gate := m.opts.Sources[kind]; gate != nil && !gate.Connected() {
		return gate.Domain(), false
	}
	if m.opts.Sink != nil && !m.opts.Sink.Connected() {
		return m.opts.Sink.Domain(), false
	}
	return "", true
}

// Cycle processes every subject of kind once and waits for all of them.
func (m *Monitor) Cycle(ctx context.Context, kind notify.SourceKind) ([]Result, error) {
	if domain, ok := m.gateOpen(kind); !ok {
		telemetry.RecordSkippedCycle(string(kind), domain+"_not_connected")
		slog.Warn("skipping cycle while domain recovers",
			slog.String("kind", string(kind)), slog.String("domain", domain), slog.String("component", "monitor"))
		return nil, ErrCycleSkipped
	}
	subs, err := store.SubjectsOfKind(ctx, m.store, kind)
	if err != nil {
		return nil, err
	}
	telemetry.SetSubjects(string(kind), len(subs))

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	start := time.Now()
	results := make([]Result, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, m.opts.SubjectTimeout)
			defer cancel()
			results[i] = m.Process(sctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	d := time.Since(start)
	telemetry.RecordCycle(string(kind), d)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	telemetry.LoggerWithCorr(ctx).Debug("cycle complete",
		slog.String("kind", string(kind)), slog.Int("subjects", len(subs)), slog.Int("failed", failed),
		slog.Duration("took", d), slog.String("component", "monitor"))
	return results, nil
}

// CheckNow runs a cycle for each kind on demand. Skipped kinds are left out.
func (m *Monitor) CheckNow(ctx context.Context, kinds ...notify.SourceKind) []Result {
	if len(kinds) == 0 {
		kinds = []notify.SourceKind{notify.SourceTwitch, notify.SourceYouTube}
	}
	var out []Result
	for _, k := range kinds {
		res, err := m.Cycle(ctx, k)
		if err != nil && !errors.Is(err, ErrCycleSkipped) {
			slog.Warn("manual check failed", slog.String("kind", string(k)), slog.Any("err", err), slog.String("component", "monitor"))
		}
		out = append(out, res...)
	}
	return out
}

// Run ticks Cycle for kind every interval until ctx is done. The first cycle runs immediately.
func (m *Monitor) Run(ctx context.Context, kind notify.SourceKind, interval time.Duration) {
	slog.Info("monitor loop starting", slog.String("kind", string(kind)), slog.Duration("interval", interval), slog.String("component", "monitor"))
	if _, err := m.Cycle(ctx, kind); err != nil && !errors.Is(err, ErrCycleSkipped) {
		slog.Warn("cycle", slog.String("kind", string(kind)), slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor loop stopped", slog.String("kind", string(kind)))
			return
		case <-ticker.C:
			if _, err := m.Cycle(ctx, kind); err != nil && !errors.Is(err, ErrCycleSkipped) {
				slog.Warn("cycle", slog.String("kind", string(kind)), slog.Any("err", err))
			}
		}
	}
}
