// Package supervisor tracks the connection health of one external domain
// (a content source or the chat service) and drives recovery. A reported
// failure moves the domain from connected to retrying and starts a single
// recovery loop with exponential backoff. Each attempt remediates (flushes
// the resolver cache, rotates fallback addresses) and then probes. When the
// attempts are exhausted the domain is failed and OnFailed runs; the process
// is expected to exit with ExitCodeRestart so a process manager relaunches it.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/stream-herald/telemetry"
)

// ExitCodeRestart is the process exit status that asks for a relaunch.
const ExitCodeRestart = 75

// State of a supervised domain.
type State int

const (
	StateConnected State = iota
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Remediator is what recovery may reset between attempts. *resolver.Resolver satisfies it.
type Remediator interface {
	Flush()
	Rotate()
}

type Options struct {
	Domain      string
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	Remediator  Remediator
	// Probe checks that the domain is reachable again. Nil counts as success.
	Probe    func(ctx context.Context) error
	OnFailed func(domain string, err error)
}

// Supervisor owns the state of one domain.
type Supervisor struct {
	opts     Options
	failures chan error

	mu      sync.Mutex
	state   State
	lastErr error
}

func New(opts Options) *Supervisor {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 30 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = max(opts.BaseDelay/10, time.Millisecond)
	}
	s := &Supervisor{opts: opts, failures: make(chan error, 1)}
	telemetry.SetSupervisorState(opts.Domain, int(StateConnected))
	return s
}

func (s *Supervisor) Domain() string { return s.opts.Domain }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether work against the domain should proceed.
func (s *Supervisor) Connected() bool { return s.State() == StateConnected }

// LastError returns the error that exhausted recovery, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	telemetry.SetSupervisorState(s.opts.Domain, int(st))
}

// ReportFailure starts recovery if the domain is connected. Reports while a
// recovery is running, or after the domain failed, are ignored.
func (s *Supervisor) ReportFailure(err error) bool {
	if err == nil {
		return false
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return false
	}
	s.state = StateRetrying
	s.mu.Unlock()
	telemetry.SetSupervisorState(s.opts.Domain, int(StateRetrying))

	slog.Warn("connection failure reported, starting recovery",
		slog.String("domain", s.opts.Domain), slog.Any("err", err), slog.String("component", "supervisor"))
	s.failures <- err
	return true
}

// Run executes recovery loops until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-s.failures:
			s.recover(ctx, cause)
		}
	}
}

func (s *Supervisor) recover(ctx context.Context, cause error) {
	log := slog.With(slog.String("domain", s.opts.Domain), slog.String("component", "supervisor"))
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			telemetry.RecordSupervisorRetry(s.opts.Domain)
			if s.opts.Remediator != nil {
				s.opts.Remediator.Flush()
				s.opts.Remediator.Rotate()
			}
			if s.opts.Probe == nil {
				return nil
			}
			return s.opts.Probe(ctx)
		},
		retry.Attempts(s.opts.MaxAttempts),
		retry.Delay(s.opts.BaseDelay),
		retry.MaxDelay(s.opts.MaxDelay),
		retry.MaxJitter(s.opts.MaxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("recovery attempt failed",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Uint64("max_attempts", uint64(s.opts.MaxAttempts)),
				slog.Any("err", err))
		}),
	)
	if err == nil {
		s.setState(StateConnected)
		log.Info("connection recovered", slog.Int("attempts", attempt))
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.lastErr = errors.Join(cause, err)
	s.mu.Unlock()
	s.setState(StateFailed)
	log.Error("recovery exhausted", slog.Int("attempts", attempt), slog.Any("err", err))
	if s.opts.OnFailed != nil {
		s.opts.OnFailed(s.opts.Domain, err)
	}
}
