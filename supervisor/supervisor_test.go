package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRemediator struct{ flushes, rotations atomic.Int32 }

func (f *fakeRemediator) Flush()  { f.flushes.Add(1) }
func (f *fakeRemediator) Rotate() { f.rotations.Add(1) }

func fastOptions(domain string) Options {
	return Options{
		Domain:      domain,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxJitter:   time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func start(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
}

func TestSupervisor_RecoversAfterFailingProbes(t *testing.T) {
	rem := &fakeRemediator{}
	var probes atomic.Int32
	opts := fastOptions("twitch")
	opts.Remediator = rem
	opts.Probe = func(context.Context) error {
		if probes.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}
	s := New(opts)
	start(t, s)

	if !s.ReportFailure(errors.New("dns")) {
		t.Fatal("first report must start recovery")
	}
	if s.State() == StateConnected {
		t.Fatal("state must leave connected immediately")
	}
	waitFor(t, s.Connected)

	if probes.Load() != 3 {
		t.Errorf("probes = %d, want 3", probes.Load())
	}
	if rem.flushes.Load() != 3 || rem.rotations.Load() != 3 {
		t.Errorf("remediation flush=%d rotate=%d, want 3 each", rem.flushes.Load(), rem.rotations.Load())
	}
}

func TestSupervisor_ExhaustionFails(t *testing.T) {
	var (
		mu       sync.Mutex
		failedOn string
	)
	var probes atomic.Int32
	opts := fastOptions("youtube")
	opts.Probe = func(context.Context) error {
		probes.Add(1)
		return errors.New("unreachable")
	}
	opts.OnFailed = func(domain string, err error) {
		mu.Lock()
		failedOn = domain
		mu.Unlock()
	}
	s := New(opts)
	start(t, s)

	s.ReportFailure(errors.New("timeout"))
	waitFor(t, func() bool { return s.State() == StateFailed })
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return failedOn != "" })

	if failedOn != "youtube" {
		t.Errorf("OnFailed domain = %q", failedOn)
	}
	if probes.Load() != 3 {
		t.Errorf("probes = %d, want MaxAttempts", probes.Load())
	}
	if s.LastError() == nil {
		t.Error("LastError not recorded")
	}
	if s.ReportFailure(errors.New("again")) {
		t.Error("a failed domain must not restart recovery")
	}
}

func TestSupervisor_SingleRecoveryLoop(t *testing.T) {
	release := make(chan struct{})
	var probes atomic.Int32
	opts := fastOptions("discord")
	opts.Probe = func(ctx context.Context) error {
		probes.Add(1)
		<-release
		return nil
	}
	s := New(opts)
	start(t, s)

	if !s.ReportFailure(errors.New("first")) {
		t.Fatal("expected recovery to start")
	}
	waitFor(t, func() bool { return probes.Load() == 1 })
	for i := 0; i < 5; i++ {
		if s.ReportFailure(errors.New("concurrent")) {
			t.Fatal("reports during recovery must be ignored")
		}
	}
	close(release)
	waitFor(t, s.Connected)
	if probes.Load() != 1 {
		t.Errorf("probes = %d, want 1", probes.Load())
	}
}

func TestSupervisor_NilErrorIgnored(t *testing.T) {
	s := New(fastOptions("twitch"))
	if s.ReportFailure(nil) || !s.Connected() {
		t.Error("nil error must not change state")
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{StateConnected: "connected", StateRetrying: "retrying", StateFailed: "failed", State(9): "unknown"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
