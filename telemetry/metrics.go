// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal        *prometheus.CounterVec // source, result
	DeliveriesTotal   *prometheus.CounterVec // op, result
	RateLimitRetries  *prometheus.CounterVec // op
	EditSkips         prometheus.Counter
	ChangesDetected   *prometheus.CounterVec // change
	SchedulerCycles   *prometheus.CounterVec // domain
	SkippedCycles     *prometheus.CounterVec // domain, reason
	QuotaRotations    prometheus.Counter
	SupervisorRetries *prometheus.CounterVec // domain

	// Histograms (seconds)
	PollDuration  *prometheus.HistogramVec // source
	CycleDuration *prometheus.HistogramVec // domain

	// Gauges
	SubjectsGauge       *prometheus.GaugeVec // kind
	SupervisorState     *prometheus.GaugeVec // domain; 0=connected,1=retrying,2=failed
	SourceCircuitGauge  *prometheus.GaugeVec // source; 1=open,0=closed
	EditAttemptsTracked prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_polls_total", Help: "Content source polls by source and result"}, []string{"source", "result"})
		DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_deliveries_total", Help: "Chat channel operations by op and result"}, []string{"op", "result"})
		RateLimitRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_rate_limit_retries_total", Help: "Retries caused by 429/503 responses"}, []string{"op"})
		EditSkips = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_edit_skips_total", Help: "Edits skipped because the message was rate limited repeatedly"})
		ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_changes_total", Help: "Classified changes by kind"}, []string{"change"})
		SchedulerCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_cycles_total", Help: "Completed scheduler cycles"}, []string{"domain"})
		SkippedCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_cycles_skipped_total", Help: "Scheduler ticks skipped"}, []string{"domain", "reason"})
		QuotaRotations = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_youtube_key_rotations_total", Help: "API key rotations after quotaExceeded"})
		SupervisorRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_supervisor_retries_total", Help: "Recovery attempts made by the connection supervisor"}, []string{"domain"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "herald_poll_duration_seconds", Help: "Poll duration seconds", Buckets: prometheus.DefBuckets}, []string{"source"})
		CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "herald_cycle_duration_seconds", Help: "Scheduler cycle duration seconds", Buckets: prometheus.DefBuckets}, []string{"domain"})
		SubjectsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_subjects", Help: "Monitored subjects by kind"}, []string{"kind"})
		SupervisorState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_supervisor_state", Help: "Supervisor state 0=connected 1=retrying 2=failed"}, []string{"domain"})
		SourceCircuitGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "herald_source_circuit_open", Help: "Content source circuit breaker open=1 closed=0"}, []string{"source"})
		EditAttemptsTracked = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_edit_attempt_records", Help: "Messages with a tracked edit attempt record"})
	})
}

// RecordPoll counts a poll and observes its duration.
func RecordPoll(source, result string, d time.Duration) {
	if PollsTotal == nil {
		return
	}
	PollsTotal.WithLabelValues(source, result).Inc()
	PollDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordDelivery counts a chat channel operation outcome.
func RecordDelivery(op, result string) {
	if DeliveriesTotal != nil {
		DeliveriesTotal.WithLabelValues(op, result).Inc()
	}
}

// RecordRateLimitRetry counts one backoff caused by the chat channel.
func RecordRateLimitRetry(op string) {
	if RateLimitRetries != nil {
		RateLimitRetries.WithLabelValues(op).Inc()
	}
}

// RecordEditSkip counts an edit short-circuited by the per-message attempt record.
func RecordEditSkip() {
	if EditSkips != nil {
		EditSkips.Inc()
	}
}

// RecordChange counts a classified change.
func RecordChange(change string) {
	if ChangesDetected != nil {
		ChangesDetected.WithLabelValues(change).Inc()
	}
}

// RecordCycle counts a finished scheduler cycle and its duration.
func RecordCycle(domain string, d time.Duration) {
	if SchedulerCycles == nil {
		return
	}
	SchedulerCycles.WithLabelValues(domain).Inc()
	CycleDuration.WithLabelValues(domain).Observe(d.Seconds())
}

// RecordSkippedCycle counts a scheduler tick that did not run.
func RecordSkippedCycle(domain, reason string) {
	if SkippedCycles != nil {
		SkippedCycles.WithLabelValues(domain, reason).Inc()
	}
}

// RecordQuotaRotation counts a switch to the next YouTube API key.
func RecordQuotaRotation() {
	if QuotaRotations != nil {
		QuotaRotations.Inc()
	}
}

// RecordSupervisorRetry counts a recovery attempt.
func RecordSupervisorRetry(domain string) {
	if SupervisorRetries != nil {
		SupervisorRetries.WithLabelValues(domain).Inc()
	}
}

// SetSubjects records the number of monitored subjects of a kind.
func SetSubjects(kind string, n int) {
	if SubjectsGauge != nil {
		SubjectsGauge.WithLabelValues(kind).Set(float64(n))
	}
}

// SetSupervisorState records the numeric supervisor state for a domain.
func SetSupervisorState(domain string, state int) {
	if SupervisorState != nil {
		SupervisorState.WithLabelValues(domain).Set(float64(state))
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(source string, open bool) {
	if SourceCircuitGauge == nil {
		return
	}
	if open {
		SourceCircuitGauge.WithLabelValues(source).Set(1)
	} else {
		SourceCircuitGauge.WithLabelValues(source).Set(0)
	}
}

// SetEditAttemptRecords records how many messages currently have an attempt record.
func SetEditAttemptRecords(n int) {
	if EditAttemptsTracked != nil {
		EditAttemptsTracked.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
