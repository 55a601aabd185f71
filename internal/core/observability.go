package core

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span around a service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// PrometheusMetricsRecorder counts operations by status and records their latency.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the service collectors with reg. A nil
// registerer leaves them unregistered.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldtrials",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldtrials",
			Subsystem: "service",
			Name:      "operation_seconds",
			Help:      "Service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(r.operations, r.latency)
	}
	return r
}

// Operations exposes the counter vector.
func (r *PrometheusMetricsRecorder) Operations() *prometheus.CounterVec { return r.operations }

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SpanEntry is a finished span kept by LogTracer.
type SpanEntry struct {
	Operation string
	Status    string
	Duration  time.Duration
	Error     string
	StartedAt time.Time
}

// LogTracer writes finished spans to a zerolog logger at debug level and keeps
// the most recent ones for inspection.
type LogTracer struct {
	logger  zerolog.Logger
	retain  int
	mu      sync.Mutex
	entries []SpanEntry
}

// NewLogTracer returns a tracer logging to logger. retain <= 0 keeps 256 spans.
func NewLogTracer(logger zerolog.Logger, retain int) *LogTracer {
	if retain <= 0 {
		retain = 256
	}
	return &LogTracer{logger: logger, retain: retain}
}

// Entries returns a copy of the retained spans, oldest first.
func (t *LogTracer) Entries() []SpanEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SpanEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *LogTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &logSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type logSpan struct {
	tracer    *LogTracer
	operation string
	started   time.Time
}

func (s *logSpan) End(err error) {
	entry := SpanEntry{
		Operation: s.operation,
		Status:    "success",
		Duration:  time.Since(s.started),
		StartedAt: s.started,
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	s.tracer.logger.Debug().
		Str("operation", entry.Operation).
		Str("status", entry.Status).
		Dur("duration", entry.Duration).
		Str("error", entry.Error).
		Msg("span")

	s.tracer.mu.Lock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if over := len(s.tracer.entries) - s.tracer.retain; over > 0 {
		s.tracer.entries = append([]SpanEntry(nil), s.tracer.entries[over:]...)
	}
	s.tracer.mu.Unlock()
}
