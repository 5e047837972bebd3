// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	MessagesRelayed   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_relayed_total", Help: "Messages relayed to at least one destination"}, []string{"origin"})
	EchoesDropped     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_echoes_dropped_total", Help: "Self-echo events dropped by loop prevention"}, []string{"platform"})
	DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_duplicates_dropped_total", Help: "Duplicate origin events absorbed"}, []string{"platform"})
	EditsPropagated   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_edits_propagated_total", Help: "Edit events fanned out"}, []string{"origin"})
	DeletesPropagated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_deletes_propagated_total", Help: "Deletion events fanned out"}, []string{"origin"})
	SendSoftFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_send_soft_failures_total", Help: "Per-destination soft delivery failures"}, []string{"destination"})
	RateLimited       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_rate_limited_total", Help: "Fan-out legs dropped by the per-platform rate limiter"}, []string{"destination"})
	WebhookEvents     = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_webhook_events_total", Help: "Events accepted on the deletion webhook"})

	// Histograms (seconds)
	FanoutDuration prometheus.Observer = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_fanout_duration_seconds", Help: "Duration of one classify-and-fan-out cycle", Buckets: prometheus.DefBuckets})

	// Gauges
	ConnectedAdapters = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connected_adapters", Help: "Number of platform adapters currently connected"})
	TrackedMappings   = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_tracked_mappings", Help: "Mappings currently retained in the identity store"})
)

// SetConnectedAdapters records the current adapter connection count.
func SetConnectedAdapters(n int) {
	ConnectedAdapters.Set(float64(n))
}

// SetTrackedMappings records the current mapping count.
func SetTrackedMappings(n int64) {
	TrackedMappings.Set(float64(n))
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
