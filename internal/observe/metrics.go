// Package observe provides application-wide observability primitives for
// voicekit: OpenTelemetry metrics, structured logging setup, and the
// Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicekit metrics.
const meterName = "github.com/e4a-labs/voicekit"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesSent counts microphone frames encoded and sent to the bridge.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames dropped by the backpressure
	// policy (session not ready to send).
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts assistant audio chunks scheduled for playback.
	ChunksScheduled metric.Int64Counter

	// BargeIns counts interruptions of assistant audio by user speech.
	BargeIns metric.Int64Counter

	// NarrationPlays counts lesson narration tracks started. Use with
	// attribute: attribute.String("status", ...).
	NarrationPlays metric.Int64Counter

	// --- Session ---

	// SessionErrors counts session-level failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// RateLimits counts rate-limit responses from the bridge.
	RateLimits metric.Int64Counter

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Dialogue ---

	// DialogueTransitions counts applied context-update actions. Use with
	// attribute: attribute.String("action", ...).
	DialogueTransitions metric.Int64Counter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request processing time for the local
	// metrics/health listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("voicekit.capture.frames_sent",
		metric.WithDescription("Total microphone frames sent to the bridge."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicekit.capture.frames_dropped",
		metric.WithDescription("Total microphone frames dropped by backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("voicekit.playback.chunks_scheduled",
		metric.WithDescription("Total assistant audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicekit.playback.barge_ins",
		metric.WithDescription("Total barge-in interruptions of assistant audio."),
	); err != nil {
		return nil, err
	}
	if met.NarrationPlays, err = m.Int64Counter("voicekit.narration.plays",
		metric.WithDescription("Total lesson narration tracks started, by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voicekit.session.errors",
		metric.WithDescription("Total session failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimits, err = m.Int64Counter("voicekit.session.rate_limits",
		metric.WithDescription("Total rate-limit responses from the bridge."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicekit.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.DialogueTransitions, err = m.Int64Counter("voicekit.dialogue.transitions",
		metric.WithDescription("Total applied context-update actions, by action."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicekit.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionError records a session failure counter increment with the
// standard attribute set.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTransition records a dialogue transition counter increment.
func (m *Metrics) RecordTransition(ctx context.Context, action string) {
	m.DialogueTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordNarration records a narration play counter increment by status.
func (m *Metrics) RecordNarration(ctx context.Context, status string) {
	m.NarrationPlays.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
