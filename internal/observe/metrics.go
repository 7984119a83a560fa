// Package observe provides application-wide observability primitives for the
// voice coach: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/salesarchitect/voicecoach"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from dialling the live model until the
	// session is opened.
	ConnectDuration metric.Float64Histogram

	// ScoringDuration tracks the end-of-session scoring call.
	ScoringDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay active.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames dropped because the consumer was
	// slow or the transport refused them. Use with attribute:
	//   attribute.String("stage", "capture"|"send")
	FramesDropped metric.Int64Counter

	// AudioChunksPlayed counts decoded model audio buffers scheduled for playback.
	AudioChunksPlayed metric.Int64Counter

	// BargeIns counts local barge-in flushes.
	BargeIns metric.Int64Counter

	// Interruptions counts server-signalled interruptions.
	Interruptions metric.Int64Counter

	// DecodeErrors counts malformed audio payloads from the model.
	DecodeErrors metric.Int64Counter

	// SessionsFinished counts finished sessions. Use with attribute:
	//   attribute.String("outcome", "summary"|"no_summary"|"error")
	SessionsFinished metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// PersistErrors counts failed fire-and-forget writes. Use with attribute:
	//   attribute.String("op", ...)
	PersistErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin API latency. Attributes: method, the
	// matched ServeMux route, and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// practice sessions.
var sessionBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicecoach.connect.duration",
		metric.WithDescription("Time from dial until the live session is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScoringDuration, err = m.Float64Histogram("voicecoach.scoring.duration",
		metric.WithDescription("Latency of the end-of-session scoring call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicecoach.session.duration",
		metric.WithDescription("Time a voice session spent active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voicecoach.frames.sent",
		metric.WithDescription("Microphone frames sent to the live model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicecoach.frames.dropped",
		metric.WithDescription("Microphone frames dropped by stage."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksPlayed, err = m.Int64Counter("voicecoach.audio.chunks",
		metric.WithDescription("Model audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicecoach.barge_ins",
		metric.WithDescription("Playback flushes triggered by the user speaking over the model."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicecoach.interruptions",
		metric.WithDescription("Interruptions signalled by the live model."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicecoach.decode.errors",
		metric.WithDescription("Malformed audio payloads received from the live model."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinished, err = m.Int64Counter("voicecoach.sessions.finished",
		metric.WithDescription("Finished sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicecoach.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicecoach.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("voicecoach.persist.errors",
		metric.WithDescription("Failed persistence writes by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicecoach.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecoach.http.request.duration",
		metric.WithDescription("Admin API latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedFrame records one dropped microphone frame at stage.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordPersistError records one failed persistence write.
func (m *Metrics) RecordPersistError(ctx context.Context, op string) {
	m.PersistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordSessionFinished records one finished session with its outcome.
func (m *Metrics) RecordSessionFinished(ctx context.Context, outcome string) {
	m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
