// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlancehq/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// AudioDeltaBytes tracks the size distribution of model audio deltas.
	AudioDeltaBytes metric.Int64Histogram

	// ClipEncodeDuration tracks WAV clip encoding latency.
	ClipEncodeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioDeltas counts model audio deltas processed by the pipeline.
	AudioDeltas metric.Int64Counter

	// FramesSent counts audio frames delivered to the avatar transport.
	FramesSent metric.Int64Counter

	// SendFailures counts avatar frames dropped because the send failed.
	SendFailures metric.Int64Counter

	// BufferEvictions counts buffered frames dropped by the capacity or age
	// bound before they could be sent.
	BufferEvictions metric.Int64Counter

	// Interruptions counts barge-ins. Use with attribute:
	//   attribute.String("source", "user"|"server")
	Interruptions metric.Int64Counter

	// Cancellations counts response cancellations sent upstream.
	Cancellations metric.Int64Counter

	// TurnTransitions counts turn state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TurnTransitions metric.Int64Counter

	// ClipEncodes counts playback clip encodes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ClipEncodes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live console sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingFrames tracks frames currently waiting in delta buffers across
	// all sessions.
	PendingFrames metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// deltaByteBuckets defines histogram bucket boundaries (in bytes) for model
// audio deltas, which typically span one 20ms frame to a couple of seconds.
var deltaByteBuckets = []float64{
	480, 960, 1920, 4800, 9600, 24000, 48000, 96000, 192000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AudioDeltaBytes, err = m.Int64Histogram("parlance.audio.delta.bytes",
		metric.WithDescription("Size of model audio deltas."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(deltaByteBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClipEncodeDuration, err = m.Float64Histogram("parlance.clip.encode.duration",
		metric.WithDescription("Latency of WAV playback clip encoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioDeltas, err = m.Int64Counter("parlance.audio.deltas",
		metric.WithDescription("Total model audio deltas processed."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("parlance.avatar.frames_sent",
		metric.WithDescription("Total audio frames delivered to the avatar transport."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("parlance.avatar.send_failures",
		metric.WithDescription("Total avatar frames dropped due to send failures."),
	); err != nil {
		return nil, err
	}
	if met.BufferEvictions, err = m.Int64Counter("parlance.buffer.evictions",
		metric.WithDescription("Total buffered frames evicted by the capacity or age bound."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parlance.turn.interruptions",
		metric.WithDescription("Total barge-ins by source."),
	); err != nil {
		return nil, err
	}
	if met.Cancellations, err = m.Int64Counter("parlance.session.cancellations",
		metric.WithDescription("Total response cancellations sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.TurnTransitions, err = m.Int64Counter("parlance.turn.transitions",
		metric.WithDescription("Total turn state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.ClipEncodes, err = m.Int64Counter("parlance.clip.encodes",
		metric.WithDescription("Total playback clip encodes by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live console sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingFrames, err = m.Int64UpDownCounter("parlance.buffer.pending_frames",
		metric.WithDescription("Frames currently buffered awaiting an open avatar channel."),
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

// RecordAudioDelta records one processed model audio delta of the given size.
func (m *Metrics) RecordAudioDelta(ctx context.Context, bytes int) {
	m.AudioDeltas.Add(ctx, 1)
	m.AudioDeltaBytes.Record(ctx, int64(bytes))
}

// RecordFrameSent records one frame delivered to the avatar transport.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	m.FramesSent.Add(ctx, 1)
}

// RecordSendFailure records one frame dropped because its send failed.
func (m *Metrics) RecordSendFailure(ctx context.Context) {
	m.SendFailures.Add(ctx, 1)
}

// RecordBufferEvictions records n frames evicted from a delta buffer.
func (m *Metrics) RecordBufferEvictions(ctx context.Context, n int) {
	if n > 0 {
		m.BufferEvictions.Add(ctx, int64(n))
	}
}

// AddPendingFrames adjusts the pending-frame gauge by delta.
func (m *Metrics) AddPendingFrames(ctx context.Context, delta int) {
	if delta != 0 {
		m.PendingFrames.Add(ctx, int64(delta))
	}
}

// RecordInterruption records one barge-in from the given source.
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordCancellation records one response cancellation sent upstream.
func (m *Metrics) RecordCancellation(ctx context.Context) {
	m.Cancellations.Add(ctx, 1)
}

// RecordTurnTransition records one turn state change.
func (m *Metrics) RecordTurnTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordClipEncode records one playback clip encode and its latency.
func (m *Metrics) RecordClipEncode(ctx context.Context, seconds float64, status string) {
	m.ClipEncodeDuration.Record(ctx, seconds)
	m.ClipEncodes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
