// Package observe provides application-wide observability primitives for
// Jeomgeuri: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Jeomgeuri metrics.
const meterName = "github.com/jeomgeuri/jeomgeuri"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BackendDuration tracks backend API round-trip latency. Use with attribute:
	//   attribute.String("endpoint", ...)
	BackendDuration metric.Float64Histogram

	// DisplayWriteDuration tracks how long a GATT write to the Braille
	// display takes.
	DisplayWriteDuration metric.Float64Histogram

	// --- Counters ---

	// VoiceIntents counts classified voice transcripts. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("outcome", ...)
	VoiceIntents metric.Int64Counter

	// BackendRequests counts backend API calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// PlaybackItems counts keywords played by the playback loop. Use with
	// attribute:
	//   attribute.String("mode", "demo"|"device")
	PlaybackItems metric.Int64Counter

	// DisplayWrites counts Braille display writes. Use with attribute:
	//   attribute.String("status", ...)
	DisplayWrites metric.Int64Counter

	// SpeechUtterances counts utterances handed to a speech sink. Use with
	// attribute:
	//   attribute.String("status", ...)
	SpeechUtterances metric.Int64Counter

	// BridgeMessages counts client bridge messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("direction", "in"|"out")
	BridgeMessages metric.Int64Counter

	// Fallbacks counts degraded responses served instead of a backend result.
	// Use with attribute:
	//   attribute.String("kind", ...)
	Fallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected client bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DisplaysConnected tracks the number of connected Braille displays.
	DisplaysConnected metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BackendDuration, err = m.Float64Histogram("jeomgeuri.backend.duration",
		metric.WithDescription("Latency of backend API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DisplayWriteDuration, err = m.Float64Histogram("jeomgeuri.ble.write.duration",
		metric.WithDescription("Latency of Braille display GATT writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceIntents, err = m.Int64Counter("jeomgeuri.voice.intents",
		metric.WithDescription("Total classified voice transcripts by intent and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("jeomgeuri.backend.requests",
		metric.WithDescription("Total backend API requests by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("jeomgeuri.playback.items",
		metric.WithDescription("Total keywords played by mode."),
	); err != nil {
		return nil, err
	}
	if met.DisplayWrites, err = m.Int64Counter("jeomgeuri.ble.writes",
		metric.WithDescription("Total Braille display writes by status."),
	); err != nil {
		return nil, err
	}
	if met.SpeechUtterances, err = m.Int64Counter("jeomgeuri.speech.utterances",
		metric.WithDescription("Total utterances sent to a speech sink by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeMessages, err = m.Int64Counter("jeomgeuri.bridge.messages",
		metric.WithDescription("Total client bridge messages by type and direction."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("jeomgeuri.fallbacks",
		metric.WithDescription("Total degraded responses served in place of a backend result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("jeomgeuri.active_sessions",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}
	if met.DisplaysConnected, err = m.Int64UpDownCounter("jeomgeuri.ble.connected",
		metric.WithDescription("Number of connected Braille displays."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("jeomgeuri.http.request.duration",
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

// RecordIntent records one classified transcript.
func (m *Metrics) RecordIntent(ctx context.Context, intent, outcome string) {
	m.VoiceIntents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordBackendRequest records the counter increment and latency of one
// backend API call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string, d time.Duration) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordPlaybackItem records one played keyword.
func (m *Metrics) RecordPlaybackItem(ctx context.Context, mode string) {
	m.PlaybackItems.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordDisplayWrite records one Braille display write and its latency.
func (m *Metrics) RecordDisplayWrite(ctx context.Context, status string, d time.Duration) {
	m.DisplayWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.DisplayWriteDuration.Record(ctx, d.Seconds())
}

// RecordUtterance records one utterance handed to a speech sink.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.SpeechUtterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBridgeMessage records one inbound or outbound bridge message.
func (m *Metrics) RecordBridgeMessage(ctx context.Context, msgType, direction string) {
	m.BridgeMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("direction", direction),
		),
	)
}

// RecordFallback records one degraded response.
func (m *Metrics) RecordFallback(ctx context.Context, kind string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
