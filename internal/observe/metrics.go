// Package observe provides application-wide observability primitives for
// animavox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all animavox metrics.
const meterName = "github.com/animavox/animavox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// AssetLoadDuration tracks avatar asset load latency.
	AssetLoadDuration metric.Float64Histogram

	// ClipLoadDuration tracks animation clip fetch latency.
	ClipLoadDuration metric.Float64Histogram

	// SpeechDuration tracks avatar speech playback duration.
	SpeechDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AgentUtterances counts spoken or text-only agent replies. Use with attributes:
	//   attribute.String("agent_id", ...), attribute.String("mode", "spoken"|"text")
	AgentUtterances metric.Int64Counter

	// ClipCacheLookups counts clip cache lookups. Use with attribute:
	//   attribute.String("status", "hit"|"miss"|"error")
	ClipCacheLookups metric.Int64Counter

	// TransportReconnects counts chat channel reconnect attempts.
	TransportReconnects metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSpeech tracks whether the avatar is currently speaking (0 or 1,
	// summed across runtimes if more than one is alive).
	ActiveSpeech metric.Int64UpDownCounter

	// ActiveActions tracks the number of live animation actions in the mixer.
	ActiveActions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("animavox.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("animavox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssetLoadDuration, err = m.Float64Histogram("animavox.asset_load.duration",
		metric.WithDescription("Latency of avatar asset loads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClipLoadDuration, err = m.Float64Histogram("animavox.clip_load.duration",
		metric.WithDescription("Latency of animation clip fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("animavox.speech.duration",
		metric.WithDescription("Duration of avatar speech playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("animavox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentUtterances, err = m.Int64Counter("animavox.agent.utterances",
		metric.WithDescription("Total agent replies by agent ID and delivery mode."),
	); err != nil {
		return nil, err
	}
	if met.ClipCacheLookups, err = m.Int64Counter("animavox.clip_cache.lookups",
		metric.WithDescription("Total clip cache lookups by status."),
	); err != nil {
		return nil, err
	}
	if met.TransportReconnects, err = m.Int64Counter("animavox.transport.reconnects",
		metric.WithDescription("Total chat channel reconnect attempts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("animavox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSpeech, err = m.Int64UpDownCounter("animavox.active_speech",
		metric.WithDescription("Whether the avatar is currently speaking."),
	); err != nil {
		return nil, err
	}
	if met.ActiveActions, err = m.Int64UpDownCounter("animavox.active_actions",
		metric.WithDescription("Number of live animation actions in the mixer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("animavox.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordAgentUtterance is a convenience method that records one agent reply.
// Mode is "spoken" when audio playback started and "text" otherwise.
func (m *Metrics) RecordAgentUtterance(ctx context.Context, agentID, mode string) {
	m.AgentUtterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("mode", mode),
		),
	)
}

// RecordClipLookup is a convenience method that records one clip cache lookup.
func (m *Metrics) RecordClipLookup(ctx context.Context, status string) {
	m.ClipCacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
