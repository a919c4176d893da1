// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics are
// scraped from the ops listener's /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Attribute values for the Turns counter.
const (
	TurnOK          = "ok"
	TurnError       = "error"
	TurnInterrupted = "interrupted"
	TurnEmpty       = "empty"
)

// Attribute values for the Interrupts counter.
const (
	SourceClient  = "client"
	SourceBargeIn = "barge_in"
)

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks a whole turn: end of user speech to status idle.
	TurnDuration metric.Float64Histogram

	// TurnFirstAudio tracks turn start to the first TTS byte relayed.
	TurnFirstAudio metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks LLM stream open to the first delta.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks phrase dispatch to the first PCM chunk.
	TTSFirstChunk metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("result", TurnOK|TurnError|TurnInterrupted|TurnEmpty)
	Turns metric.Int64Counter

	// Interrupts counts cancelled responses. Use with attribute:
	//   attribute.String("source", SourceClient|SourceBargeIn)
	Interrupts metric.Int64Counter

	// DecodeFailures counts codec decode invocations that produced no PCM.
	DecodeFailures metric.Int64Counter

	// UpstreamErrors counts upstream failures. Use with attribute:
	//   attribute.String("upstream", "stt"|"llm"|"tts")
	UpstreamErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The tail
// covers whole turns, which can run well past ten seconds on long answers.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voxgate.turn.duration",
		metric.WithDescription("Turn latency from end of user speech to idle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnFirstAudio, err = m.Float64Histogram("voxgate.turn.first_audio",
		metric.WithDescription("Latency from turn start to the first TTS byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("voxgate.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voxgate.llm.first_token",
		metric.WithDescription("Latency from LLM stream open to the first delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("voxgate.tts.first_chunk",
		metric.WithDescription("Latency from phrase dispatch to the first PCM chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxgate.turns",
		metric.WithDescription("Total turns by result."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voxgate.interrupts",
		metric.WithDescription("Total interrupted responses by source."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voxgate.decode.failures",
		metric.WithDescription("Total codec decode invocations that produced no PCM."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voxgate.upstream.errors",
		metric.WithDescription("Total upstream failures by upstream."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxgate.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// RecordTurn increments the turn counter with the standard result attribute.
func (m *Metrics) RecordTurn(ctx context.Context, result string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordInterrupt increments the interrupt counter with the standard source
// attribute.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordDecodeFailure increments the decode failure counter with the
// classified failure reason.
func (m *Metrics) RecordDecodeFailure(ctx context.Context, reason string) {
	m.DecodeFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUpstreamError increments the upstream error counter.
func (m *Metrics) RecordUpstreamError(ctx context.Context, upstream string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("upstream", upstream)),
	)
}

// RecordBreakerTransition increments the breaker transition counter. The
// app wires this into the circuit breakers' state-change hooks.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
