// Package observe provides application-wide observability primitives for
// speculo: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speculo metrics.
const meterName = "github.com/MrWong99/speculo"

// Speculation outcomes recorded by [Metrics.RecordSpeculation].
const (
	SpeculationCached  = "cached"
	SpeculationSkipped = "skipped"
	SpeculationFailed  = "failed"
	SpeculationDropped = "dropped"
	SpeculationShared  = "shared"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per answer stage ---

	// RewriteDuration tracks query rewriting latency.
	RewriteDuration metric.Float64Histogram

	// RetrieveDuration tracks embedding + vector search latency.
	RetrieveDuration metric.Float64Histogram

	// RerankDuration tracks reranking latency.
	RerankDuration metric.Float64Histogram

	// FormatDuration tracks spoken-formatting latency.
	FormatDuration metric.Float64Histogram

	// SynthesizeDuration tracks text-to-speech synthesis latency.
	SynthesizeDuration metric.Float64Histogram

	// FinalizeDuration tracks the time from a final transcript to the
	// final_result message being sent.
	FinalizeDuration metric.Float64Histogram

	// --- Counters ---

	// SpeculationOutcomes counts speculative runs on partial transcripts. Use with attribute:
	//   attribute.String("outcome", ...)
	SpeculationOutcomes metric.Int64Counter

	// CacheLookups counts final-transcript cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// DegradedResponses counts finals answered in degraded mode. Use with attribute:
	//   attribute.String("reason", ...)
	DegradedResponses metric.Int64Counter

	// IngestedPassages counts passages written to the knowledge index.
	IngestedPassages metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.RewriteDuration, "speculo.rewrite.duration", "Latency of query rewriting."},
		{&met.RetrieveDuration, "speculo.retrieve.duration", "Latency of passage retrieval."},
		{&met.RerankDuration, "speculo.rerank.duration", "Latency of passage reranking."},
		{&met.FormatDuration, "speculo.format.duration", "Latency of spoken formatting."},
		{&met.SynthesizeDuration, "speculo.synthesize.duration", "Latency of text-to-speech synthesis."},
		{&met.FinalizeDuration, "speculo.finalize.duration", "Latency from final transcript to final_result."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.SpeculationOutcomes, err = m.Int64Counter("speculo.speculation.outcomes",
		metric.WithDescription("Speculative runs on partial transcripts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("speculo.cache.lookups",
		metric.WithDescription("Final transcript cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("speculo.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.DegradedResponses, err = m.Int64Counter("speculo.degraded.responses",
		metric.WithDescription("Final answers delivered in degraded mode by reason."),
	); err != nil {
		return nil, err
	}
	if met.IngestedPassages, err = m.Int64Counter("speculo.ingest.passages",
		metric.WithDescription("Passages written to the knowledge index."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("speculo.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("speculo.provider.breaker.transitions",
		metric.WithDescription("Provider circuit breaker state changes by provider, kind, and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("speculo.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speculo.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
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

// RecordBreakerTransition records a provider's circuit breaker entering
// state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("state", state),
		),
	)
}

// RecordSpeculation records the outcome of one speculative run.
func (m *Metrics) RecordSpeculation(ctx context.Context, outcome string) {
	m.SpeculationOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordCacheLookup records a final-transcript cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordDegraded records a final answer that fell back to degraded output.
func (m *Metrics) RecordDegraded(ctx context.Context, reason string) {
	m.DegradedResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
