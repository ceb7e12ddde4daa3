package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the value of the int64 sum data point whose attribute key
// equals value, and whether such a point exists.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"speculo.rewrite.duration", m.RewriteDuration},
		{"speculo.retrieve.duration", m.RetrieveDuration},
		{"speculo.rerank.duration", m.RerankDuration},
		{"speculo.format.duration", m.FormatDuration},
		{"speculo.synthesize.duration", m.SynthesizeDuration},
		{"speculo.finalize.duration", m.FinalizeDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderRequests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "groq", "llm", "ok")
	m.RecordProviderRequest(ctx, "groq", "llm", "ok")
	m.RecordProviderRequest(ctx, "groq", "llm", "error")

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "speculo.provider.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("status=ok value = %d (found=%v), want 2", got, ok)
	}
}

func TestSpeculationOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSpeculation(ctx, SpeculationCached)
	m.RecordSpeculation(ctx, SpeculationCached)
	m.RecordSpeculation(ctx, SpeculationDropped)

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "speculo.speculation.outcomes", "outcome", SpeculationCached); !ok || got != 2 {
		t.Errorf("outcome=cached value = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumByAttr(t, rm, "speculo.speculation.outcomes", "outcome", SpeculationDropped); !ok || got != 1 {
		t.Errorf("outcome=dropped value = %d (found=%v), want 1", got, ok)
	}
}

func TestCacheLookups(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, false)

	rm := collect(t, reader)
	if got, _ := sumByAttr(t, rm, "speculo.cache.lookups", "result", "hit"); got != 1 {
		t.Errorf("hits = %d, want 1", got)
	}
	if got, _ := sumByAttr(t, rm, "speculo.cache.lookups", "result", "miss"); got != 2 {
		t.Errorf("misses = %d, want 2", got)
	}
}

func TestDegradedAndErrors(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDegraded(ctx, "retrieval")
	m.RecordProviderError(ctx, "deepgram", "tts")

	rm := collect(t, reader)
	if got, _ := sumByAttr(t, rm, "speculo.degraded.responses", "reason", "retrieval"); got != 1 {
		t.Errorf("degraded = %d, want 1", got)
	}
	if got, _ := sumByAttr(t, rm, "speculo.provider.errors", "kind", "tts"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "groq", "llm", "open")
	m.RecordBreakerTransition(ctx, "groq", "llm", "half-open")

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "speculo.provider.breaker.transitions", "state", "open"); !ok || got != 1 {
		t.Errorf("state=open value = %d (found=%v), want 1", got, ok)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "speculo.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %v, want 1", sum.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "speculo.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
