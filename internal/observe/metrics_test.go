package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader so tests
// can read back recorded values.
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

// findMetric locates a metric by name in collected resource metrics.
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

// sumValue returns the value of the int64 sum data point whose attributes
// contain attrKey=attrValue; empty attrKey matches the first point.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey, attrValue string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if attrKey == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == attrKey && kv.Value.AsString() == attrValue {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, attrKey, attrValue)
	return 0
}

// histCount returns the sample count of the first data point of a float64
// histogram.
func histCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a float64 histogram", name)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatalf("metric %q has no data points", name)
	}
	return hist.DataPoints[0].Count
}

func TestNewMetrics_StageHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := map[string]metric.Float64Histogram{
		"loreweaver.turn.duration":     m.TurnDuration,
		"loreweaver.assemble.duration": m.AssembleDuration,
		"loreweaver.agent.duration":    m.AgentDuration,
		"loreweaver.embed.duration":    m.EmbedDuration,
		"loreweaver.apply.duration":    m.ApplyDuration,
	}
	for _, h := range stages {
		h.Record(ctx, 0.2)
		h.Record(ctx, 1.8)
	}

	for name := range stages {
		if got := histCount(t, reader, name); got != 2 {
			t.Errorf("%s sample count = %d, want 2", name, got)
		}
	}
}

func TestTurnsCompleted_ByStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	succeeded := metric.WithAttributes(attribute.String("status", "succeeded"))
	m.TurnsCompleted.Add(ctx, 1, succeeded)
	m.TurnsCompleted.Add(ctx, 1, succeeded)
	m.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed_external")))

	if got := sumValue(t, reader, "loreweaver.turns.completed", "status", "succeeded"); got != 2 {
		t.Errorf("succeeded count = %d, want 2", got)
	}
}

func TestRecordProviderRequest_SuccessAndError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", nil)
	m.RecordProviderRequest(ctx, "openai", "llm", nil)
	m.RecordProviderRequest(ctx, "openai", "embeddings", errors.New("boom"))

	if got := sumValue(t, reader, "loreweaver.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumValue(t, reader, "loreweaver.provider.requests", "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if got := sumValue(t, reader, "loreweaver.provider.errors", "kind", "embeddings"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestWorkerGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCampaigns.Add(ctx, 3)
	m.ActiveCampaigns.Add(ctx, -1)
	m.QueuedTurns.Add(ctx, 2)

	if got := sumValue(t, reader, "loreweaver.active_campaigns", "", ""); got != 2 {
		t.Errorf("active campaigns = %d, want 2", got)
	}
	if got := sumValue(t, reader, "loreweaver.queued_turns", "", ""); got != 2 {
		t.Errorf("queued turns = %d, want 2", got)
	}
}

func TestMemoryCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.MemoriesWritten.Add(ctx, 3)
	m.MemoriesPruned.Add(ctx, 7)
	m.DegradedAssemblies.Add(ctx, 1)

	if got := sumValue(t, reader, "loreweaver.memories.written", "", ""); got != 3 {
		t.Errorf("memories written = %d, want 3", got)
	}
	if got := sumValue(t, reader, "loreweaver.memories.pruned", "", ""); got != 7 {
		t.Errorf("memories pruned = %d, want 7", got)
	}
	if got := sumValue(t, reader, "loreweaver.assemblies.degraded", "", ""); got != 1 {
		t.Errorf("degraded assemblies = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)
	if got := histCount(t, reader, "loreweaver.http.request.duration"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
