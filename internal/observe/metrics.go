// Package observe provides application-wide observability primitives for
// Loreweaver: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Loreweaver metrics.
const meterName = "github.com/loomworks/loreweaver"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TurnDuration tracks end-to-end turn processing latency, from dequeue
	// to terminal state.
	TurnDuration metric.Float64Histogram

	// AssembleDuration tracks context assembly latency (state loads, memory
	// retrieval, and prompt formatting combined).
	AssembleDuration metric.Float64Histogram

	// AgentDuration tracks agent (LLM) invocation latency.
	AgentDuration metric.Float64Histogram

	// EmbedDuration tracks embedding provider latency.
	EmbedDuration metric.Float64Histogram

	// ApplyDuration tracks delta application and persistence latency.
	ApplyDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsCompleted counts turns that reached a terminal state. Use with
	// attribute:
	//   attribute.String("status", ...)
	TurnsCompleted metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// MemoriesWritten counts memory records persisted after a turn.
	MemoriesWritten metric.Int64Counter

	// MemoriesPruned counts memory records removed by retention pruning.
	MemoriesPruned metric.Int64Counter

	// DegradedAssemblies counts context assemblies that fell back to
	// recency-only retrieval because the embedding provider was unavailable.
	DegradedAssemblies metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCampaigns tracks the number of campaigns with a live turn worker.
	ActiveCampaigns metric.Int64UpDownCounter

	// QueuedTurns tracks the number of turns waiting in per-campaign queues.
	QueuedTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// turn-pipeline latencies, which are dominated by LLM inference.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("loreweaver.turn.duration",
		metric.WithDescription("End-to-end turn processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssembleDuration, err = m.Float64Histogram("loreweaver.assemble.duration",
		metric.WithDescription("Latency of context assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("loreweaver.agent.duration",
		metric.WithDescription("Latency of agent invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("loreweaver.embed.duration",
		metric.WithDescription("Latency of embedding generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ApplyDuration, err = m.Float64Histogram("loreweaver.apply.duration",
		metric.WithDescription("Latency of delta application and persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsCompleted, err = m.Int64Counter("loreweaver.turns.completed",
		metric.WithDescription("Total turns reaching a terminal state, by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("loreweaver.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesWritten, err = m.Int64Counter("loreweaver.memories.written",
		metric.WithDescription("Total memory records persisted after turns."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesPruned, err = m.Int64Counter("loreweaver.memories.pruned",
		metric.WithDescription("Total memory records removed by retention pruning."),
	); err != nil {
		return nil, err
	}
	if met.DegradedAssemblies, err = m.Int64Counter("loreweaver.assemblies.degraded",
		metric.WithDescription("Total context assemblies that fell back to recency-only retrieval."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("loreweaver.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCampaigns, err = m.Int64UpDownCounter("loreweaver.active_campaigns",
		metric.WithDescription("Number of campaigns with a live turn worker."),
	); err != nil {
		return nil, err
	}
	if met.QueuedTurns, err = m.Int64UpDownCounter("loreweaver.queued_turns",
		metric.WithDescription("Number of turns waiting in per-campaign queues."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loreweaver.http.request.duration",
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
			panic("observe: creating default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest records a provider API request outcome on both the
// request counter and, for failures, the error counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}
