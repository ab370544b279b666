// Package observe provides the observability primitives for attune:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. Tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/attune"

// Provider kinds used as the "kind" attribute.
const (
	KindEmbeddings = "embeddings"
	KindRerank     = "rerank"
	KindLLM        = "llm"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// EmbedDuration, RerankDuration and LLMDuration track provider call latency.
	EmbedDuration  metric.Float64Histogram
	RerankDuration metric.Float64Histogram
	LLMDuration    metric.Float64Histogram

	// RetrievalDuration tracks the nearest-neighbour query against the log.
	RetrievalDuration metric.Float64Histogram

	// ObserveDuration tracks the locked fuse-and-persist transaction.
	ObserveDuration metric.Float64Histogram

	// RespondDuration tracks the full retrieve, rerank and generate pipeline.
	RespondDuration metric.Float64Histogram

	// RetrievedCandidates is the number of candidates returned per retrieval.
	RetrievedCandidates metric.Int64Histogram

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls by provider, kind and class
	// ("timeout" or "error").
	ProviderErrors metric.Int64Counter

	// Observations counts memory updates by status.
	Observations metric.Int64Counter

	// Responses counts personalized responses by status.
	Responses metric.Int64Counter

	// HTTPRequestDuration tracks HTTP handling time by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for remote model
// calls that range from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.EmbedDuration, "attune.embed.duration", "Latency of embedding requests."},
		{&met.RerankDuration, "attune.rerank.duration", "Latency of rerank requests."},
		{&met.LLMDuration, "attune.llm.duration", "Latency of generation requests."},
		{&met.RetrievalDuration, "attune.retrieval.duration", "Latency of nearest-neighbour retrieval."},
		{&met.ObserveDuration, "attune.memory.observe.duration", "Latency of the fuse-and-persist transaction."},
		{&met.RespondDuration, "attune.respond.duration", "End-to-end latency of personalized responses."},
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

	if met.RetrievedCandidates, err = m.Int64Histogram("attune.retrieval.candidates",
		metric.WithDescription("Number of candidates returned per retrieval."),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 200, 500),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("attune.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("attune.provider.errors",
		metric.WithDescription("Total provider errors by provider, kind, and class."),
	); err != nil {
		return nil, err
	}
	if met.Observations, err = m.Int64Counter("attune.memory.observations",
		metric.WithDescription("Total memory updates by status."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("attune.responses",
		metric.WithDescription("Total personalized responses by status."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("attune.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
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
// first call from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordProviderCall records the latency, request and (on failure) error
// counters for one provider call. class is "timeout" or "error" when err is
// non-nil and is ignored otherwise.
func (m *Metrics) RecordProviderCall(ctx context.Context, kind, provider string, d time.Duration, err error, class string) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	)
	switch kind {
	case KindEmbeddings:
		m.EmbedDuration.Record(ctx, d.Seconds(), attrs)
	case KindRerank:
		m.RerankDuration.Record(ctx, d.Seconds(), attrs)
	case KindLLM:
		m.LLMDuration.Record(ctx, d.Seconds(), attrs)
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("class", class),
		))
	}
}

// RecordObservation increments the observation counter.
func (m *Metrics) RecordObservation(ctx context.Context, status string) {
	m.Observations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordResponse increments the response counter.
func (m *Metrics) RecordResponse(ctx context.Context, status string) {
	m.Responses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
