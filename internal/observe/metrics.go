// Package observe provides application-wide observability primitives for
// glyphstudio: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all glyphstudio metrics.
const meterName = "github.com/MrWong99/glyphstudio"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Studio providers ---

	// ProviderDuration tracks studio call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Live session ---

	// ActiveSessions tracks the number of live voice sessions past Idle.
	ActiveSessions metric.Int64UpDownCounter

	// LiveSessions counts finished live sessions by outcome. Use with
	//   attribute.String("outcome", ...)
	LiveSessions metric.Int64Counter

	// LiveFramesSent counts wire frames written to the remote channel.
	LiveFramesSent metric.Int64Counter

	// LiveFragmentsScheduled counts model audio fragments scheduled for
	// playback.
	LiveFragmentsScheduled metric.Int64Counter

	// LiveDecodeErrors counts inbound audio fragments dropped because they
	// could not be decoded or scheduled.
	LiveDecodeErrors metric.Int64Counter

	// LiveTurnsCompleted counts completed transcript turns.
	LiveTurnsCompleted metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Video
// generation routinely takes minutes, hence the long tail.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderDuration, err = m.Float64Histogram("glyphstudio.provider.duration",
		metric.WithDescription("Latency of studio provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("glyphstudio.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("glyphstudio.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("glyphstudio.resilience.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("glyphstudio.live.active_sessions",
		metric.WithDescription("Number of live voice sessions that are connecting or active."),
	); err != nil {
		return nil, err
	}
	if met.LiveSessions, err = m.Int64Counter("glyphstudio.live.sessions",
		metric.WithDescription("Finished live voice sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.LiveFramesSent, err = m.Int64Counter("glyphstudio.live.frames_sent",
		metric.WithDescription("Microphone wire frames sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.LiveFragmentsScheduled, err = m.Int64Counter("glyphstudio.live.fragments_scheduled",
		metric.WithDescription("Model audio fragments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.LiveDecodeErrors, err = m.Int64Counter("glyphstudio.live.decode_errors",
		metric.WithDescription("Model audio fragments dropped on decode or schedule failure."),
	); err != nil {
		return nil, err
	}
	if met.LiveTurnsCompleted, err = m.Int64Counter("glyphstudio.live.turns_completed",
		metric.WithDescription("Completed live transcript turns."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("glyphstudio.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route pattern and status."),
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

// RecordProviderCall records latency, request status and, on failure, an
// error increment for one studio call that started at start.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, start time.Time, err error) {
	m.ProviderDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status)
}

// RecordBreakerTransition counts one circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}

// RecordLiveSessionEnd records a finished live session with the given outcome.
func (m *Metrics) RecordLiveSessionEnd(ctx context.Context, outcome string) {
	m.LiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
