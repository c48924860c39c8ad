// Package observe provides application-wide observability primitives for the
// captioning pipeline: OpenTelemetry metrics, tracing, and HTTP middleware
// that ties them together.
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
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/nulib-labs/clover-mark-plugin"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// RecognizerDuration tracks wall-clock latency of recognizer calls.
	RecognizerDuration metric.Float64Histogram

	// RecognizerRTF tracks the real-time factor of recognizer calls
	// (latency divided by transcribed audio duration).
	RecognizerRTF metric.Float64Histogram

	// WindowDuration tracks the duration of audio windows sent to the
	// recognizer.
	WindowDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// WordsLocked counts words promoted to the fixed transcript.
	WordsLocked metric.Int64Counter

	// Emissions counts engine emissions. Use with attribute:
	//   attribute.Bool("final", ...)
	Emissions metric.Int64Counter

	// CuesEmitted counts caption cues produced by segmentation.
	CuesEmitted metric.Int64Counter

	// RecognizerErrors counts failed recognizer calls.
	RecognizerErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for recognizer and window latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// rtfBuckets defines histogram bucket boundaries for the real-time factor.
var rtfBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognizerDuration, err = m.Float64Histogram("clover.recognizer.duration",
		metric.WithDescription("Latency of recognizer transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognizerRTF, err = m.Float64Histogram("clover.recognizer.rtf",
		metric.WithDescription("Real-time factor of recognizer calls."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WindowDuration, err = m.Float64Histogram("clover.engine.window_duration",
		metric.WithDescription("Duration of audio windows sent to the recognizer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("clover.http.request_duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.WordsLocked, err = m.Int64Counter("clover.engine.words_locked",
		metric.WithDescription("Words promoted to the fixed transcript."),
	); err != nil {
		return nil, err
	}
	if met.Emissions, err = m.Int64Counter("clover.engine.emissions",
		metric.WithDescription("Partial transcription emissions."),
	); err != nil {
		return nil, err
	}
	if met.CuesEmitted, err = m.Int64Counter("clover.captions.cues",
		metric.WithDescription("Caption cues produced by segmentation."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("clover.recognizer.errors",
		metric.WithDescription("Failed recognizer calls."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("clover.sessions.active",
		metric.WithDescription("Live transcription sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance backed by the
// globally registered meter provider. Instruments are created lazily on first
// use; creation errors fall back to a no-op meter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names; the no-op
			// provider accepts anything.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// FinalAttr returns the attribute set used with [Metrics.Emissions].
func FinalAttr(final bool) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Bool("final", final))
}

// RecordEmission is a convenience helper for counting one engine emission.
func (m *Metrics) RecordEmission(ctx context.Context, final bool) {
	m.Emissions.Add(ctx, 1, FinalAttr(final))
}
