// Package observe provides application-wide observability primitives for
// Palaver: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is installed by [InitProvider] so metrics can be scraped via the
// web interface's /metrics endpoint. A package-level default [Metrics]
// instance ([Default]) is provided for convenience; tests should use
// [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Palaver metrics.
const meterName = "github.com/palaver-dev/palaver"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRSnapshotLatency tracks time from audio receipt to a published token.
	ASRSnapshotLatency metric.Float64Histogram

	// LLMDuration tracks LLM inference latency (response generation and the
	// text-VAP classifier alike; discriminate with the "kind" attribute).
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per phrase.
	TTSDuration metric.Float64Histogram

	// VAPTick tracks one audio-VAP inference cycle.
	VAPTick metric.Float64Histogram

	// --- Counters ---

	// PublishedIUs counts IUs published on the bus. Use with attributes:
	//   attribute.String("exchange", ...), attribute.String("kind", ...)
	PublishedIUs metric.Int64Counter

	// ProtocolViolations counts malformed or out-of-contract IUs dropped at
	// a module boundary (undecodable envelope, revoke of unknown id).
	ProtocolViolations metric.Int64Counter

	// DroppedMessages counts messages lost to transport outages or full
	// subscriber queues. Use with attribute.String("exchange", ...).
	DroppedMessages metric.Int64Counter

	// BrokerReconnects counts broker connection re-establishments.
	BrokerReconnects metric.Int64Counter

	// TurnsTaken counts completed system turns. Use with
	// attribute.String("outcome", "committed"|"barged_in"|"timeout").
	TurnsTaken metric.Int64Counter

	// --- Gauges ---

	// ActiveAttempts tracks the number of in-flight speculative response
	// attempts held by the dialogue manager.
	ActiveAttempts metric.Int64UpDownCounter
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

	// Histograms.
	if met.ASRSnapshotLatency, err = m.Float64Histogram("palaver.asr.snapshot_latency",
		metric.WithDescription("Latency from audio receipt to a published recognition token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("palaver.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("palaver.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per phrase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VAPTick, err = m.Float64Histogram("palaver.vap.tick",
		metric.WithDescription("Duration of one audio-VAP inference cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PublishedIUs, err = m.Int64Counter("palaver.bus.published_ius",
		metric.WithDescription("IUs published on the bus."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolViolations, err = m.Int64Counter("palaver.bus.protocol_violations",
		metric.WithDescription("Malformed or out-of-contract IUs dropped at a module boundary."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("palaver.bus.dropped_messages",
		metric.WithDescription("Messages lost to transport outages or full subscriber queues."),
	); err != nil {
		return nil, err
	}
	if met.BrokerReconnects, err = m.Int64Counter("palaver.bus.reconnects",
		metric.WithDescription("Broker connection re-establishments."),
	); err != nil {
		return nil, err
	}
	if met.TurnsTaken, err = m.Int64Counter("palaver.dialogue.turns",
		metric.WithDescription("Completed system turns by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveAttempts, err = m.Int64UpDownCounter("palaver.dialogue.active_attempts",
		metric.WithDescription("In-flight speculative response attempts."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide [Metrics] instance, created lazily from
// the global OTel meter provider. Call [InitProvider] first in production so
// the instruments are backed by a real exporter; without it they are no-ops.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which are
			// compile-time constants here.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
