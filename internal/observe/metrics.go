// Package observe provides the observability primitives shared by vlink:
// OpenTelemetry metrics and tracing, context-aware structured logging, and
// the HTTP middleware that ties them together for the control API.
//
// Metrics are recorded through the OpenTelemetry API. [InitProvider] bridges
// them to a Prometheus registry that the control API serves on /metrics.
// Tests build their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/vlink"

// Metrics holds the application's instruments. All fields are safe for
// concurrent use; the OTel types synchronise internally.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation.
type Metrics struct {
	// Audio path.
	ChunksSent     metric.Int64Counter
	ChunksReceived metric.Int64Counter
	DecodeErrors   metric.Int64Counter
	SendErrors     metric.Int64Counter
	Interruptions  metric.Int64Counter

	// QueueDelay is how far ahead of the output clock each playback unit was
	// scheduled.
	QueueDelay      metric.Float64Histogram
	ConnectDuration metric.Float64Histogram

	// Session lifecycle. SessionOpens carries provider and status,
	// SessionErrors carries kind, BreakerTransitions carries breaker and to.
	SessionOpens       metric.Int64Counter
	SessionErrors      metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter

	// HTTPRequestDuration carries method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for voice
// latencies.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects failures so
// construction reads as a flat list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) updown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ChunksSent:     b.counter("vlink.audio.chunks_sent", "Microphone chunks handed to the live session."),
		ChunksReceived: b.counter("vlink.audio.chunks_received", "Model audio chunks scheduled for playback."),
		DecodeErrors:   b.counter("vlink.audio.decode_errors", "Inbound audio chunks dropped as malformed."),
		SendErrors:     b.counter("vlink.audio.send_errors", "Outbound audio chunks the transport refused."),
		Interruptions:  b.counter("vlink.playback.interruptions", "Playback cut short by a barge-in."),

		QueueDelay: b.seconds("vlink.playback.queue_delay",
			"Delay between scheduling a playback unit and its start on the output clock.", latencyBuckets...),
		ConnectDuration: b.seconds("vlink.session.connect.duration",
			"Time to open a live session.", latencyBuckets...),

		SessionOpens:       b.counter("vlink.session.opens", "Session open attempts by provider and status."),
		SessionErrors:      b.counter("vlink.session.errors", "Fatal session errors by kind."),
		BreakerTransitions: b.counter("vlink.breaker.transitions", "Circuit breaker state changes by target state."),
		ActiveSessions:     b.updown("vlink.active_sessions", "Connected voice sessions."),

		HTTPRequestDuration: b.seconds("vlink.http.request.duration", "Control API latency by method and route."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordChunkSent(ctx context.Context) {
	if m != nil {
		m.ChunksSent.Add(ctx, 1)
	}
}

func (m *Metrics) RecordSendError(ctx context.Context) {
	if m != nil {
		m.SendErrors.Add(ctx, 1)
	}
}

// RecordChunkReceived counts a scheduled playback unit and how far ahead of
// the output clock it was placed.
func (m *Metrics) RecordChunkReceived(ctx context.Context, delay time.Duration) {
	if m == nil {
		return
	}
	m.ChunksReceived.Add(ctx, 1)
	m.QueueDelay.Record(ctx, delay.Seconds())
}

func (m *Metrics) RecordDecodeError(ctx context.Context) {
	if m != nil {
		m.DecodeErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordInterruption(ctx context.Context) {
	if m != nil {
		m.Interruptions.Add(ctx, 1)
	}
}

// RecordSessionOpen counts an open attempt and records its latency.
func (m *Metrics) RecordSessionOpen(ctx context.Context, provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	p := attribute.String("provider", provider)
	m.SessionOpens.Add(ctx, 1, metric.WithAttributes(p, attribute.String("status", status)))
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(p))
}

func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	if m != nil {
		m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordBreakerTransition counts a breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	if m != nil {
		m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		))
	}
}

// SessionConnected moves the active session gauge up or down by one.
func (m *Metrics) SessionConnected(ctx context.Context, connected bool) {
	if m == nil {
		return
	}
	delta := int64(-1)
	if connected {
		delta = 1
	}
	m.ActiveSessions.Add(ctx, delta)
}
