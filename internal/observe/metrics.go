// Package observe carries the telemetry shared by every livesight package:
// OpenTelemetry metrics and traces, trace-aware slog loggers and the HTTP
// middleware that records both for each request.
//
// [InitProvider] installs the global providers and exposes the metrics to
// Prometheus. Code without an injected [Metrics] falls back to
// [DefaultMetrics], which binds to whatever global meter provider is set.
// Tests build their own instance with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every livesight instrument.
const meterName = "github.com/MrWong99/livesight"

// Drop reasons used with [Metrics.RecordDrop].
const (
	DropMuted      = "muted"
	DropDecode     = "decode"
	DropFormat     = "format"
	DropFrameBusy  = "frame_busy"
	DropSendFailed = "send_failed"
	DropBacklog    = "backlog"
)

// Metrics is the set of instruments recorded by a session and its surfaces.
type Metrics struct {
	// ConnectDuration is the time from dial until the endpoint acknowledges
	// the session.
	ConnectDuration metric.Float64Histogram

	// PlaybackLead is how far ahead of the playback clock inbound audio is
	// scheduled when it arrives.
	PlaybackLead metric.Float64Histogram

	// ChunksSent carries a "kind" attribute ("audio" or "image").
	ChunksSent     metric.Int64Counter
	ChunksReceived metric.Int64Counter

	// ChunksDropped carries a "reason" attribute, one of the Drop constants.
	ChunksDropped metric.Int64Counter

	Interruptions metric.Int64Counter

	// MessagesDelivered carries "role" and "status" attributes.
	MessagesDelivered metric.Int64Counter

	// ProviderErrors carries "provider" and "kind" attributes.
	ProviderErrors metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration carries "method" and "route" attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds in seconds.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and keeps the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: b.histogram("livesight.connect.duration",
			"Time from dial until the endpoint acknowledges the session.", latencyBuckets...),
		PlaybackLead: b.histogram("livesight.playback.lead",
			"Distance between the playback clock and the scheduled start of inbound audio.", latencyBuckets...),
		ChunksSent:        b.counter("livesight.chunks.sent", "Realtime chunks sent by kind."),
		ChunksReceived:    b.counter("livesight.chunks.received", "Inbound audio chunks."),
		ChunksDropped:     b.counter("livesight.chunks.dropped", "Chunks and frames dropped by reason."),
		Interruptions:     b.counter("livesight.interruptions", "Barge-in interruptions."),
		MessagesDelivered: b.counter("livesight.messages.delivered", "Finalized messages by role and status."),
		ProviderErrors:    b.counter("livesight.provider.errors", "Endpoint errors by provider and kind."),
		ActiveSessions:    b.upDown("livesight.active_sessions", "Open voice sessions."),
		HTTPRequestDuration: b.histogram("livesight.http.request.duration",
			"HTTP request latency by method and route."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at the time of the first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordChunkSent counts one transmitted realtime chunk.
func (m *Metrics) RecordChunkSent(ctx context.Context, kind string) {
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop counts one discarded chunk or frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMessage counts one delivery attempt of a finalized message.
func (m *Metrics) RecordMessage(ctx context.Context, role, status string) {
	m.MessagesDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one endpoint error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
