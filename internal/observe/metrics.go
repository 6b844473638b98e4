// Package observe provides application-wide observability primitives for
// Sparky: OpenTelemetry metrics, tracing, trace-aware structured logging and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped from /metrics. Tests should
// use [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
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

// meterName is the instrumentation scope name used for all Sparky metrics.
const meterName = "github.com/MrWong99/sparky"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// SessionsStarted counts start attempts. Attributes: provider, status.
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions stay open.
	SessionDuration metric.Float64Histogram

	// ConnectDuration tracks how long opening a live session takes.
	ConnectDuration metric.Float64Histogram

	// StateTransitions counts conversation state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts decoded chunks handed to the playback queue.
	ChunksScheduled metric.Int64Counter

	// ChunkDecodeErrors counts dropped, undecodable audio payloads.
	ChunkDecodeErrors metric.Int64Counter

	// PlaybackDrains counts transitions of the playback queue to empty.
	PlaybackDrains metric.Int64Counter

	// PlaybackLead tracks how far ahead of the clock a chunk was scheduled.
	// Zero means the chunk arrived late and started immediately.
	PlaybackLead metric.Float64Histogram

	// --- Outbound audio ---

	// PacketsSent counts capture packets delivered to the live session.
	PacketsSent metric.Int64Counter

	// PacketsDropped counts capture packets dropped because the send buffer
	// was full.
	PacketsDropped metric.Int64Counter

	// SendErrors counts failed SendAudio calls. Attribute: provider.
	SendErrors metric.Int64Counter

	// --- Side channels ---

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// TitleGenerations counts title attempts. Attribute: status.
	TitleGenerations metric.Int64Counter

	// LLMDuration tracks title generation latency.
	LLMDuration metric.Float64Histogram

	// ConversationSaves counts autosaves. Attribute: status.
	ConversationSaves metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path (the route pattern), status (class such as "2xx").
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversation lengths from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64Counter(name, metric.WithDescription(desc))
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string, buckets []float64) {
		if err != nil {
			return
		}
		*dst, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
	}

	counter(&met.SessionsStarted, "sparky.session.starts", "Session start attempts by provider and status.")
	histogram(&met.SessionDuration, "sparky.session.duration", "Lifetime of live voice sessions.", sessionBuckets)
	histogram(&met.ConnectDuration, "sparky.session.connect.duration", "Time to open a live session.", latencyBuckets)
	counter(&met.StateTransitions, "sparky.state.transitions", "Conversation state changes by from and to state.")
	counter(&met.ChunksScheduled, "sparky.playback.chunks", "Decoded audio chunks scheduled for playback.")
	counter(&met.ChunkDecodeErrors, "sparky.playback.decode_errors", "Inbound audio payloads dropped because they could not be decoded.")
	counter(&met.PlaybackDrains, "sparky.playback.drains", "Times the playback queue ran empty.")
	histogram(&met.PlaybackLead, "sparky.playback.lead", "Scheduling lead of a chunk ahead of the audio clock.", latencyBuckets)
	counter(&met.PacketsSent, "sparky.capture.packets_sent", "Capture packets delivered to the live session.")
	counter(&met.PacketsDropped, "sparky.capture.packets_dropped", "Capture packets dropped on a full send buffer.")
	counter(&met.SendErrors, "sparky.capture.send_errors", "Failed audio sends by provider.")
	counter(&met.ToolCalls, "sparky.tool.calls", "Tool invocations by tool name and status.")
	counter(&met.TitleGenerations, "sparky.title.generations", "Conversation title generations by status.")
	histogram(&met.LLMDuration, "sparky.llm.duration", "Latency of title generation.", latencyBuckets)
	counter(&met.ConversationSaves, "sparky.conversation.saves", "Conversation autosaves by status.")
	if err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sparky.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sparky.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// StatusOf maps err to the "ok"/"error" status attribute value.
func StatusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSessionStart records one start attempt.
func (m *Metrics) RecordSessionStart(ctx context.Context, provider string, err error) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", StatusOf(err)),
	))
}

// RecordStateTransition records a conversation state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, err error) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", StatusOf(err)),
	))
}

// RecordTitleGeneration records a title attempt and its latency.
func (m *Metrics) RecordTitleGeneration(ctx context.Context, d time.Duration, err error) {
	m.TitleGenerations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", StatusOf(err))))
	m.LLMDuration.Record(ctx, d.Seconds())
}

// RecordSendError records a failed audio send.
func (m *Metrics) RecordSendError(ctx context.Context, provider string) {
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordSave records a conversation autosave.
func (m *Metrics) RecordSave(ctx context.Context, err error) {
	m.ConversationSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", StatusOf(err))))
}
