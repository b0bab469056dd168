// Package observe wires OpenTelemetry metrics for the agent engine and
// exposes them through a Prometheus exporter.
package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/hollowmere/parley"

// Metrics bundles every instrument the engine records. A nil *Metrics is a
// valid no-op recorder, so components can take metrics optionally without
// guarding each call site.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	interactionDuration metric.Float64Histogram
	llmDuration         metric.Float64Histogram
	retrievalDuration   metric.Float64Histogram
	interactions        metric.Int64Counter
	providerErrors      metric.Int64Counter
	embeddedMessages    metric.Int64Counter
	activeAgents        metric.Int64UpDownCounter
}

// New builds the meter provider, registers every instrument, and returns the
// ready-to-record Metrics. The returned Prometheus registry is what the
// /metrics endpoint should serve.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observe: create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, registry: registry}

	if m.interactionDuration, err = meter.Float64Histogram("parley_interaction_duration_seconds",
		metric.WithDescription("End-to-end duration of one Interact call"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram("parley_llm_duration_seconds",
		metric.WithDescription("Duration of the LLM completion call inside an interaction"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.retrievalDuration, err = meter.Float64Histogram("parley_retrieval_duration_seconds",
		metric.WithDescription("Duration of memory retrieval inside an interaction"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.interactions, err = meter.Int64Counter("parley_interactions_total",
		metric.WithDescription("Completed Interact calls, labeled by outcome")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.providerErrors, err = meter.Int64Counter("parley_provider_errors_total",
		metric.WithDescription("Errors returned by the LLM provider")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.embeddedMessages, err = meter.Int64Counter("parley_embedded_messages_total",
		metric.WithDescription("Messages successfully embedded into the memory index")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.activeAgents, err = meter.Int64UpDownCounter("parley_active_agents",
		metric.WithDescription("Agents currently registered and not shut down")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}

	return m, nil
}

// Registry returns the Prometheus registry backing the exporter, or nil on a
// nil receiver.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordInteraction records one completed Interact call.
func (m *Metrics) RecordInteraction(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.interactionDuration.Record(ctx, d.Seconds(), attrs)
	m.interactions.Add(ctx, 1, attrs)
}

// RecordLLM records the duration of one LLM completion call.
func (m *Metrics) RecordLLM(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.llmDuration.Record(ctx, d.Seconds())
}

// RecordRetrieval records the duration of one memory retrieval.
func (m *Metrics) RecordRetrieval(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalDuration.Record(ctx, d.Seconds())
}

// ProviderError counts one LLM provider failure.
func (m *Metrics) ProviderError(ctx context.Context) {
	if m == nil {
		return
	}
	m.providerErrors.Add(ctx, 1)
}

// MessageEmbedded counts one successfully embedded message.
func (m *Metrics) MessageEmbedded(ctx context.Context) {
	if m == nil {
		return
	}
	m.embeddedMessages.Add(ctx, 1)
}

// AgentUp increments the active-agent gauge.
func (m *Metrics) AgentUp(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeAgents.Add(ctx, 1)
}

// AgentDown decrements the active-agent gauge.
func (m *Metrics) AgentDown(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeAgents.Add(ctx, -1)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}
