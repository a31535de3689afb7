// Package telemetry wires the kernel's operational metrics through
// OpenTelemetry: step durations, retry attempts, circuit-breaker state
// transitions, and cumulative budget spend. A NewNoOp provider is the
// default so the kernel runs with zero telemetry overhead until an
// operator points it at a collector.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instruments holds the cached metric instruments the kernel records
// against. It mirrors the cache-on-first-use pattern so hot paths never
// pay instrument-creation cost after startup.
type Instruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Counter // monotonic cumulative, read as a gauge by exporters
	mu         sync.RWMutex
}

// NewInstruments builds an instrument cache against meter.
func NewInstruments(meter metric.Meter) *Instruments {
	return &Instruments{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Counter),
	}
}

func (m *Instruments) counter(name string) (metric.Int64Counter, error) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter %s: %w", name, err)
	}
	m.counters[name] = c
	return c, nil
}

func (m *Instruments) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram %s: %w", name, err)
	}
	m.histograms[name] = h
	return h, nil
}

func (m *Instruments) floatCounter(name string) (metric.Float64Counter, error) {
	m.mu.RLock()
	c, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.gauges[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create float counter %s: %w", name, err)
	}
	m.gauges[name] = c
	return c, nil
}

// RecordStepDuration records kernel.step.duration_ms for one completed step.
func (m *Instruments) RecordStepDuration(ctx context.Context, stepID, agentKey string, ms int64) {
	h, err := m.histogram("kernel.step.duration_ms")
	if err != nil {
		return
	}
	h.Record(ctx, float64(ms), metric.WithAttributes(
		attribute.String("step_id", stepID),
		attribute.String("agent_key", agentKey),
	))
}

// RecordRetryAttempt records kernel.retry.attempts for one retry cycle.
func (m *Instruments) RecordRetryAttempt(ctx context.Context, target string, attempts int) {
	c, err := m.counter("kernel.retry.attempts")
	if err != nil {
		return
	}
	c.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("target", target)))
}

// RecordCircuitStateChange records kernel.circuit_breaker.state_changes.
func (m *Instruments) RecordCircuitStateChange(ctx context.Context, target, from, to string) {
	c, err := m.counter("kernel.circuit_breaker.state_changes")
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBudgetSpend records kernel.budget.cumulative_cost_usd as a
// monotonic total; the collector computes deltas across scrapes.
func (m *Instruments) RecordBudgetSpend(ctx context.Context, runID string, deltaUSD float64) {
	c, err := m.floatCounter("kernel.budget.cumulative_cost_usd")
	if err != nil {
		return
	}
	c.Add(ctx, deltaUSD, metric.WithAttributes(attribute.String("run_id", runID)))
}

// NewNoOpInstruments builds an Instruments backed by a meter provider that
// never exports, for deployments that have not configured a collector.
func NewNoOpInstruments() *Instruments {
	return NewInstruments(sdkmetric.NewMeterProvider().Meter("flowkernel"))
}

// NewManualReaderInstruments builds an Instruments backed by an in-process
// sdkmetric.ManualReader, letting tests pull a point-in-time snapshot
// without standing up an OTLP collector. cli.buildKernel discards the
// reader, and /platform/status does not report metrics.
func NewManualReaderInstruments(serviceName string) (*Instruments, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return NewInstruments(provider.Meter(serviceName)), reader
}
