package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordStepDurationIsObservableByManualReader(t *testing.T) {
	inst, reader := NewManualReaderInstruments("test")
	inst.RecordStepDuration(context.Background(), "plan", "planner", 1200)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	require.Equal(t, "kernel.step.duration_ms", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestRecordBudgetSpendAccumulates(t *testing.T) {
	inst, reader := NewManualReaderInstruments("test")
	inst.RecordBudgetSpend(context.Background(), "run-1", 0.5)
	inst.RecordBudgetSpend(context.Background(), "run-1", 0.25)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
}

func TestNoOpInstrumentsNeverPanics(t *testing.T) {
	inst := NewNoOpInstruments()
	inst.RecordRetryAttempt(context.Background(), "backend", 3)
	inst.RecordCircuitStateChange(context.Background(), "backend", "CLOSED", "OPEN")
}
