package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/redismirror"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/telemetry"
)

func hasMetric(data metricdata.ResourceMetrics, name string) bool {
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("backend")
	cfg.SleepWindow = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	require.True(t, cb.CanExecute())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, model.CircuitOpen, cb.State())
	require.False(t, cb.CanExecute())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.CanExecute())
	require.Equal(t, model.CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, model.CircuitClosed, cb.State())
}

func TestCircuitBreakerEscalatesAtFiveConsecutive(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("backend"))
	var escalate bool
	for i := 0; i < 5; i++ {
		escalate = cb.RecordFailure()
	}
	require.True(t, escalate)
}

func TestRetryStopsOnPermanentCategory(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), TransientRetryConfig(), func(attempt int) Attempt {
		calls++
		return Attempt{Err: errors.New("bad request"), Category: 2} // CategoryPermanent
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsTransientAttempts(t *testing.T) {
	cfg := TransientRetryConfig()
	cfg.BackoffCap = 1 * time.Millisecond
	calls := 0
	err := Retry(context.Background(), cfg, func(attempt int) Attempt {
		calls++
		return Attempt{Err: errors.New("timeout"), Category: 0} // CategoryTransient
	})
	require.Error(t, err)
	require.Equal(t, cfg.MaxAttempts, calls)
}

func TestEngineFastFailsWhileCircuitOpen(t *testing.T) {
	e := NewEngine(DefaultCircuitBreakerConfig("backend"), 2)
	for i := 0; i < 3; i++ {
		e.Execute(context.Background(), "backend", func(ctx context.Context) (int, time.Duration, string, error) {
			return 500, 0, "sig-a", errors.New("server error")
		})
	}
	out := e.Execute(context.Background(), "backend", func(ctx context.Context) (int, time.Duration, string, error) {
		t.Fatal("call should not run while circuit is open")
		return 0, 0, "", nil
	})
	require.Error(t, out.Err)
}

func TestEngineRecordsRetryAttemptsViaTelemetry(t *testing.T) {
	instruments, reader := telemetry.NewManualReaderInstruments("flowkernel-test")
	e := NewEngine(DefaultCircuitBreakerConfig("backend"), 2).WithObservability(instruments, nil)

	calls := 0
	out := e.Execute(context.Background(), "backend:test", func(ctx context.Context) (int, time.Duration, string, error) {
		calls++
		if calls == 1 {
			return 0, 0, "sig-timeout", errors.New("timeout")
		}
		return 0, 0, "", nil
	})
	require.NoError(t, out.Err)
	require.Equal(t, 1, out.RetryCount)

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))
	require.True(t, hasMetric(data, "kernel.retry.attempts"))
}

func TestEngineWithObservabilityMirrorsBreakerStateToStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redismirror.NewSharedBreakerStore(client, time.Minute)

	instruments := telemetry.NewNoOpInstruments()
	cfg := DefaultCircuitBreakerConfig("backend")
	e := NewEngine(cfg, 2).WithObservability(instruments, store)

	for i := 0; i < 5; i++ {
		e.Execute(context.Background(), "backend:flaky", func(ctx context.Context) (int, time.Duration, string, error) {
			return 500, 0, "sig-b", errors.New("server error")
		})
	}

	snap, ok := store.Read(context.Background(), "backend:flaky")
	require.True(t, ok)
	require.Equal(t, model.CircuitOpen, snap.State)
}
