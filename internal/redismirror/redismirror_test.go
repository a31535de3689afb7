package redismirror

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLedgerMirrorPublishesToStream(t *testing.T) {
	client := newTestClient(t)
	mirror := NewLedgerMirror(client)

	mirror.Publish(context.Background(), &model.Receipt{RunID: "run-1", FlowKey: "build", StepID: "plan"})

	entries, err := client.XRange(context.Background(), receiptStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "plan", entries[0].Values["step_id"])
}

func TestLedgerMirrorNilClientIsNoOp(t *testing.T) {
	mirror := NewLedgerMirror(nil)
	require.NotPanics(t, func() {
		mirror.Publish(context.Background(), &model.Receipt{RunID: "run-1"})
	})
}

func TestSharedBreakerStoreRoundTrips(t *testing.T) {
	client := newTestClient(t)
	store := NewSharedBreakerStore(client, time.Minute)

	snap := model.CircuitSnapshot{Target: "backend", State: model.CircuitOpen, ConsecutiveFailures: 3}
	require.NoError(t, store.Write(context.Background(), snap))

	got, ok := store.Read(context.Background(), "backend")
	require.True(t, ok)
	require.Equal(t, model.CircuitOpen, got.State)
	require.Equal(t, 3, got.ConsecutiveFailures)
}

func TestSharedBreakerStoreMissingTargetReturnsFalse(t *testing.T) {
	client := newTestClient(t)
	store := NewSharedBreakerStore(client, time.Minute)

	_, ok := store.Read(context.Background(), "ghost")
	require.False(t, ok)
}

func TestSharedBreakerStoreNilClientIsNoOp(t *testing.T) {
	store := NewSharedBreakerStore(nil, time.Minute)
	require.NoError(t, store.Write(context.Background(), model.CircuitSnapshot{Target: "x"}))
	_, ok := store.Read(context.Background(), "x")
	require.False(t, ok)
}
