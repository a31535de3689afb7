// Package redismirror externalizes two pieces of kernel state to Redis:
// committed receipts (mirrored onto a stream for dashboards and downstream
// consumers) and circuit breaker snapshots (readable by other processes;
// the kernel writes them but its own breakers never load them back). Both
// are optional; a nil *redis.Client degrades every method here to a no-op.
package redismirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

const (
	layer1MaxRetries     = 3
	layer1InitialBackoff = 100 * time.Millisecond
	layer1MaxBackoff     = 2 * time.Second

	receiptStreamKey = "flowkernel:receipts"
	breakerKeyPrefix = "flowkernel:breaker:"
)

// LedgerMirror republishes committed receipts onto a Redis stream as the
// ledger commits them, giving external dashboards a tail-able feed without
// having to poll the filesystem.
type LedgerMirror struct {
	client *redis.Client
	stream string
	logger logging.Logger
}

// NewLedgerMirror builds a mirror over client. A nil client is valid and
// makes every Publish call a no-op, so the kernel runs unchanged without
// Redis configured.
func NewLedgerMirror(client *redis.Client) *LedgerMirror {
	return &LedgerMirror{client: client, stream: receiptStreamKey, logger: logging.NoOpLogger{}}
}

// Publish mirrors one committed receipt. Failures are logged and
// swallowed: the mirror is best-effort and must never affect the ledger's
// own commit outcome.
func (m *LedgerMirror) Publish(ctx context.Context, receipt *model.Receipt) {
	if m.client == nil {
		return
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return
	}
	op := func() error {
		return m.client.XAdd(ctx, &redis.XAddArgs{
			Stream: m.stream,
			Values: map[string]interface{}{
				"run_id":  receipt.RunID,
				"flow":    receipt.FlowKey,
				"step_id": receipt.StepID,
				"payload": string(data),
			},
		}).Err()
	}
	if err := executeWithRetry(ctx, op); err != nil {
		m.logger.Error("redismirror: publish receipt failed", map[string]any{"run_id": receipt.RunID, "step_id": receipt.StepID, "error": err.Error()})
	}
}

// SharedBreakerStore externalizes circuit-breaker snapshots per target, so
// a process other than the one that tripped a breaker can Read its
// OPEN/HALF_OPEN/CLOSED state. The kernel only writes here; its breakers
// do not take their state from this store.
type SharedBreakerStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewSharedBreakerStore builds a store over client with ttl on each
// snapshot key (stale entries expire rather than linger forever).
func NewSharedBreakerStore(client *redis.Client, ttl time.Duration) *SharedBreakerStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SharedBreakerStore{client: client, ttl: ttl, logger: logging.NoOpLogger{}}
}

func (s *SharedBreakerStore) key(target string) string {
	return breakerKeyPrefix + target
}

// Write persists the latest snapshot for target. A nil client makes this
// a no-op, so a single-replica deployment pays no Redis cost.
func (s *SharedBreakerStore) Write(ctx context.Context, snapshot model.CircuitSnapshot) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return executeWithRetry(ctx, func() error {
		return s.client.Set(ctx, s.key(snapshot.Target), data, s.ttl).Err()
	})
}

// Read fetches the latest snapshot for target, or (zero value, false) if
// none is recorded or Redis is not configured.
func (s *SharedBreakerStore) Read(ctx context.Context, target string) (model.CircuitSnapshot, bool) {
	if s.client == nil {
		return model.CircuitSnapshot{}, false
	}
	var snapshot model.CircuitSnapshot
	var data string
	err := executeWithRetry(ctx, func() error {
		v, err := s.client.Get(ctx, s.key(target)).Result()
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return model.CircuitSnapshot{}, false
	}
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return model.CircuitSnapshot{}, false
	}
	return snapshot, true
}

// executeWithRetry is the kernel's built-in Layer 1 resilience for Redis
// operations: a simple bounded retry with exponential backoff, independent
// of the reliability engine's circuit breaker (that breaker protects
// backend/skill calls, not the mirror's own best-effort writes).
func executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := layer1InitialBackoff

	for attempt := 1; attempt <= layer1MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := operation(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < layer1MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > layer1MaxBackoff {
				backoff = layer1MaxBackoff
			}
		}
	}
	return fmt.Errorf("redismirror: operation failed after %d attempts: %w", layer1MaxRetries, lastErr)
}
