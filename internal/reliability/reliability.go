package reliability

import (
	"context"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/classify"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/redismirror"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/telemetry"
)

// Call is the unit of work the reliability engine wraps: a single
// invocation of the Backend Adapter (C3) or Skill Runner (C4) against a
// target (used to pick the target's circuit breaker).
type Call func(ctx context.Context) (httpStatus int, retryAfter time.Duration, signature string, err error)

// Engine combines retry, circuit breaking, and timeout enforcement around
// a Call. One Engine instance is shared across all steps that call the
// same logical subsystem (e.g. "backend" or "skill:golangci-lint"); each
// target gets its own breaker via the Registry.
type Engine struct {
	breakers  *Registry
	tracker   *classify.Tracker
	telemetry *telemetry.Instruments
}

// NewEngine builds a reliability engine. breakerCfg tunes every breaker
// the engine creates; retriableThreshold is passed to the underlying
// classify.Tracker.
func NewEngine(breakerCfg CircuitBreakerConfig, retriableThreshold int) *Engine {
	return &Engine{
		breakers: NewRegistry(breakerCfg),
		tracker:  classify.NewTracker(retriableThreshold),
	}
}

// WithObservability wires kernel.retry.attempts and
// kernel.circuit_breaker.state_changes into instruments, and mirrors
// every breaker state transition to store (nil-safe: a nil store or
// instruments argument disables that half of the wiring). Call before
// the engine serves any traffic, since only breakers created afterward
// pick up the listener.
func (e *Engine) WithObservability(instruments *telemetry.Instruments, store *redismirror.SharedBreakerStore) *Engine {
	e.telemetry = instruments
	e.breakers.OnStateChange(func(target string, from, to model.CircuitState, snapshot model.CircuitSnapshot) {
		if instruments != nil {
			instruments.RecordCircuitStateChange(context.Background(), target, string(from), string(to))
		}
		if store != nil {
			_ = store.Write(context.Background(), snapshot)
		}
	})
	return e
}

// Outcome is what Execute reports back to the caller (typically the
// scheduler) once retries, breaker state, and timeout enforcement have
// all been applied.
type Outcome struct {
	Err          error
	Category     kernelerrors.Category
	Escalate     bool // circuit breaker crossed its escalate threshold
	RetryCount   int
	LastDelay    time.Duration
	TimedOut     bool
}

// Execute runs call against target, honoring the circuit breaker (fast
// failing while OPEN), retrying per the category the call itself reports,
// and enforcing the deadline already present on ctx (the timeout cascade
// lives in the scheduler/supervisor, which compose nested contexts before
// calling Execute; this function only respects whatever deadline it is
// given).
func (e *Engine) Execute(ctx context.Context, target string, call Call) Outcome {
	cb := e.breakers.Get(target)

	if !cb.CanExecute() {
		return Outcome{Err: kernelerrors.New("reliability.Execute", kernelerrors.CategoryTransient, "", ErrCircuitOpen), Category: kernelerrors.CategoryTransient}
	}

	var (
		retries   int
		lastDelay time.Duration
		category  kernelerrors.Category
		escalate  bool
	)

	cfg := TransientRetryConfig()
	err := Retry(ctx, cfg, func(attempt int) Attempt {
		retries = attempt - 1
		status, retryAfter, signature, callErr := call(ctx)

		if callErr == nil {
			cb.RecordSuccess()
			return Attempt{}
		}

		if ctx.Err() != nil {
			category = kernelerrors.CategoryTransient
			return Attempt{Err: callErr, Category: kernelerrors.CategoryTransient}
		}

		base := classify.Classify(classify.RawFailure{Err: callErr, HTTPStatus: status, Signature: signature})
		category = e.tracker.Observe(signature, base)

		if category == kernelerrors.CategoryFatal || category == kernelerrors.CategoryPermanent {
			return Attempt{Err: callErr, Category: category}
		}

		if cb.RecordFailure() {
			escalate = true
		}
		lastDelay = retryAfter
		return Attempt{Err: callErr, Category: category, RetryAfter: retryAfter}
	})

	if e.telemetry != nil && retries > 0 {
		e.telemetry.RecordRetryAttempt(ctx, target, retries)
	}

	return Outcome{Err: err, Category: category, Escalate: escalate, RetryCount: retries, LastDelay: lastDelay, TimedOut: ctx.Err() == context.DeadlineExceeded}
}

// Breakers exposes the registry for read-only status projection.
func (e *Engine) Breakers() *Registry { return e.breakers }

// TimeoutTier names one level of the timeout hierarchy.
type TimeoutTier struct {
	Soft time.Duration
	Hard time.Duration
}

// Cascade composes nested deadlines the way §4.7 specifies: Flow 30m
// (hard 45m), Step 10m (hard 15m), per-call 2m (hard 3m), tool 5m
// (hard 10m) — inner caps are clamped by remaining outer time.
type Cascade struct {
	Flow TimeoutTier
	Step TimeoutTier
	Call TimeoutTier
	Tool TimeoutTier
}

// DefaultCascade matches the literal spec values.
func DefaultCascade() Cascade {
	return Cascade{
		Flow: TimeoutTier{Soft: 30 * time.Minute, Hard: 45 * time.Minute},
		Step: TimeoutTier{Soft: 10 * time.Minute, Hard: 15 * time.Minute},
		Call: TimeoutTier{Soft: 2 * time.Minute, Hard: 3 * time.Minute},
		Tool: TimeoutTier{Soft: 5 * time.Minute, Hard: 10 * time.Minute},
	}
}

// WithTier derives a child context bounded by the tighter of tier.Soft and
// whatever deadline parent already carries, returning the cancel func the
// caller must defer.
func WithTier(parent context.Context, tier TimeoutTier) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tier.Soft)
}
