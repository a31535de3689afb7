// Package reliability implements component C7: retries with backoff and
// jitter, a per-target circuit breaker with a sliding error-rate window,
// and the timeout cascade, wrapping the Backend Adapter (C3) and Skill
// Runner (C4).
package reliability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// CircuitBreakerConfig configures one target's breaker.
type CircuitBreakerConfig struct {
	Name                        string
	ConsecutiveFailureThreshold int
	EscalateThreshold           int
	SleepWindow                 time.Duration
	WindowSize                  time.Duration
	BucketCount                 int
	Logger                      logging.Logger
}

// DefaultCircuitBreakerConfig matches the literal spec defaults: 3
// consecutive failures opens the breaker, 30s cooldown, 5 total
// consecutive failures escalates.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                        name,
		ConsecutiveFailureThreshold: 3,
		EscalateThreshold:           5,
		SleepWindow:                 30 * time.Second,
		WindowSize:                  60 * time.Second,
		BucketCount:                 10,
		Logger:                      logging.NoOpLogger{},
	}
}

// bucket is one slice of the sliding error-rate window.
type bucket struct {
	successes int64
	failures  int64
	start     time.Time
}

// slidingWindow tracks success/failure counts over a rolling window,
// rotating stale buckets out as time advances. A negative elapsed delta
// between consecutive observations (wall-clock skew, e.g. NTP step) resets
// the window defensively rather than producing a nonsensical rate.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSpan time.Duration
	lastRotate time.Time
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	now := time.Now()
	w := &slidingWindow{
		buckets:    make([]bucket, bucketCount),
		bucketSpan: windowSize / time.Duration(bucketCount),
		lastRotate: now,
	}
	for i := range w.buckets {
		w.buckets[i].start = now
	}
	return w
}

func (w *slidingWindow) rotate(now time.Time) {
	elapsed := now.Sub(w.lastRotate)
	if elapsed < 0 {
		w.reset(now)
		return
	}
	shifts := int(elapsed / w.bucketSpan)
	if shifts <= 0 {
		return
	}
	if shifts >= len(w.buckets) {
		w.reset(now)
		return
	}
	w.buckets = append(w.buckets[shifts:], make([]bucket, shifts)...)
	for i := len(w.buckets) - shifts; i < len(w.buckets); i++ {
		w.buckets[i].start = now
	}
	w.lastRotate = now
}

func (w *slidingWindow) reset(now time.Time) {
	for i := range w.buckets {
		w.buckets[i] = bucket{start: now}
	}
	w.lastRotate = now
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.rotate(now)
	w.buckets[len(w.buckets)-1].successes++
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.rotate(now)
	w.buckets[len(w.buckets)-1].failures++
}

func (w *slidingWindow) counts() (successes, failures int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(time.Now())
	for _, b := range w.buckets {
		successes += b.successes
		failures += b.failures
	}
	return
}

// CircuitBreaker is a per-target breaker: CLOSED -> N consecutive failures
// -> OPEN (cooldown) -> HALF_OPEN (single trial) -> CLOSED on success or
// back to OPEN on failure. M total consecutive failures escalates instead
// of merely re-opening.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	window *slidingWindow

	state               atomic.Value // model.CircuitState
	consecutiveFailures atomic.Int64
	openedAt            atomic.Value // time.Time
	halfOpenInFlight    atomic.Bool

	mu        sync.Mutex
	listeners []func(from, to model.CircuitState)
}

// NewCircuitBreaker builds a breaker for one target.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(model.CircuitClosed)
	return cb
}

// AddStateChangeListener registers a callback fired (synchronously) on
// every transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(from, to model.CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() model.CircuitState {
	return cb.state.Load().(model.CircuitState)
}

// CanExecute reports whether a call may proceed: true when CLOSED, true
// for exactly one caller per cooldown when HALF_OPEN (a single trial
// request), false while OPEN and the cooldown has not elapsed. A stale
// OPEN whose cooldown elapsed is advanced to HALF_OPEN as a side effect.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.State() {
	case model.CircuitClosed:
		return true
	case model.CircuitHalfOpen:
		return cb.halfOpenInFlight.CompareAndSwap(false, true)
	case model.CircuitOpen:
		if openedAt, ok := cb.openedAt.Load().(time.Time); ok && time.Since(openedAt) >= cb.cfg.SleepWindow {
			cb.transition(model.CircuitHalfOpen)
			return cb.halfOpenInFlight.CompareAndSwap(false, true)
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call, closing the breaker from
// HALF_OPEN or keeping it CLOSED.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.recordSuccess()
	cb.consecutiveFailures.Store(0)
	if cb.State() == model.CircuitHalfOpen {
		cb.halfOpenInFlight.Store(false)
		cb.transition(model.CircuitClosed)
	}
}

// RecordFailure reports a failed call. Returns true when this failure
// crossed the escalate threshold (caller should surface ESCALATE rather
// than merely re-opening).
func (cb *CircuitBreaker) RecordFailure() (shouldEscalate bool) {
	cb.window.recordFailure()
	count := cb.consecutiveFailures.Add(1)

	if cb.State() == model.CircuitHalfOpen {
		cb.halfOpenInFlight.Store(false)
		cb.transition(model.CircuitOpen)
		return count >= int64(cb.cfg.EscalateThreshold)
	}

	if count >= int64(cb.cfg.EscalateThreshold) {
		cb.transition(model.CircuitOpen)
		return true
	}
	if count >= int64(cb.cfg.ConsecutiveFailureThreshold) {
		cb.transition(model.CircuitOpen)
	}
	return false
}

func (cb *CircuitBreaker) transition(to model.CircuitState) {
	from := cb.state.Swap(to).(model.CircuitState)
	if from == to {
		return
	}
	if to == model.CircuitOpen {
		cb.openedAt.Store(time.Now())
	}
	cb.cfg.Logger.Warn("circuit breaker transition", "target", cb.cfg.Name, "from", from, "to", to)
	cb.mu.Lock()
	listeners := append([]func(from, to model.CircuitState){}, cb.listeners...)
	cb.mu.Unlock()
	for _, l := range listeners {
		l(from, to)
	}
}

// Snapshot returns a persistable view of current state.
func (cb *CircuitBreaker) Snapshot() model.CircuitSnapshot {
	snap := model.CircuitSnapshot{
		Target:              cb.cfg.Name,
		State:               cb.State(),
		ConsecutiveFailures: int(cb.consecutiveFailures.Load()),
	}
	if t, ok := cb.openedAt.Load().(time.Time); ok && !t.IsZero() {
		snap.OpenedAt = &t
	}
	return snap
}

// ErrorRate returns the failure ratio over the sliding window, for
// dashboards; it does not drive breaker transitions (those are
// consecutive-failure counted, per the literal spec behavior).
func (cb *CircuitBreaker) ErrorRate() float64 {
	s, f := cb.window.counts()
	total := s + f
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}

// Registry keeps one breaker per target, created on first use.
type Registry struct {
	mu            sync.Mutex
	breakers      map[string]*CircuitBreaker
	base          CircuitBreakerConfig
	onStateChange func(target string, from, to model.CircuitState, snapshot model.CircuitSnapshot)
}

// NewRegistry builds a registry whose breakers all share base's tuning,
// each stamped with its own target name.
func NewRegistry(base CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), base: base}
}

// OnStateChange installs fn to be called (synchronously, from the
// breaker's own transition) whenever any target's breaker changes state.
// Only breakers created after this call carry the listener; call it
// before the registry is put into service.
func (r *Registry) OnStateChange(fn func(target string, from, to model.CircuitState, snapshot model.CircuitSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Get returns the breaker for target, creating it on first access. On
// process restart the registry starts empty, so every target is
// conservatively treated as CLOSED until evidence of failure accumulates
// again — no breaker state survives a crash. The optional Redis-backed
// store (internal/redismirror) receives a snapshot on every transition,
// but the registry never reads it back.
func (r *Registry) Get(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	cfg := r.base
	cfg.Name = target
	cb := NewCircuitBreaker(cfg)
	if r.onStateChange != nil {
		cb.AddStateChangeListener(func(from, to model.CircuitState) {
			r.onStateChange(target, from, to, cb.Snapshot())
		})
	}
	r.breakers[target] = cb
	return cb
}

// Snapshots returns every known target's current state.
func (r *Registry) Snapshots() []model.CircuitSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.CircuitSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// ErrCircuitOpen is returned by Execute when the breaker fast-fails.
var ErrCircuitOpen = kernelerrors.ErrCircuitOpen
