// Package supervisor implements component C11: driving a run's flows in
// fixed order, enforcing the run-level budget cap, resuming from the last
// checkpoint, and surfacing escalations. The Supervisor is the only
// component permitted to transition a run to a terminal status.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/clock"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/ledger"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/scheduler"
)

// Escalation is one entry in the run's single escalation queue.
type Escalation struct {
	Key      string
	FlowKey  string
	Decision model.RoutingDecision
	At       time.Time
	Resolved bool
}

// ControlState tracks pause/cancel requests a running Supervisor consults
// between steps (cooperative, not preemptive).
type ControlState struct {
	mu       sync.Mutex
	paused   bool
	canceled bool
}

func (c *ControlState) Pause()      { c.mu.Lock(); c.paused = true; c.mu.Unlock() }
func (c *ControlState) Resume()     { c.mu.Lock(); c.paused = false; c.mu.Unlock() }
func (c *ControlState) Cancel()     { c.mu.Lock(); c.canceled = true; c.mu.Unlock() }
func (c *ControlState) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
func (c *ControlState) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// Supervisor orchestrates ordered flows of a whole run.
type Supervisor struct {
	Ledger    ledger.Ledger
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock
	Logger    logging.Logger

	mu          sync.Mutex
	controls    map[string]*ControlState
	escalations map[string][]*Escalation
	flowDefs    map[string]model.FlowDef // flow_key -> definition, registered by the operator before a run starts
}

// New builds a Supervisor.
func New(l ledger.Ledger, sched *scheduler.Scheduler) *Supervisor {
	return &Supervisor{
		Ledger:      l,
		Scheduler:   sched,
		Clock:       clock.RealClock{},
		Logger:      logging.NoOpLogger{},
		controls:    make(map[string]*ControlState),
		escalations: make(map[string][]*Escalation),
		flowDefs:    make(map[string]model.FlowDef),
	}
}

// RegisterFlow makes a FlowDef available to be walked by a run spec that
// names its flow_key.
func (s *Supervisor) RegisterFlow(def model.FlowDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowDefs[def.FlowKey] = def
}

// FlowDef returns the registered definition for flowKey, for read-only
// plan introspection.
func (s *Supervisor) FlowDef(flowKey string) (model.FlowDef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.flowDefs[flowKey]
	return def, ok
}

func (s *Supervisor) control(runID string) *ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[runID]
	if !ok {
		c = &ControlState{}
		s.controls[runID] = c
	}
	return c
}

// StartRun creates a new Run from spec and drives it to completion,
// pause, escalation, or abort.
func (s *Supervisor) StartRun(ctx context.Context, spec model.RunSpec) (*model.Run, error) {
	run := &model.Run{
		RunID:        uuid.NewString(),
		Spec:         spec,
		CreatedAt:    s.Clock.Now(),
		BudgetUSDCap: spec.BudgetUSD,
		Status:       model.RunPending,
	}
	if err := s.Ledger.WriteMeta(run.RunID, run); err != nil {
		return nil, err
	}
	return s.driveRun(ctx, run, "")
}

// ResumeRun resumes runID from its last committed checkpoint per flow.
func (s *Supervisor) ResumeRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := s.Ledger.ReadMeta(runID)
	if err != nil {
		return nil, err
	}
	return s.driveRun(ctx, run, run.ActiveFlow)
}

func (s *Supervisor) driveRun(ctx context.Context, run *model.Run, resumeFromFlow string) (*model.Run, error) {
	run.Status = model.RunRunning
	s.Ledger.WriteMeta(run.RunID, run)

	budget := clock.NewBudget(run.BudgetUSDCap)
	budget.Commit(run.CumulativeCost)

	ctl := s.control(run.RunID)

	skipping := resumeFromFlow != ""
	for _, flowKey := range run.Spec.Flows {
		if skipping {
			if flowKey == resumeFromFlow {
				skipping = false
			} else {
				continue
			}
		}

		if ctl.IsCanceled() {
			run.Status = model.RunAborted
			run.AbortReason = "canceled"
			s.Ledger.WriteMeta(run.RunID, run)
			return run, nil
		}
		for ctl.IsPaused() {
			s.Ledger.AppendEvent(run.RunID, &model.Event{Kind: model.EventPause, At: s.Clock.Now()})
			time.Sleep(50 * time.Millisecond)
			if ctl.IsCanceled() {
				run.Status = model.RunAborted
				run.AbortReason = "canceled"
				s.Ledger.WriteMeta(run.RunID, run)
				return run, nil
			}
		}

		s.mu.Lock()
		def, ok := s.flowDefs[flowKey]
		s.mu.Unlock()
		if !ok {
			run.Status = model.RunAborted
			run.AbortReason = "unknown_flow:" + flowKey
			s.Ledger.WriteMeta(run.RunID, run)
			return run, kernelerrors.Newf("supervisor.driveRun", kernelerrors.CategoryPermanent, flowKey, "flow %q has no registered definition", flowKey)
		}

		run.ActiveFlow = flowKey
		s.Ledger.WriteMeta(run.RunID, run)

		resumeAfterStep := ""
		if resumeFromFlow == flowKey {
			lastStep, hasHandoff, hasRouting, err := s.Ledger.ReadLastCheckpoint(run.RunID, flowKey)
			if err == nil && lastStep != "" && hasHandoff && hasRouting {
				resumeAfterStep = lastStep
			}
			// A receipt with no handoff means the step is incomplete and
			// must be retried from scratch; resumeAfterStep stays empty
			// so the scheduler re-walks from the beginning of the flow,
			// and any partial artifacts already on disk are preserved
			// rather than deleted.
		}

		s.Scheduler.Budget = budget
		status, decision, err := s.Scheduler.RunFlow(ctx, run.RunID, def, resumeAfterStep)
		if err != nil {
			if errors.Is(err, kernelerrors.ErrBudgetExhausted) {
				run.Status = model.RunAborted
				run.AbortReason = "budget_exhausted"
				s.Ledger.WriteMeta(run.RunID, run)
				s.Ledger.AppendEvent(run.RunID, &model.Event{Kind: model.EventAbort, At: s.Clock.Now(), Data: map[string]any{"reason": "budget_exhausted"}})
				return run, nil
			}
			run.Status = model.RunEscalated
			s.Ledger.WriteMeta(run.RunID, run)
			return run, err
		}

		run.CumulativeCost = budget.Cumulative()

		if decision != nil {
			switch decision.Decision {
			case model.DecisionEscalate:
				s.recordEscalation(run.RunID, flowKey, *decision)
				run.Status = model.RunEscalated
				s.Ledger.WriteMeta(run.RunID, run)
				return run, nil
			case model.DecisionTerminate:
				run.Status = model.RunAborted
				run.AbortReason = "terminated:" + decision.Reason
				s.Ledger.WriteMeta(run.RunID, run)
				return run, nil
			case model.DecisionInjectFlow:
				s.mu.Lock()
				run.Spec.Flows = append(run.Spec.Flows, decision.ToStep)
				s.mu.Unlock()
			}
		}

		if status != model.FlowCompleted {
			run.Status = model.RunEscalated
			s.Ledger.WriteMeta(run.RunID, run)
			return run, nil
		}
	}

	run.Status = model.RunCompleted
	s.Ledger.WriteMeta(run.RunID, run)
	return run, nil
}

func (s *Supervisor) recordEscalation(runID, flowKey string, decision model.RoutingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[runID] = append(s.escalations[runID], &Escalation{
		Key: decision.FromStep, FlowKey: flowKey, Decision: decision, At: s.Clock.Now(),
	})
}

// Escalations returns the open escalation queue for runID.
func (s *Supervisor) Escalations(runID string) []*Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*Escalation
	for _, e := range s.escalations[runID] {
		if !e.Resolved {
			open = append(open, e)
		}
	}
	return open
}

// ResolveEscalation injects an operator decision from the routing
// vocabulary to resolve an open escalation by key.
func (s *Supervisor) ResolveEscalation(runID, key string, decision model.Decision) error {
	if !model.ValidDecisions[decision] {
		return kernelerrors.Newf("supervisor.ResolveEscalation", kernelerrors.CategoryPermanent, key, "%v: %s", kernelerrors.ErrOutOfVocabulary, decision)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escalations[runID] {
		if e.Key == key && !e.Resolved {
			e.Resolved = true
			return nil
		}
	}
	return kernelerrors.New("supervisor.ResolveEscalation", kernelerrors.CategoryPermanent, key, kernelerrors.ErrNotFound)
}

// Pause requests cooperative pause: no new step starts; in-flight steps
// finish committing or time out.
func (s *Supervisor) Pause(runID string) { s.control(runID).Pause() }

// Resume clears a pause request.
func (s *Supervisor) Resume(runID string) { s.control(runID).Resume() }

// Cancel requests the run stop at the next safe point.
func (s *Supervisor) Cancel(runID string) { s.control(runID).Cancel() }
