package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/backend"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/boundary"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/clock"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/contextpack"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/ledger"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/microloop"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/redismirror"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/reliability"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/routing"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/skillrunner"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/telemetry"
)

// HandoffExtractor turns a raw backend StepResult into a structured
// handoff envelope, bridging the capability gap when the backend lacks
// CapStructuredOutput (it parses fenced JSON from the output text instead
// of relying on the backend to emit it directly).
type HandoffExtractor func(result backend.StepResult, meta model.HandoffMeta) (*model.Handoff, error)

// Scheduler walks a flow graph for one run, invoking the reliability
// engine around the backend adapter and skill runner per step and
// checkpointing every stage through the ledger in order.
type Scheduler struct {
	Ledger      ledger.Ledger
	Backend     backend.Backend
	Skills      *skillrunner.Runner
	Boundary    *boundary.Gate
	Reliability *reliability.Engine
	Routing     *routing.Engine
	Budget      *clock.Budget
	Clock       clock.Clock
	Cascade     reliability.Cascade
	Extract     HandoffExtractor
	Logger      logging.Logger
	Telemetry   *telemetry.Instruments
	Mirror      *redismirror.LedgerMirror

	// DetourSkills maps a detour target name (as it appears in
	// routing.DetourCatalogEntry.Target) to the skill invocation that
	// performs the remediation.
	DetourSkills map[string]skillrunner.Skill
}

// New builds a Scheduler; nil optional fields are replaced with
// production-safe no-op defaults so a partially-configured Scheduler never
// panics, only runs with that concern disabled.
func New(s Scheduler) *Scheduler {
	if s.Logger == nil {
		s.Logger = logging.NoOpLogger{}
	}
	if s.Clock == nil {
		s.Clock = clock.RealClock{}
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.NewNoOpInstruments()
	}
	if s.Mirror == nil {
		s.Mirror = redismirror.NewLedgerMirror(nil)
	}
	if s.Skills == nil {
		s.Skills = skillrunner.NewRunner("")
	}
	sch := s
	return &sch
}

// RunFlow walks def's DAG to completion (or to an Escalate/Terminate
// decision, or a budget abort), returning the flow's terminal status and
// the routing decision that ended it, if any.
func (s *Scheduler) RunFlow(ctx context.Context, runID string, def model.FlowDef, resumeAfter string) (model.FlowStatus, *model.RoutingDecision, error) {
	dag, err := NewDAG(def)
	if err != nil {
		return model.FlowFailed, nil, err
	}
	if resumeAfter != "" {
		s.markCompletedUpTo(dag, def, resumeAfter)
	}

	stepsByID := make(map[string]model.StepDef, len(def.Steps))
	for _, st := range def.Steps {
		stepsByID[st.StepID] = st
	}

	flowCtx, cancelFlow := reliability.WithTier(ctx, s.Cascade.Flow)
	defer cancelFlow()

	for !dag.IsComplete() {
		ready := dag.ReadyNodes()
		if len(ready) == 0 {
			break
		}

		for _, stepID := range ready {
			node := dag.Node(stepID)
			dag.MarkRunning(stepID)

			var decision model.RoutingDecision
			var stepErr error
			switch {
			case node.Step.Microloop != nil:
				critic, ok := stepsByID[node.Step.Microloop.PartnerStepID]
				if !ok {
					stepErr = kernelerrors.Newf("scheduler.RunFlow", kernelerrors.CategoryFatal, stepID, "microloop partner step %q not found", node.Step.Microloop.PartnerStepID)
					break
				}
				decision, stepErr = s.runMicroloopStep(flowCtx, runID, def.FlowKey, node.Step, critic)
			default:
				decision, stepErr = s.runStep(flowCtx, runID, def.FlowKey, node.Step)
			}

			if stepErr != nil {
				dag.MarkFailed(stepID)
				return model.FlowFailed, nil, stepErr
			}

			switch decision.Decision {
			case model.DecisionContinue:
				dag.MarkCompleted(stepID)
			case model.DecisionDetour:
				if derr := s.runDetour(flowCtx, runID, def.FlowKey, stepID, decision); derr != nil {
					dag.MarkFailed(stepID)
					return model.FlowFailed, &decision, nil
				}
				dag.MarkPending(stepID)
			case model.DecisionInjectFlow, model.DecisionEscalate, model.DecisionTerminate:
				dag.MarkCompleted(stepID)
				return model.FlowFailed, &decision, nil
			default:
				dag.MarkFailed(stepID)
				return model.FlowFailed, &decision, kernelerrors.Newf("scheduler.RunFlow", kernelerrors.CategoryFatal, stepID, "unexpected routing decision %q", decision.Decision)
			}
		}
	}

	if dag.IsComplete() {
		return model.FlowCompleted, nil, nil
	}
	return model.FlowFailed, nil, kernelerrors.Newf("scheduler.RunFlow", kernelerrors.CategoryFatal, def.FlowKey, "flow stalled: no ready steps but graph incomplete")
}

func (s *Scheduler) markCompletedUpTo(dag *DAG, def model.FlowDef, lastStepID string) {
	for _, step := range def.Steps {
		dag.MarkCompleted(step.StepID)
		if step.StepID == lastStepID {
			return
		}
	}
}

// callBackend invokes the backend adapter through the reliability engine,
// keyed on the step's agent.
func (s *Scheduler) callBackend(ctx context.Context, step model.StepDef, pack contextpack.Result, deadline time.Time) (backend.StepResult, reliability.Outcome) {
	var result backend.StepResult
	outcome := s.Reliability.Execute(ctx, "backend:"+step.AgentKey, func(ctx context.Context) (int, time.Duration, string, error) {
		r, err := s.Backend.Execute(ctx, step, backend.PromptPack{Text: pack.Text, BudgetOverflow: pack.Dropped}, deadline)
		result = r
		if err != nil {
			return 0, 0, step.StepID + ":" + step.AgentKey, err
		}
		if r.Status != model.StepSucceeded {
			return 0, 0, step.StepID + ":" + string(r.Status), fmt.Errorf("step reported status %s", r.Status)
		}
		return 0, 0, "", nil
	})
	return result, outcome
}

// callSkill invokes a deterministic skill through the reliability engine
// and projects its result into the same StepResult shape a backend call
// produces, so the rest of runStep never branches on which one ran.
func (s *Scheduler) callSkill(ctx context.Context, runID, flowKey string, step model.StepDef, deadline time.Time) (backend.StepResult, reliability.Outcome) {
	skill := skillrunner.Skill{Name: step.StepID, Command: step.SkillCommand}
	var res skillrunner.Result
	outcome := s.Reliability.Execute(ctx, "skill:"+step.StepID, func(ctx context.Context) (int, time.Duration, string, error) {
		r, err := s.Skills.Run(ctx, runID, flowKey, step.StepID, skill, deadline)
		res = r
		if err != nil {
			return 0, 0, "skill:" + step.StepID, err
		}
		if r.ExitCode != 0 {
			return 0, 0, fmt.Sprintf("skill:%s:exit%d", step.StepID, r.ExitCode), fmt.Errorf("skill %s exited %d", step.StepID, r.ExitCode)
		}
		return 0, 0, "", nil
	})
	status := model.StepSucceeded
	if outcome.Err != nil {
		status = model.StepFailed
	}
	exitCode := res.ExitCode
	return backend.StepResult{Status: status, ExitCode: &exitCode}, outcome
}

// buildReceipt assembles the physics record for one call, already
// carrying whatever timeout/interruption status the outcome implies.
func (s *Scheduler) buildReceipt(step model.StepDef, flowKey, runID string, startedAt, completedAt time.Time, result backend.StepResult, outcome reliability.Outcome, budgetOverflow []string) *model.Receipt {
	receipt := &model.Receipt{
		StepID: step.StepID, AgentKey: step.AgentKey, FlowKey: flowKey, RunID: runID,
		Engine: "backend", Mode: "kernel",
		StartedAt: startedAt, CompletedAt: completedAt,
		DurationMS:     completedAt.Sub(startedAt).Milliseconds(),
		Tokens:         result.Tokens,
		CostUSD:        result.CostUSD,
		ExitCode:       result.ExitCode,
		AcceptanceIDs:  step.AcceptanceIDs,
		BudgetOverflow: budgetOverflow,
	}
	switch {
	case outcome.Err != nil && outcome.TimedOut:
		receipt.Status = model.StepTimeout
		receipt.TimeoutEvent = "step_timeout"
	case outcome.Err != nil:
		receipt.Status = model.StepInterrupted
	default:
		receipt.Status = model.StepSucceeded
	}
	return receipt
}

// commitReceipt enforces the budget, writes the receipt, and fans its
// observability out to telemetry and the optional Redis mirror. Returns an
// error if the budget would be exceeded, in which case nothing is
// committed.
func (s *Scheduler) commitReceipt(ctx context.Context, runID, flowKey string, receipt *model.Receipt, outcome reliability.Outcome) error {
	if s.Budget.WouldExceed(receipt.CostUSD) {
		return kernelerrors.New("scheduler.commitReceipt", kernelerrors.CategoryFatal, receipt.StepID, kernelerrors.ErrBudgetExhausted)
	}
	if err := s.Ledger.WriteReceipt(runID, flowKey, receipt.StepID, receipt.AgentKey, receipt); err != nil {
		return err
	}
	s.Budget.Commit(receipt.CostUSD)

	s.Telemetry.RecordStepDuration(ctx, receipt.StepID, receipt.AgentKey, receipt.DurationMS)
	s.Telemetry.RecordBudgetSpend(ctx, runID, receipt.CostUSD)
	s.Mirror.Publish(ctx, receipt)

	if outcome.RetryCount > 0 {
		_ = s.Ledger.AppendStepLog(runID, flowKey, receipt.StepID, &model.StepLogEntry{
			StepID: receipt.StepID, AgentKey: receipt.AgentKey,
			RetryCount: outcome.RetryCount, LastDelayMS: outcome.LastDelay.Milliseconds(),
			Category: string(outcome.Category), At: s.Clock.Now(),
		})
	}
	return nil
}

// runStep executes the WORK -> FINALIZE -> ROUTE lifecycle for one
// ordinary (non-microloop) step and checkpoints receipt -> handoff ->
// routing_decision in that order. A step whose SkillCommand is set runs
// as a deterministic skill invocation instead of a backend dispatch.
func (s *Scheduler) runStep(ctx context.Context, runID, flowKey string, step model.StepDef) (model.RoutingDecision, error) {
	stepCtx, cancelStep := reliability.WithTier(ctx, s.Cascade.Step)
	defer cancelStep()

	s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventStepStart, At: s.Clock.Now(), Data: map[string]any{"step_id": step.StepID, "flow": flowKey}})

	startedAt := s.Clock.Now()
	pack := contextpack.Pack([]contextpack.Item{
		{Name: "step_spec", Priority: contextpack.PriorityCritical, Text: fmt.Sprintf("%+v", step)},
	}, contextpack.RoleDefaults(string(step.Tier)))

	deadline, _ := stepCtx.Deadline()

	var result backend.StepResult
	var outcome reliability.Outcome
	if len(step.SkillCommand) > 0 {
		result, outcome = s.callSkill(stepCtx, runID, flowKey, step, deadline)
	} else {
		result, outcome = s.callBackend(stepCtx, step, pack, deadline)
	}

	completedAt := s.Clock.Now()
	receipt := s.buildReceipt(step, flowKey, runID, startedAt, completedAt, result, outcome, pack.Dropped)
	if receipt.Status == model.StepTimeout {
		s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventTimeout, At: s.Clock.Now(), Data: map[string]any{"step_id": step.StepID}})
	}

	if err := s.commitReceipt(stepCtx, runID, flowKey, receipt, outcome); err != nil {
		return model.RoutingDecision{}, err
	}

	handoff, herr := s.buildHandoff(result, step, flowKey, outcome)
	if herr != nil {
		return model.RoutingDecision{}, herr
	}

	if step.Tier == model.TierGovernance {
		decision, handled, gerr := s.runGovernanceCheck(stepCtx, runID, flowKey, step, result)
		if gerr != nil {
			return model.RoutingDecision{}, gerr
		}
		if handled {
			return decision, nil
		}
	}

	if err := s.Ledger.WriteHandoff(runID, flowKey, step.StepID, step.AgentKey, handoff); err != nil {
		return model.RoutingDecision{}, err
	}

	routingInput := routing.Input{
		StepID:  step.StepID,
		Handoff: handoff,
		Forensics: routing.ForensicPack{
			StepID: step.StepID, AgentKey: step.AgentKey, LastStatus: string(handoff.Status),
		},
	}

	decision := s.Routing.Decide(stepCtx, routingInput)
	if err := s.Ledger.AppendRoutingDecision(runID, flowKey, &decision); err != nil {
		return model.RoutingDecision{}, err
	}
	s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventRouteDecision, At: s.Clock.Now(), Data: map[string]any{"step_id": step.StepID, "decision": decision.Decision}})

	s.Ledger.AppendScent(runID, flowKey, &model.ScentEntry{
		Step: step.StepID, Decision: decision.Decision, Rationale: decision.Reason, Confidence: 1.0, At: s.Clock.Now(),
	})

	s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventStepFinalized, At: s.Clock.Now(), Data: map[string]any{"step_id": step.StepID}})

	return decision, nil
}

// runMicroloopStep drives component C9: it re-invokes the author and
// critic steps via microloop.Observe until one of the four exit
// conditions fires, then commits exactly one receipt/handoff pair for the
// author step and asks the routing engine for a single terminal decision.
// The critic's own receipts/handoffs are never independently committed;
// it exists only to produce the per-iteration verdict microloop.Observe
// consumes (see NewDAG's partner-step exclusion).
func (s *Scheduler) runMicroloopStep(ctx context.Context, runID, flowKey string, author, critic model.StepDef) (model.RoutingDecision, error) {
	stepCtx, cancelStep := reliability.WithTier(ctx, s.Cascade.Step)
	defer cancelStep()

	maxIter := author.Microloop.MaxIter
	state := microloop.State{}

	for {
		iteration := state.Iter + 1
		s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventStepStart, At: s.Clock.Now(), Data: map[string]any{"step_id": author.StepID, "flow": flowKey, "iteration": iteration}})

		startedAt := s.Clock.Now()
		authorPack := contextpack.Pack([]contextpack.Item{
			{Name: "step_spec", Priority: contextpack.PriorityCritical, Text: fmt.Sprintf("%+v", author)},
		}, contextpack.RoleDefaults(string(author.Tier)))
		deadline, _ := stepCtx.Deadline()

		authorResult, authorOutcome := s.callBackend(stepCtx, author, authorPack, deadline)
		completedAt := s.Clock.Now()
		receipt := s.buildReceipt(author, flowKey, runID, startedAt, completedAt, authorResult, authorOutcome, authorPack.Dropped)

		if authorOutcome.Err != nil && (authorOutcome.Category == kernelerrors.CategoryFatal || authorOutcome.Category == kernelerrors.CategoryPermanent) {
			if err := s.commitReceipt(stepCtx, runID, flowKey, receipt, authorOutcome); err != nil {
				return model.RoutingDecision{}, err
			}
			return model.RoutingDecision{}, authorOutcome.Err
		}

		criticPack := contextpack.Pack([]contextpack.Item{
			{Name: "author_output", Priority: contextpack.PriorityCritical, Text: fmt.Sprintf("%+v", authorResult)},
		}, contextpack.RoleDefaults(string(critic.Tier)))
		criticResult, criticOutcome := s.callBackend(stepCtx, critic, criticPack, deadline)

		criticHandoff, herr := s.buildHandoff(criticResult, critic, flowKey, criticOutcome)
		if herr != nil {
			return model.RoutingDecision{}, herr
		}

		signature := criticFailureSignature(criticHandoff)
		var exitReason microloop.ExitReason
		state, exitReason = microloop.Observe(state, maxIter, criticHandoff, signature)

		if exitReason == microloop.ExitNotYet {
			s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventStepFinalized, At: s.Clock.Now(), Data: map[string]any{"step_id": author.StepID, "iteration": state.Iter}})
			continue
		}

		if err := s.commitReceipt(stepCtx, runID, flowKey, receipt, authorOutcome); err != nil {
			return model.RoutingDecision{}, err
		}

		finalHandoff := microloop.MinimalHandoff(
			model.HandoffMeta{StepID: author.StepID, AgentKey: author.AgentKey, FlowKey: flowKey},
			state.LastStatus,
			firstConcern(criticHandoff),
			criticHandoff.Routing,
		)
		if err := s.Ledger.WriteHandoff(runID, flowKey, author.StepID, author.AgentKey, &finalHandoff); err != nil {
			return model.RoutingDecision{}, err
		}

		routingInput := routing.Input{
			StepID:              author.StepID,
			Handoff:             &finalHandoff,
			IterationCount:      state.Iter,
			MaxIter:             maxIter,
			MicroloopExitReason: string(exitReason),
			Forensics: routing.ForensicPack{
				StepID: author.StepID, AgentKey: author.AgentKey, LastStatus: string(finalHandoff.Status), IterationCount: state.Iter,
			},
		}
		if exitReason == microloop.ExitRepeatedSignature {
			routingInput.FailureSignature = signature
		}

		decision := s.Routing.Decide(stepCtx, routingInput)
		if err := s.Ledger.AppendRoutingDecision(runID, flowKey, &decision); err != nil {
			return model.RoutingDecision{}, err
		}
		s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventRouteDecision, At: s.Clock.Now(), Data: map[string]any{"step_id": author.StepID, "decision": decision.Decision}})
		s.Ledger.AppendScent(runID, flowKey, &model.ScentEntry{
			Step: author.StepID, Decision: decision.Decision, Rationale: decision.Reason, Confidence: 1.0, At: s.Clock.Now(),
		})
		s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventStepFinalized, At: s.Clock.Now(), Data: map[string]any{"step_id": author.StepID}})

		return decision, nil
	}
}

// criticFailureSignature derives a stable signature from a critic's
// verdict, used by microloop.Observe to detect the same failure recurring
// across iterations. A verified handoff has no failure to sign.
func criticFailureSignature(h *model.Handoff) string {
	if h.Status == model.HandoffVerified {
		return ""
	}
	if len(h.Concerns) > 0 {
		c := h.Concerns[0]
		return c.Severity + ":" + c.Location
	}
	return h.Routing.Reason
}

func firstConcern(h *model.Handoff) model.Concern {
	if h != nil && len(h.Concerns) > 0 {
		return h.Concerns[0]
	}
	return model.Concern{}
}

// runGovernanceCheck runs the boundary gate against a governance-tier
// step's declared publish diff, when it declared one in its structured
// output. A clean diff is a no-op (handled=false, caller proceeds with its
// normal handoff/routing). A violation persists an Incident snapshot under
// forensics/ and returns a terminal ESCALATE decision directly, bypassing
// the normal handoff.
func (s *Scheduler) runGovernanceCheck(ctx context.Context, runID, flowKey string, step model.StepDef, result backend.StepResult) (model.RoutingDecision, bool, error) {
	if s.Boundary == nil || result.StructuredOutput == nil {
		return model.RoutingDecision{}, false, nil
	}
	diff, ok := result.StructuredOutput["diff"].(string)
	if !ok || diff == "" {
		return model.RoutingDecision{}, false, nil
	}

	forcePush, _ := result.StructuredOutput["force_push"].(bool)
	forceScope, _ := result.StructuredOutput["force_scope"].(string)
	commitSHA, _ := result.StructuredOutput["commit_sha"].(string)
	bindings, _ := result.StructuredOutput["evidence_bindings"].([]boundary.EvidenceBinding)

	incident, err := s.Boundary.Check(diff, bindings, commitSHA, forcePush, forceScope, s.Clock.Now())
	if err == nil {
		return model.RoutingDecision{}, false, nil
	}

	incidentID := fmt.Sprintf("%s-%d", step.StepID, s.Clock.Now().UnixNano())
	if werr := s.Ledger.WriteForensicSnapshot(runID, flowKey, incidentID, incident); werr != nil {
		return model.RoutingDecision{}, false, werr
	}
	s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventBoundaryIncident, At: s.Clock.Now(), Data: map[string]any{
		"step_id": step.StepID, "incident_id": incidentID, "reason": incident.Reason,
	}})

	decision := model.RoutingDecision{
		FromStep: step.StepID, Decision: model.DecisionEscalate, Source: model.SourcePolicy,
		Reason: "boundary_incident:" + incident.Reason, At: s.Clock.Now(),
	}
	if aerr := s.Ledger.AppendRoutingDecision(runID, flowKey, &decision); aerr != nil {
		return model.RoutingDecision{}, false, aerr
	}
	return decision, true, nil
}

// runDetour executes the remediation skill a DETOUR decision named,
// recording an EventDetourRun entry either way. The scheduler marks the
// triggering step Pending again on success so it is retried, or Failed on
// exhausted/failed remediation.
func (s *Scheduler) runDetour(ctx context.Context, runID, flowKey, stepID string, decision model.RoutingDecision) error {
	skill, ok := s.DetourSkills[decision.ToStep]
	if !ok {
		return kernelerrors.Newf("scheduler.runDetour", kernelerrors.CategoryFatal, stepID, "no detour skill registered for target %q", decision.ToStep)
	}

	deadline := s.Clock.Now().Add(s.Cascade.Tool.Soft)
	var result skillrunner.Result
	outcome := s.Reliability.Execute(ctx, "skill:"+decision.ToStep, func(ctx context.Context) (int, time.Duration, string, error) {
		r, err := s.Skills.Run(ctx, runID, flowKey, stepID, skill, deadline)
		result = r
		if err != nil {
			return 0, 0, "skill:" + decision.ToStep, err
		}
		if r.ExitCode != 0 {
			return 0, 0, fmt.Sprintf("skill:%s:exit%d", decision.ToStep, r.ExitCode), fmt.Errorf("detour skill %s exited %d", decision.ToStep, r.ExitCode)
		}
		return 0, 0, "", nil
	})

	s.Ledger.AppendEvent(runID, &model.Event{Kind: model.EventDetourRun, At: s.Clock.Now(), Data: map[string]any{
		"step_id": stepID, "target": decision.ToStep, "exit_code": result.ExitCode, "succeeded": outcome.Err == nil,
	}})

	return outcome.Err
}

func (s *Scheduler) buildHandoff(result backend.StepResult, step model.StepDef, flowKey string, outcome reliability.Outcome) (*model.Handoff, error) {
	meta := model.HandoffMeta{StepID: step.StepID, AgentKey: step.AgentKey, FlowKey: flowKey}

	if s.Extract != nil {
		h, err := s.Extract(result, meta)
		if err == nil && h != nil {
			return h, nil
		}
	}

	status := model.HandoffVerified
	reason := "completed"
	canHelp := false
	if outcome.Err != nil {
		status = model.HandoffUnverified
		reason = "execution_error"
		canHelp = outcome.Category != kernelerrors.CategoryFatal && outcome.Category != kernelerrors.CategoryPermanent
	}

	return &model.Handoff{
		Meta:   meta,
		Status: status,
		Summary: model.HandoffSummary{
			WhatIDid:   fmt.Sprintf("executed step %s via agent %s", step.StepID, step.AgentKey),
			WhatIFound: reason,
		},
		Routing: model.RoutingHint{Reason: reason, CanFurtherIterationHelp: canHelp},
	}, nil
}
