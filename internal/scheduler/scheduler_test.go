package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/backend"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/boundary"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/clock"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/ledger"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/reliability"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/routing"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/skillrunner"
)

func newTestScheduler(t *testing.T, stub *backend.StubBackend) (*Scheduler, ledger.Ledger) {
	sched, l, _ := newTestSchedulerWithDir(t, stub)
	return sched, l
}

func newTestSchedulerWithDir(t *testing.T, stub *backend.StubBackend) (*Scheduler, ledger.Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.NewFileLedger(dir)
	require.NoError(t, err)

	sched := New(Scheduler{
		Ledger:      l,
		Backend:     stub,
		Reliability: reliability.NewEngine(reliability.DefaultCircuitBreakerConfig("backend"), 2),
		Routing:     routing.NewEngine(nil, nil),
		Budget:      clock.NewBudget(30),
		Clock:       clock.RealClock{},
		Cascade:     reliability.DefaultCascade(),
	})
	return sched, l, dir
}

func TestRunFlowCleanRunCommitsOneReceiptPerStep(t *testing.T) {
	stub := backend.NewStubBackend()
	sched, l := newTestScheduler(t, stub)

	def := sampleFlowDef()
	status, decision, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.NoError(t, err)
	require.Equal(t, model.FlowCompleted, status)
	require.Nil(t, decision)

	receipts, err := l.ListReceipts("run-1", "build")
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	for _, r := range receipts {
		require.Equal(t, model.StepSucceeded, r.Status)
		require.Equal(t, 0.0, r.CostUSD)
	}
}

func TestRunFlowBudgetAbortDiscardsOverCapStep(t *testing.T) {
	stub := backend.NewStubBackend()
	stub.Scripted["implement"] = func(attempt int) (backend.StepResult, error) {
		return backend.StepResult{Status: model.StepSucceeded, CostUSD: 999}, nil
	}
	sched, l := newTestScheduler(t, stub)
	sched.Budget = clock.NewBudget(1)

	def := sampleFlowDef()
	_, _, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.Error(t, err)

	_, err = l.ReadReceipt("run-1", "build", "implement", "implementer")
	require.Error(t, err)
}

// TestRunFlowRecordsStepLogOnTransientRetry exercises S2: a transient
// failure that succeeds on retry must leave a <flow>/logs/<step_id>.jsonl
// entry recording the retry count, even though the committed receipt only
// ever reflects the final succeeded attempt.
func TestRunFlowRecordsStepLogOnTransientRetry(t *testing.T) {
	stub := backend.NewStubBackend()
	stub.Scripted["test"] = func(attempt int) (backend.StepResult, error) {
		if attempt == 1 {
			return backend.StepResult{Status: model.StepFailed}, errors.New("agent timeout contacting backend")
		}
		return backend.StepResult{Status: model.StepSucceeded}, nil
	}
	sched, _, dir := newTestSchedulerWithDir(t, stub)

	def := sampleFlowDef()
	status, _, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.NoError(t, err)
	require.Equal(t, model.FlowCompleted, status)

	logPath := filepath.Join(dir, "run-1", "build", "logs", "test.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var entry model.StepLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	require.Equal(t, 1, entry.RetryCount)
}

// TestRunMicroloopStepExitsOnCriticVerified exercises S3: the microloop
// iterates while the critic finds something fixable, then exits cleanly
// once the critic verifies, committing exactly one author receipt.
func TestRunMicroloopStepExitsOnCriticVerified(t *testing.T) {
	stub := backend.NewStubBackend()
	sched, l := newTestScheduler(t, stub)

	criticCalls := 0
	sched.Extract = func(result backend.StepResult, meta model.HandoffMeta) (*model.Handoff, error) {
		if meta.StepID != "critic" {
			return nil, errors.New("no override")
		}
		criticCalls++
		if criticCalls < 2 {
			return &model.Handoff{
				Meta:   meta,
				Status: model.HandoffUnverified,
				Routing: model.RoutingHint{CanFurtherIterationHelp: true},
			}, nil
		}
		return &model.Handoff{Meta: meta, Status: model.HandoffVerified}, nil
	}

	def := model.FlowDef{
		FlowKey: "loop",
		Steps: []model.StepDef{
			{StepID: "author", AgentKey: "coder", Microloop: &model.MicroloopDef{PartnerStepID: "critic", MaxIter: 3}},
			{StepID: "critic", AgentKey: "reviewer"},
		},
	}

	status, decision, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.NoError(t, err)
	require.Equal(t, model.FlowCompleted, status)
	require.Nil(t, decision)
	require.Equal(t, 2, criticCalls)

	receipts, err := l.ListReceipts("run-1", "loop")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, "author", receipts[0].StepID)
}

// TestRunMicroloopStepDetoursOnRepeatedSignature exercises S4: a
// repeatedly-recognized critic failure signature fires a DETOUR, the
// remediation skill runs, and the author step is retried and resolves.
func TestRunMicroloopStepDetoursOnRepeatedSignature(t *testing.T) {
	stub := backend.NewStubBackend()
	sched, l := newTestScheduler(t, stub)

	catalog := routing.NewDetourCatalog(routing.DetourCatalogEntry{
		Signature: "style:main.go:10", Target: "auto-linter", MaxAttempt: 2,
	})
	sched.Routing = routing.NewEngine(catalog, nil)
	sched.Skills = skillrunner.NewRunner(t.TempDir())
	sched.DetourSkills = map[string]skillrunner.Skill{
		"auto-linter": {Name: "auto-linter", Command: []string{"sh", "-c", "exit 0"}},
	}

	criticCalls := 0
	sched.Extract = func(result backend.StepResult, meta model.HandoffMeta) (*model.Handoff, error) {
		if meta.StepID != "critic" {
			return nil, errors.New("no override")
		}
		criticCalls++
		if criticCalls < 3 {
			return &model.Handoff{
				Meta:     meta,
				Status:   model.HandoffUnverified,
				Concerns: []model.Concern{{Severity: "style", Location: "main.go:10"}},
				Routing:  model.RoutingHint{CanFurtherIterationHelp: true},
			}, nil
		}
		return &model.Handoff{Meta: meta, Status: model.HandoffVerified}, nil
	}

	def := model.FlowDef{
		FlowKey: "loop",
		Steps: []model.StepDef{
			{StepID: "author", AgentKey: "coder", Microloop: &model.MicroloopDef{PartnerStepID: "critic", MaxIter: 3}},
			{StepID: "critic", AgentKey: "reviewer"},
		},
	}

	status, decision, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.NoError(t, err)
	require.Equal(t, model.FlowCompleted, status)
	require.Nil(t, decision)
	require.Equal(t, 3, criticCalls)

	events, err := l.ReadEvents("run-1")
	require.NoError(t, err)
	var sawDetour bool
	for _, e := range events {
		if e.Kind == model.EventDetourRun {
			sawDetour = true
		}
	}
	require.True(t, sawDetour)
}

// TestRunStepGovernanceBoundaryIncidentEscalates exercises S6: a
// governance-tier step publishing a diff containing a secret is escalated
// and its Incident is persisted under forensics/.
func TestRunStepGovernanceBoundaryIncidentEscalates(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.NewFileLedger(dir)
	require.NoError(t, err)

	stub := backend.NewStubBackend()
	stub.Scripted["publish"] = func(attempt int) (backend.StepResult, error) {
		return backend.StepResult{
			Status: model.StepSucceeded,
			StructuredOutput: map[string]any{
				"diff": "API_KEY=sk-ant-" + strings.Repeat("a", 24),
			},
		}, nil
	}

	sched := New(Scheduler{
		Ledger:      l,
		Backend:     stub,
		Boundary:    boundary.NewGate(),
		Reliability: reliability.NewEngine(reliability.DefaultCircuitBreakerConfig("backend"), 2),
		Routing:     routing.NewEngine(nil, nil),
		Budget:      clock.NewBudget(30),
		Clock:       clock.RealClock{},
		Cascade:     reliability.DefaultCascade(),
	})

	def := model.FlowDef{
		FlowKey: "gov",
		Steps:   []model.StepDef{{StepID: "publish", AgentKey: "publisher", Tier: model.TierGovernance}},
	}

	status, decision, err := sched.RunFlow(context.Background(), "run-1", def, "")
	require.NoError(t, err)
	require.Equal(t, model.FlowFailed, status)
	require.NotNil(t, decision)
	require.Equal(t, model.DecisionEscalate, decision.Decision)
	require.True(t, strings.HasPrefix(decision.Reason, "boundary_incident:"))

	matches, err := filepath.Glob(filepath.Join(dir, "run-1", "gov", "forensics", "*", "snapshot.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
