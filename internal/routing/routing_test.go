package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

func TestFastPathEscalatesOnBlocked(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{
		StepID:  "s1",
		Handoff: &model.Handoff{Status: model.HandoffBlocked},
	})
	require.Equal(t, model.DecisionEscalate, dec.Decision)
	require.Equal(t, model.SourceFastPath, dec.Source)
}

func TestFastPathContinuesOnVerified(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{
		StepID:  "s1",
		Handoff: &model.Handoff{Status: model.HandoffVerified},
	})
	require.Equal(t, model.DecisionContinue, dec.Decision)
}

func TestFastPathLoopsWithinMicroloop(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{
		StepID:      "s1",
		InMicroloop: true,
		IterationCount: 1,
		MaxIter:        3,
		Handoff: &model.Handoff{
			Status:  model.HandoffUnverified,
			Routing: model.RoutingHint{CanFurtherIterationHelp: true},
		},
	})
	require.Equal(t, model.DecisionLoop, dec.Decision)
}

func TestMicroloopExitNoFurtherHelpContinues(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{
		StepID:              "s1",
		MicroloopExitReason: "no_further_iteration_help",
		Handoff:             &model.Handoff{Status: model.HandoffUnverified},
	})
	require.Equal(t, model.DecisionContinue, dec.Decision)
	require.Equal(t, "no_viable_fix_path", dec.Reason)
}

func TestMicroloopExitMaxIterEscalates(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{
		StepID:              "s1",
		MicroloopExitReason: "max_iter_reached",
		Handoff:             &model.Handoff{Status: model.HandoffUnverified},
	})
	require.Equal(t, model.DecisionEscalate, dec.Decision)
	require.Equal(t, "max_iter_reached", dec.Reason)
}

func TestDetourCatalogExhaustionEscalates(t *testing.T) {
	catalog := NewDetourCatalog(DetourCatalogEntry{Signature: "lint:unused-var", Target: "auto-linter", MaxAttempt: 1})
	e := NewEngine(catalog, nil)

	in := Input{StepID: "implement", FailureSignature: "lint:unused-var", Handoff: &model.Handoff{Status: model.HandoffUnverified}}
	dec1 := e.Decide(context.Background(), in)
	require.Equal(t, model.DecisionDetour, dec1.Decision)
	require.Equal(t, "auto-linter", dec1.ToStep)

	dec2 := e.Decide(context.Background(), in)
	require.Equal(t, model.DecisionEscalate, dec2.Decision)
}

func TestUnrecognizedRecurringSignatureEscalates(t *testing.T) {
	e := NewEngine(nil, nil)
	in := Input{StepID: "implement", FailureSignature: "weird-one-off", SameSignatureCount: 2, Handoff: &model.Handoff{Status: model.HandoffUnverified}}
	dec := e.Decide(context.Background(), in)
	require.Equal(t, model.DecisionEscalate, dec.Decision)
}

type stubNavigator struct {
	response string
	err      error
}

func (s stubNavigator) Advise(ctx context.Context, pack ForensicPack) (string, error) {
	return s.response, s.err
}

func TestNavigatorOutOfVocabularyBecomesEscalate(t *testing.T) {
	e := NewEngine(nil, stubNavigator{response: "MAYBE_CONTINUE"})
	dec := e.Decide(context.Background(), Input{StepID: "s1", Handoff: &model.Handoff{Status: model.HandoffUnverified}})
	require.Equal(t, model.DecisionEscalate, dec.Decision)
	require.Equal(t, model.SourceNavigator, dec.Source)
}

func TestNavigatorValidDecisionPassesThrough(t *testing.T) {
	e := NewEngine(nil, stubNavigator{response: "CONTINUE"})
	dec := e.Decide(context.Background(), Input{StepID: "s1", Handoff: &model.Handoff{Status: model.HandoffUnverified}})
	require.Equal(t, model.DecisionContinue, dec.Decision)
}

func TestNavigatorErrorEscalates(t *testing.T) {
	e := NewEngine(nil, stubNavigator{err: errors.New("timeout")})
	dec := e.Decide(context.Background(), Input{StepID: "s1", Handoff: &model.Handoff{Status: model.HandoffUnverified}})
	require.Equal(t, model.DecisionEscalate, dec.Decision)
}

func TestNoNavigatorEscalatesRatherThanGuessing(t *testing.T) {
	e := NewEngine(nil, nil)
	dec := e.Decide(context.Background(), Input{StepID: "s1", Handoff: &model.Handoff{Status: model.HandoffUnverified}})
	require.Equal(t, model.DecisionEscalate, dec.Decision)
}
