package microloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

func handoff(status model.HandoffStatus, canHelp bool) *model.Handoff {
	return &model.Handoff{
		Status:  status,
		Routing: model.RoutingHint{CanFurtherIterationHelp: canHelp},
	}
}

func TestObserveExitsOnVerified(t *testing.T) {
	state, reason := Observe(State{}, DefaultMaxIter, handoff(model.HandoffVerified, true), "")
	require.Equal(t, ExitCriticVerified, reason)
	require.Equal(t, 1, state.Iter)
}

func TestObserveExitsWhenNoFurtherHelpPossible(t *testing.T) {
	_, reason := Observe(State{}, DefaultMaxIter, handoff(model.HandoffUnverified, false), "")
	require.Equal(t, ExitNoFurtherHelp, reason)
}

func TestObserveExitsOnRepeatedFailureSignature(t *testing.T) {
	state := State{}
	state, reason := Observe(state, 10, handoff(model.HandoffUnverified, true), "sig-a")
	require.Equal(t, ExitNotYet, reason)

	_, reason = Observe(state, 10, handoff(model.HandoffUnverified, true), "sig-a")
	require.Equal(t, ExitRepeatedSignature, reason)
}

func TestObserveExitsOnMaxIterReached(t *testing.T) {
	state := State{}
	var reason ExitReason
	for i := 0; i < DefaultMaxIter; i++ {
		state, reason = Observe(state, DefaultMaxIter, handoff(model.HandoffUnverified, true), "")
	}
	require.Equal(t, ExitMaxIterReached, reason)
	require.Equal(t, DefaultMaxIter, state.Iter)
}

func TestObserveDefaultsMaxIterWhenNonPositive(t *testing.T) {
	state := State{}
	for i := 0; i < DefaultMaxIter-1; i++ {
		state, _ = Observe(state, 0, handoff(model.HandoffUnverified, true), "")
	}
	_, reason := Observe(state, 0, handoff(model.HandoffUnverified, true), "")
	require.Equal(t, ExitMaxIterReached, reason)
}

func TestMinimalHandoffTruncatesLongConcern(t *testing.T) {
	meta := model.HandoffMeta{StepID: "s1", AgentKey: "implementer", FlowKey: "build"}
	concern := model.Concern{Description: strings.Repeat("x", 3000)}
	h := MinimalHandoff(meta, model.HandoffUnverified, concern, model.RoutingHint{})
	require.Len(t, h.Concerns, 1)
	require.LessOrEqual(t, len(h.Concerns[0].Description), 2000)
}

func TestMinimalHandoffKeepsShortConcernIntact(t *testing.T) {
	meta := model.HandoffMeta{StepID: "s1"}
	concern := model.Concern{Description: "short"}
	h := MinimalHandoff(meta, model.HandoffVerified, concern, model.RoutingHint{})
	require.Equal(t, "short", h.Concerns[0].Description)
	require.Equal(t, model.HandoffVerified, h.Status)
}
