package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

func sampleFlowDef() model.FlowDef {
	return model.FlowDef{
		FlowKey: "build",
		Steps: []model.StepDef{
			{StepID: "plan", AgentKey: "planner"},
			{StepID: "implement", AgentKey: "implementer", DependsOn: []string{"plan"}, Writes: []string{"src/"}},
			{StepID: "test", AgentKey: "tester", DependsOn: []string{"implement"}, Writes: []string{"test-report/"}},
		},
	}
}

func TestDAGRejectsCycles(t *testing.T) {
	def := model.FlowDef{
		FlowKey: "cyclic",
		Steps: []model.StepDef{
			{StepID: "a", DependsOn: []string{"b"}},
			{StepID: "b", DependsOn: []string{"a"}},
		},
	}
	_, err := NewDAG(def)
	require.Error(t, err)
}

func TestDAGRejectsUnknownDependency(t *testing.T) {
	def := model.FlowDef{
		FlowKey: "bad",
		Steps:   []model.StepDef{{StepID: "a", DependsOn: []string{"ghost"}}},
	}
	_, err := NewDAG(def)
	require.Error(t, err)
}

func TestDAGReadyNodesRespectDependencies(t *testing.T) {
	dag, err := NewDAG(sampleFlowDef())
	require.NoError(t, err)

	ready := dag.ReadyNodes()
	require.Equal(t, []string{"plan"}, ready)

	dag.MarkCompleted("plan")
	ready = dag.ReadyNodes()
	require.Equal(t, []string{"implement"}, ready)
}

func TestDAGFailureCascadesSkipToDependents(t *testing.T) {
	dag, err := NewDAG(sampleFlowDef())
	require.NoError(t, err)

	dag.MarkFailed("plan")
	require.Equal(t, NodeSkipped, dag.Node("implement").Status)
	require.Equal(t, NodeSkipped, dag.Node("test").Status)
	require.True(t, dag.IsComplete())
}

func TestDAGExecutionLevelsGroupsIndependentSteps(t *testing.T) {
	def := model.FlowDef{
		FlowKey: "fanout",
		Steps: []model.StepDef{
			{StepID: "root"},
			{StepID: "a", DependsOn: []string{"root"}},
			{StepID: "b", DependsOn: []string{"root"}},
			{StepID: "join", DependsOn: []string{"a", "b"}},
		},
	}
	dag, err := NewDAG(def)
	require.NoError(t, err)
	levels := dag.ExecutionLevels()
	require.Len(t, levels, 3)
	require.ElementsMatch(t, []string{"a", "b"}, levels[1])
}

func TestNewDAGExcludesMicroloopPartnerSteps(t *testing.T) {
	def := model.FlowDef{
		FlowKey: "loop",
		Steps: []model.StepDef{
			{StepID: "author", Microloop: &model.MicroloopDef{PartnerStepID: "critic", MaxIter: 3}},
			{StepID: "critic"},
		},
	}
	dag, err := NewDAG(def)
	require.NoError(t, err)
	require.NotNil(t, dag.Node("author"))
	require.Nil(t, dag.Node("critic"))
	require.Equal(t, []string{"author"}, dag.ReadyNodes())
}

func TestDAGMarkPendingMakesNodeReadyAgain(t *testing.T) {
	dag, err := NewDAG(sampleFlowDef())
	require.NoError(t, err)

	dag.MarkRunning("plan")
	require.Empty(t, dag.ReadyNodes())

	dag.MarkPending("plan")
	require.Equal(t, []string{"plan"}, dag.ReadyNodes())
}

func TestDAGDisjointWritesAllowParallelDispatch(t *testing.T) {
	def := model.FlowDef{
		FlowKey: "fanout",
		Steps: []model.StepDef{
			{StepID: "a", Writes: []string{"pkg/a"}},
			{StepID: "b", Writes: []string{"pkg/b"}},
			{StepID: "c", Writes: []string{"pkg/a"}},
		},
	}
	dag, err := NewDAG(def)
	require.NoError(t, err)
	require.True(t, dag.Disjoint("a", "b"))
	require.False(t, dag.Disjoint("a", "c"))
}
