// Package model defines the kernel's persisted data model: runs, flows,
// steps, receipts, handoff envelopes, routing decisions, the scent trail,
// the degradation log, and circuit-breaker state. Every entity here is
// versioned JSON on disk; nothing in this package performs I/O itself.
package model

import "time"

// SchemaVersion is the current MAJOR.MINOR.PATCH schema version stamped on
// every persisted receipt and handoff. The ledger's readers do not check
// it: a receipt or handoff carrying another MAJOR is decoded like any other.
const SchemaVersion = "1.0.0"

// RunStatus is the terminal/non-terminal state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunEscalated RunStatus = "escalated"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Run is a top-level execution driven by the supervisor.
type Run struct {
	RunID          string    `json:"run_id"`
	Spec           RunSpec   `json:"spec"`
	CreatedAt      time.Time `json:"created_at"`
	BudgetUSDCap   float64   `json:"budget_usd_cap"`
	Status         RunStatus `json:"status"`
	ActiveFlow     string    `json:"active_flow"`
	CumulativeCost float64   `json:"cumulative_cost"`
	AbortReason    string    `json:"abort_reason,omitempty"`
}

// RunSpec is the input request that created a Run.
type RunSpec struct {
	Flows        []string `json:"flows"`
	Mode         string   `json:"mode"` // stub | cli | sdk
	BudgetUSD    float64  `json:"budget_usd"`
	InputSignal  string   `json:"input_signal,omitempty"`
}

// FlowStatus is the lifecycle state of one Flow instance within a run.
type FlowStatus string

const (
	FlowPending   FlowStatus = "pending"
	FlowRunning   FlowStatus = "running"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

// FlowDef is the declared, versioned definition of a flow: its goal, exit
// criteria, non-goals, and its graph of steps. FlowDefs are loaded once
// from YAML and are immutable for the lifetime of a run.
type FlowDef struct {
	FlowKey      string     `json:"flow_key" yaml:"flow_key"`
	Goal         string     `json:"goal" yaml:"goal"`
	ExitCriteria []string   `json:"exit_criteria" yaml:"exit_criteria"`
	NonGoals     []string   `json:"non_goals" yaml:"non_goals"`
	Steps        []StepDef  `json:"steps" yaml:"steps"`
}

// Flow is the run-scoped instance of a FlowDef.
type Flow struct {
	FlowKey     string     `json:"flow_key"`
	Status      FlowStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepTier classifies how strictly a step's failure must be treated.
type StepTier string

const (
	TierKernel     StepTier = "kernel"
	TierGovernance StepTier = "governance"
	TierOptional   StepTier = "optional"
)

// MicroloopDef declares that a step is paired with a partner step in an
// author/critic iteration loop.
type MicroloopDef struct {
	PartnerStepID string `json:"partner_step_id" yaml:"partner_step_id"`
	MaxIter       int    `json:"max_iter" yaml:"max_iter"`
}

// StepDef is a node in a flow graph, as declared in the flow's YAML source.
type StepDef struct {
	StepID          string        `json:"step_id" yaml:"step_id"`
	AgentKey        string        `json:"agent_key" yaml:"agent_key"`
	Tier            StepTier      `json:"tier" yaml:"tier"`
	TimeoutOverride time.Duration `json:"timeout_override,omitempty" yaml:"timeout_override,omitempty"`
	DependsOn       []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Writes          []string      `json:"writes,omitempty" yaml:"writes,omitempty"`
	Microloop       *MicroloopDef `json:"microloop,omitempty" yaml:"microloop,omitempty"`
	AcceptanceIDs   []string      `json:"ac_ids,omitempty" yaml:"ac_ids,omitempty"`

	// SkillCommand, when non-empty, makes this step a deterministic skill
	// invocation (argv) run by internal/skillrunner instead of a dispatch
	// to an agent backend.
	SkillCommand []string `json:"skill_command,omitempty" yaml:"skill_command,omitempty"`
}

// StepStatus is the terminal/non-terminal execution result of a step.
type StepStatus string

const (
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepInterrupted StepStatus = "interrupted"
	StepTimeout     StepStatus = "timeout"
)

// TokenUsage tracks prompt/completion/total token counts for one step call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Receipt is the immutable physics record of one step execution. Once
// committed, a Receipt is never rewritten; corrections are new entries
// elsewhere (the ledger enforces this, not this type).
type Receipt struct {
	SchemaVersion string        `json:"schema_version"`
	StepID        string        `json:"step_id"`
	AgentKey      string        `json:"agent_key"`
	FlowKey       string        `json:"flow_key"`
	RunID         string        `json:"run_id"`
	Engine        string        `json:"engine"`
	Mode          string        `json:"mode"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	DurationMS    int64         `json:"duration_ms"`
	Status        StepStatus    `json:"status"`
	Tokens        TokenUsage    `json:"tokens"`
	CostUSD       float64       `json:"cost_usd"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	CommitSHA     string        `json:"commit_sha,omitempty"`
	Evidence      []string      `json:"evidence,omitempty"`
	AcceptanceIDs []string      `json:"ac_ids,omitempty"`
	BudgetOverflow []string     `json:"budget_overflow,omitempty"`
	TimeoutEvent  string        `json:"timeout_event,omitempty"`
}

// HandoffStatus is the closed set of statuses a handoff's finding may
// declare. BLOCKED is reserved for literal missing inputs, environment
// failure, boundary violation, or a non-derivable human decision.
type HandoffStatus string

const (
	HandoffVerified   HandoffStatus = "VERIFIED"
	HandoffUnverified HandoffStatus = "UNVERIFIED"
	HandoffBlocked    HandoffStatus = "BLOCKED"
)

// Concern is one issue a critic step raised about an author step's output.
type Concern struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	Recommendation string `json:"recommendation"`
}

// RoutingHint is the recommendation a step attaches to its own handoff for
// the routing engine's fast-path to consume.
type RoutingHint struct {
	Recommendation          string `json:"recommendation"`
	CanFurtherIterationHelp bool   `json:"can_further_iteration_help"`
	Reason                  string `json:"reason"`
}

// HandoffSummary is the structured "what happened" section of a handoff.
type HandoffSummary struct {
	WhatIDid     string            `json:"what_i_did"`
	WhatIFound   string            `json:"what_i_found"`
	KeyDecisions []string          `json:"key_decisions,omitempty"`
	Evidence     map[string]string `json:"evidence,omitempty"`
}

// HandoffMeta identifies which step/agent/flow a handoff belongs to.
type HandoffMeta struct {
	StepID   string `json:"step_id"`
	AgentKey string `json:"agent_key"`
	FlowKey  string `json:"flow_key"`
}

// Handoff is the structured output of a step for downstream consumption.
// It never contains raw transcripts; those live in their own files
// referenced by path.
type Handoff struct {
	SchemaVersion string         `json:"schema_version"`
	Meta          HandoffMeta    `json:"meta"`
	Status        HandoffStatus  `json:"status"`
	Summary       HandoffSummary `json:"summary"`
	Concerns      []Concern      `json:"concerns,omitempty"`
	Assumptions   []string       `json:"assumptions,omitempty"`
	Routing       RoutingHint    `json:"routing"`
}

// Decision is the closed routing vocabulary. Any navigator output outside
// this set is mapped to Escalate before it is ever persisted.
type Decision string

const (
	DecisionContinue    Decision = "CONTINUE"
	DecisionLoop        Decision = "LOOP"
	DecisionDetour      Decision = "DETOUR"
	DecisionInjectFlow  Decision = "INJECT_FLOW"
	DecisionEscalate    Decision = "ESCALATE"
	DecisionTerminate   Decision = "TERMINATE"
)

// ValidDecisions is the closed vocabulary set, used to validate any raw
// navigator output before it is ever persisted or acted upon.
var ValidDecisions = map[Decision]bool{
	DecisionContinue:   true,
	DecisionLoop:       true,
	DecisionDetour:     true,
	DecisionInjectFlow: true,
	DecisionEscalate:   true,
	DecisionTerminate:  true,
}

// DecisionSource records which layer produced a routing decision.
type DecisionSource string

const (
	SourceFastPath  DecisionSource = "fast_path"
	SourceNavigator DecisionSource = "navigator"
	SourcePolicy    DecisionSource = "policy"
)

// RoutingDecision is one entry in a flow's routing decision stream.
type RoutingDecision struct {
	FromStep   string         `json:"from_step"`
	ToStep     string         `json:"to_step,omitempty"`
	Decision   Decision       `json:"decision"`
	Source     DecisionSource `json:"source"`
	Reason     string         `json:"reason"`
	InputsHash string         `json:"inputs_hash"`
	At         time.Time      `json:"at"`
}

// ScentEntry is one accumulated routing rationale in a run's scent trail.
// Read-only to downstream steps; it never retells reasoning to an agent.
type ScentEntry struct {
	Step       string    `json:"step"`
	Decision   Decision  `json:"decision"`
	Rationale  string    `json:"rationale"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// DegradationEntry is one non-fatal, non-kernel failure recorded for
// dashboards. It never drives routing.
type DegradationEntry struct {
	Step             string    `json:"step"`
	Description      string    `json:"description"`
	RemediationHint  string    `json:"remediation_hint"`
	At               time.Time `json:"at"`
}

// CircuitState is the closed state machine for one circuit-breaker target.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitSnapshot is the persisted view of one target's breaker state, used
// for read-only status projection; the live breaker keeps its own
// in-memory state (see internal/reliability).
type CircuitSnapshot struct {
	Target              string       `json:"target"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// Event is one record in a run's events.jsonl stream.
type Event struct {
	Kind string         `json:"kind"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	EventStepStart       = "step_start"
	EventStepFinalized   = "step_finalized"
	EventRouteDecision   = "route_decision"
	EventPause           = "pause"
	EventResume          = "resume"
	EventAbort           = "abort"
	EventTimeout         = "timeout_event"
	EventBoundaryIncident = "boundary_incident"
	EventDetourRun        = "detour_run"
)

// StepLogEntry is one forensic-log line recorded per step attempt, per
// §6.1: every transient retry leaves evidence of how many attempts it took
// and how long the backoff waited, independent of the committed receipt.
type StepLogEntry struct {
	StepID      string    `json:"step_id"`
	AgentKey    string    `json:"agent_key"`
	RetryCount  int       `json:"retry_count"`
	LastDelayMS int64     `json:"delay_ms"`
	Category    string    `json:"category,omitempty"`
	At          time.Time `json:"at"`
}
