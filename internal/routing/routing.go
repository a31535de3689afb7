// Package routing implements component C8: choosing the next step from
// the closed decision vocabulary, via a deterministic fast-path first and
// a bounded-context navigator advisor second. Routing never consumes
// agent prose; only receipts, handoffs, and declared graph structure.
package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// ForensicPack is the small, prose-free bundle sent to the navigator: step,
// agent, last status, test/lint summary counts, diff shape, iteration
// count. It never includes raw transcripts or free text rationale.
type ForensicPack struct {
	StepID         string `json:"step_id"`
	AgentKey       string `json:"agent_key"`
	LastStatus     string `json:"last_status"`
	TestsPassed    int    `json:"tests_passed"`
	TestsFailed    int    `json:"tests_failed"`
	LintIssues     int    `json:"lint_issues"`
	DiffLinesAdded int    `json:"diff_lines_added"`
	DiffLinesDel   int    `json:"diff_lines_removed"`
	IterationCount int    `json:"iteration_count"`
}

func (p ForensicPack) hash() string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Navigator is the bounded advisor consulted only when no fast-path rule
// matches. Implementations MUST enforce their own <=30s timeout and
// deterministic temperature where the underlying model supports it; the
// routing engine additionally enforces the closed-vocabulary mapping
// regardless of what the navigator returns.
type Navigator interface {
	Advise(ctx context.Context, pack ForensicPack) (raw string, err error)
}

// DetourCatalogEntry maps a recognized failure signature to a remediation
// target, bounded by a default limit of attempts per step.
type DetourCatalogEntry struct {
	Signature string
	Target    string
	MaxAttempt int
}

// DetourCatalog is the table signature -> target skill/agent.
type DetourCatalog struct {
	entries map[string]DetourCatalogEntry
	attempts map[string]int // keyed by stepID+signature
}

// NewDetourCatalog builds a catalog from entries, each defaulting to the
// spec's limit of 2 attempts per detour per step when MaxAttempt is unset.
func NewDetourCatalog(entries ...DetourCatalogEntry) *DetourCatalog {
	m := make(map[string]DetourCatalogEntry, len(entries))
	for _, e := range entries {
		if e.MaxAttempt <= 0 {
			e.MaxAttempt = 2
		}
		m[e.Signature] = e
	}
	return &DetourCatalog{entries: m, attempts: make(map[string]int)}
}

// Lookup returns the detour target for signature and whether the attempt
// budget for (stepID, signature) is still available.
func (c *DetourCatalog) Lookup(stepID, signature string) (target string, ok bool, withinLimit bool) {
	entry, found := c.entries[signature]
	if !found {
		return "", false, false
	}
	key := stepID + "::" + signature
	return entry.Target, true, c.attempts[key] < entry.MaxAttempt
}

// RecordAttempt increments the attempt counter for (stepID, signature).
func (c *DetourCatalog) RecordAttempt(stepID, signature string) {
	key := stepID + "::" + signature
	c.attempts[key]++
}

// Input is everything the fast-path rules need to evaluate one routing
// decision for a step.
type Input struct {
	StepID              string
	Handoff             *model.Handoff
	InMicroloop         bool
	IterationCount      int
	MaxIter             int
	FailureSignature    string
	SameSignatureCount  int // how many times this signature has recurred for this step
	RebaseNeeded        bool
	Forensics           ForensicPack

	// MicroloopExitReason, when set, is the microloop controller's own
	// exit reason for a step that just finished author/critic iteration.
	// It lets the fast-path resolve the two exits the controller can
	// reach on its own (no further iteration help possible, or the
	// iteration budget ran out) without guessing from handoff fields
	// alone.
	MicroloopExitReason string
}

// Engine evaluates the fast-path first, falls back to the navigator, and
// always emits a decision from the closed vocabulary.
type Engine struct {
	catalog   *DetourCatalog
	navigator Navigator
	clock     func() time.Time
}

// NewEngine builds a routing engine. navigator may be nil, in which case
// any input that does not match a fast-path rule escalates immediately
// (never guess).
func NewEngine(catalog *DetourCatalog, navigator Navigator) *Engine {
	if catalog == nil {
		catalog = NewDetourCatalog()
	}
	return &Engine{catalog: catalog, navigator: navigator, clock: time.Now}
}

// Decide produces one routing decision, already stamped with source,
// inputs_hash, and reason, ready for the ledger.
func (e *Engine) Decide(ctx context.Context, in Input) model.RoutingDecision {
	if dec, ok := e.fastPath(in); ok {
		dec.At = e.clock()
		dec.InputsHash = in.Forensics.hash()
		return dec
	}

	if e.navigator == nil {
		return e.escalate(in, "no_fast_path_and_no_navigator", model.SourcePolicy)
	}

	raw, err := e.navigator.Advise(ctx, in.Forensics)
	if err != nil {
		return e.escalate(in, "navigator_call_failed", model.SourceNavigator)
	}
	decision := model.Decision(raw)
	if !model.ValidDecisions[decision] {
		return e.escalate(in, "navigator_output_out_of_vocabulary", model.SourceNavigator)
	}
	return model.RoutingDecision{
		FromStep:   in.StepID,
		Decision:   decision,
		Source:     model.SourceNavigator,
		Reason:     "navigator_advised",
		InputsHash: in.Forensics.hash(),
		At:         e.clock(),
	}
}

// fastPath evaluates the deterministic rules in priority order, per §4.8.
func (e *Engine) fastPath(in Input) (model.RoutingDecision, bool) {
	if in.Handoff == nil {
		return model.RoutingDecision{}, false
	}

	if in.Handoff.Status == model.HandoffBlocked {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionEscalate, Source: model.SourceFastPath, Reason: "handoff_blocked"}, true
	}

	if in.RebaseNeeded {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionInjectFlow, Source: model.SourceFastPath, Reason: "rebase_needed"}, true
	}

	if in.FailureSignature != "" {
		if target, found, withinLimit := e.catalog.Lookup(in.StepID, in.FailureSignature); found {
			if withinLimit {
				e.catalog.RecordAttempt(in.StepID, in.FailureSignature)
				return model.RoutingDecision{FromStep: in.StepID, ToStep: target, Decision: model.DecisionDetour, Source: model.SourceFastPath, Reason: "recognized_detour_signature:" + in.FailureSignature}, true
			}
			return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionEscalate, Source: model.SourceFastPath, Reason: "detour_attempts_exhausted:" + in.FailureSignature}, true
		}
		if in.SameSignatureCount >= 2 {
			return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionEscalate, Source: model.SourceFastPath, Reason: "unrecognized_recurring_signature:" + in.FailureSignature}, true
		}
	}

	if in.InMicroloop && in.Handoff.Routing.CanFurtherIterationHelp && in.IterationCount < in.MaxIter {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionLoop, Source: model.SourceFastPath, Reason: "microloop_iteration_may_help"}, true
	}

	if in.MicroloopExitReason == "no_further_iteration_help" {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionContinue, Source: model.SourceFastPath, Reason: "no_viable_fix_path"}, true
	}

	if in.MicroloopExitReason == "max_iter_reached" {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionEscalate, Source: model.SourceFastPath, Reason: "max_iter_reached"}, true
	}

	if in.Handoff.Status == model.HandoffVerified {
		return model.RoutingDecision{FromStep: in.StepID, Decision: model.DecisionContinue, Source: model.SourceFastPath, Reason: "verified"}, true
	}

	return model.RoutingDecision{}, false
}

func (e *Engine) escalate(in Input, reason string, source model.DecisionSource) model.RoutingDecision {
	return model.RoutingDecision{
		FromStep:   in.StepID,
		Decision:   model.DecisionEscalate,
		Source:     source,
		Reason:     reason,
		InputsHash: in.Forensics.hash(),
		At:         e.clock(),
	}
}
