// Package microloop implements component C9: bounded author/critic
// iteration within a single step, delegating the actual next-action
// decision to the routing engine (C8) rather than re-implementing routing
// logic here.
package microloop

import "github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"

// Phase is one stage of the per-iteration state machine:
// WORK(author) -> FINALIZE_HANDOFF -> ROUTE -> loop/exit.
type Phase string

const (
	PhaseWork             Phase = "WORK"
	PhaseFinalizeHandoff  Phase = "FINALIZE_HANDOFF"
	PhaseRoute            Phase = "ROUTE"
)

// ExitReason names which of the four exit conditions fired.
type ExitReason string

const (
	ExitCriticVerified       ExitReason = "critic_verified"
	ExitNoFurtherHelp        ExitReason = "no_further_iteration_help"
	ExitMaxIterReached       ExitReason = "max_iter_reached"
	ExitRepeatedSignature    ExitReason = "repeated_failure_signature"
	ExitNotYet               ExitReason = ""
)

// DefaultMaxIter is the spec's default (3; 5 for code steps).
const DefaultMaxIter = 3

// CodeMaxIter is the spec's override for code-producing microloops.
const CodeMaxIter = 5

// State is the compact loop state carried between iterations: no raw
// prose ever crosses this boundary, only iteration count, failure
// signatures seen, and the last status.
type State struct {
	Iter       int
	Signatures []string
	LastStatus model.HandoffStatus
}

// Observe records one iteration's outcome and evaluates exit conditions in
// priority order. It returns the updated state and, if an exit condition
// fired, the reason; the caller (the scheduler) is responsible for
// invoking the routing engine once an exit fires, since routing decisions
// themselves are C8's responsibility, not this package's.
func Observe(state State, maxIter int, criticHandoff *model.Handoff, failureSignature string) (State, ExitReason) {
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}
	state.Iter++
	state.LastStatus = criticHandoff.Status

	if criticHandoff.Status == model.HandoffVerified {
		return state, ExitCriticVerified
	}

	if !criticHandoff.Routing.CanFurtherIterationHelp {
		return state, ExitNoFurtherHelp
	}

	if failureSignature != "" {
		count := 0
		for _, s := range state.Signatures {
			if s == failureSignature {
				count++
			}
		}
		state.Signatures = append(state.Signatures, failureSignature)
		if count+1 >= 2 {
			return state, ExitRepeatedSignature
		}
	}

	if state.Iter >= maxIter {
		return state, ExitMaxIterReached
	}

	return state, ExitNotYet
}

// MinimalHandoff builds the "minimal" envelope the spec requires between
// author and critic iterations: one concern, target under 500 tokens
// (approximated here as under 2000 characters, the same 4-chars-per-token
// proxy internal/contextpack uses), plus the routing hint.
func MinimalHandoff(meta model.HandoffMeta, status model.HandoffStatus, concern model.Concern, hint model.RoutingHint) model.Handoff {
	const maxChars = 500 * 4
	if len(concern.Description) > maxChars {
		concern.Description = concern.Description[:maxChars]
	}
	return model.Handoff{
		Meta:     meta,
		Status:   status,
		Concerns: []model.Concern{concern},
		Routing:  hint,
	}
}
