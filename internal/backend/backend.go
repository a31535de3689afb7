// Package backend implements component C3: the capability contract the
// kernel speaks to an agent runtime through. Backends are black boxes;
// the kernel subsumes missing capabilities transparently rather than
// branching on which backend is in play.
package backend

import (
	"context"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// Capability is one optional feature a Backend may or may not support.
type Capability string

const (
	CapStructuredOutput Capability = "structured_output"
	CapHooks            Capability = "hooks"
	CapStreaming        Capability = "streaming"
	CapHotContext       Capability = "hot_context"
)

// CapabilitySet is the small structured descriptor a Backend advertises.
type CapabilitySet map[Capability]bool

// Has reports whether the set advertises a capability.
func (c CapabilitySet) Has(cap Capability) bool { return c[cap] }

// PromptPack is the bounded input assembled for a step by the Context
// Packer (C5); the Backend Adapter treats it as opaque text plus an
// optional schema hint.
type PromptPack struct {
	Text           string
	SchemaHint     string // present only when CapStructuredOutput is absent
	BudgetOverflow []string
}

// StepResult is what one Execute call reports back.
type StepResult struct {
	Status           model.StepStatus
	OutputTextPath   string
	StructuredOutput map[string]any
	Tokens           model.TokenUsage
	CostUSD          float64
	ExitCode         *int
	RawError         error
}

// Backend is the capability contract the kernel speaks to an agent
// runtime through. Execute MUST be cancellable on deadline.
type Backend interface {
	Capabilities() CapabilitySet
	Execute(ctx context.Context, stepSpec model.StepDef, pack PromptPack, deadline time.Time) (StepResult, error)
}

// StubBackend is a deterministic, zero-cost backend used for stub-mode
// runs and tests (the spec's S1 "clean run" scenario: backend=stub,
// every step returns VERIFIED with zero cost).
type StubBackend struct {
	// Scripted, if set, returns a canned result for a given step ID
	// instead of the default always-VERIFIED behavior; used to script
	// specific scenarios (S2 transient retry, S3 loop exit, ...) in tests.
	Scripted map[string]func(attempt int) (StepResult, error)
	attempts map[string]int
}

// NewStubBackend builds a StubBackend with no scripted overrides.
func NewStubBackend() *StubBackend {
	return &StubBackend{Scripted: make(map[string]func(attempt int) (StepResult, error)), attempts: make(map[string]int)}
}

func (s *StubBackend) Capabilities() CapabilitySet {
	return CapabilitySet{CapStructuredOutput: true, CapHooks: false, CapStreaming: false, CapHotContext: true}
}

func (s *StubBackend) Execute(ctx context.Context, stepSpec model.StepDef, pack PromptPack, deadline time.Time) (StepResult, error) {
	select {
	case <-ctx.Done():
		return StepResult{Status: model.StepInterrupted, RawError: ctx.Err()}, ctx.Err()
	default:
	}

	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[stepSpec.StepID]++

	if fn, ok := s.Scripted[stepSpec.StepID]; ok {
		return fn(s.attempts[stepSpec.StepID])
	}

	return StepResult{
		Status:  model.StepSucceeded,
		Tokens:  model.TokenUsage{},
		CostUSD: 0,
	}, nil
}

var _ Backend = (*StubBackend)(nil)
