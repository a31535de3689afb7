// Package boundary implements component C12: the pre-publish gate that
// scans for secrets, verifies evidence freshness against the current
// commit, and enforces the force-push sandbox policy before any external
// mutation.
package boundary

import (
	"fmt"
	"regexp"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// secretPatterns is the closed pattern set: key prefixes, private-key
// headers, connection strings with embedded credentials. It is
// deliberately small and literal — the gate never tries to be clever
// about what a secret looks like.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`(?i)(postgres|mysql|mongodb(\+srv)?)://[^:\s]+:[^@\s]+@`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
}

const redactedPlaceholder = "[REDACTED]"

// Redact replaces every secret-pattern match in data with a fixed
// placeholder. Applied to all persisted strings before they reach disk.
func Redact(data []byte) []byte {
	out := data
	for _, p := range secretPatterns {
		out = p.ReplaceAll(out, []byte(redactedPlaceholder))
	}
	return out
}

// RedactString is the string convenience form of Redact.
func RedactString(s string) string {
	return string(Redact([]byte(s)))
}

// ScanResult is the outcome of a secret scan over a diff.
type ScanResult struct {
	Clean   bool
	Matches []string // which pattern names matched, for the incident record
}

// ScanDiff scans a proposed diff for secret patterns. Any match blocks
// publication; this function never attempts partial redaction of the diff
// itself, since the diff must either be safe to publish whole or not at
// all.
func ScanDiff(diff string) ScanResult {
	result := ScanResult{Clean: true}
	for i, p := range secretPatterns {
		if p.MatchString(diff) {
			result.Clean = false
			result.Matches = append(result.Matches, fmt.Sprintf("pattern-%d", i))
		}
	}
	return result
}

// EvidenceBinding is one claim's evidence path and the commit SHA it was
// captured against.
type EvidenceBinding struct {
	Claim     string
	Evidence  string
	CommitSHA string
}

// CheckEvidenceFreshness verifies every binding's CommitSHA matches the
// current commit; any mismatch is stale evidence and blocks publication.
func CheckEvidenceFreshness(bindings []EvidenceBinding, currentCommitSHA string) error {
	for _, b := range bindings {
		if b.CommitSHA != currentCommitSHA {
			return kernelerrors.Newf("boundary.CheckEvidenceFreshness", kernelerrors.CategoryFatal, "",
				"evidence for claim %q bound to stale commit %s, current is %s", b.Claim, b.CommitSHA, currentCommitSHA)
		}
	}
	return nil
}

// ForcePushPolicy enforces that a force-push is never attempted outside an
// explicitly declared sandbox scope.
type ForcePushPolicy struct {
	SandboxScopes map[string]bool
}

// Allow reports whether a force-push to scope is permitted.
func (p ForcePushPolicy) Allow(scope string) bool {
	return p.SandboxScopes[scope]
}

// Gate runs the full pre-publish check sequence. A failure at any stage is
// fatal and carries the incident details the supervisor needs to
// transition the run to escalated with preserved state.
type Gate struct {
	ForcePush ForcePushPolicy
}

// NewGate builds a Gate with the given sandbox scopes permitted to force-push.
func NewGate(sandboxScopes ...string) *Gate {
	scopes := make(map[string]bool, len(sandboxScopes))
	for _, s := range sandboxScopes {
		scopes[s] = true
	}
	return &Gate{ForcePush: ForcePushPolicy{SandboxScopes: scopes}}
}

// Incident is the state snapshot recorded under <flow>/forensics/<incident>/
// when the gate blocks a publish.
type Incident struct {
	Reason       string
	Diff         string
	Bindings     []EvidenceBinding
	ForcePush    bool
	ForceScope   string
	At           time.Time
}

// Check runs secret scan, evidence freshness, and force-push policy in
// order, short-circuiting on the first violation. Returns (nil, nil) when
// the diff is clear to publish, or (*Incident, error) describing the
// violation.
func (g *Gate) Check(diff string, bindings []EvidenceBinding, currentCommitSHA string, forcePush bool, forceScope string, now time.Time) (*Incident, error) {
	if scan := ScanDiff(diff); !scan.Clean {
		return &Incident{Reason: "secret_detected", Diff: RedactString(diff), At: now},
			kernelerrors.New("boundary.Check", kernelerrors.CategoryFatal, "", kernelerrors.ErrSecretDetected)
	}

	if err := CheckEvidenceFreshness(bindings, currentCommitSHA); err != nil {
		return &Incident{Reason: "evidence_stale", Bindings: bindings, At: now},
			kernelerrors.New("boundary.Check", kernelerrors.CategoryFatal, "", kernelerrors.ErrEvidenceStale)
	}

	if forcePush && !g.ForcePush.Allow(forceScope) {
		return &Incident{Reason: "force_push_forbidden", ForcePush: true, ForceScope: forceScope, At: now},
			kernelerrors.New("boundary.Check", kernelerrors.CategoryFatal, "", kernelerrors.ErrBoundaryViolation)
	}

	return nil, nil
}

// RedactHandoff returns a copy of h with every string field passed through
// Redact, so a handoff can never leak a secret even if an upstream agent
// echoed one back verbatim.
func RedactHandoff(h model.Handoff) model.Handoff {
	h.Summary.WhatIDid = RedactString(h.Summary.WhatIDid)
	h.Summary.WhatIFound = RedactString(h.Summary.WhatIFound)
	for i, d := range h.Summary.KeyDecisions {
		h.Summary.KeyDecisions[i] = RedactString(d)
	}
	for i, c := range h.Concerns {
		h.Concerns[i].Description = RedactString(c.Description)
		h.Concerns[i].Recommendation = RedactString(c.Recommendation)
	}
	for i, a := range h.Assumptions {
		h.Assumptions[i] = RedactString(a)
	}
	return h
}
