package boundary

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeKey is long enough to match the sk-ant- key-prefix pattern.
var fakeKey = "sk-ant-" + strings.Repeat("x", 24)

func TestScanDiffCatchesSecretPattern(t *testing.T) {
	diff := "+  client := NewClient(\"" + fakeKey + "\")"
	result := ScanDiff(diff)
	require.False(t, result.Clean)
	require.NotEmpty(t, result.Matches)
}

func TestScanDiffCleanOnOrdinaryCode(t *testing.T) {
	diff := "+ func add(a, b int) int { return a + b }"
	require.True(t, ScanDiff(diff).Clean)
}

func TestCheckEvidenceFreshnessRejectsStaleBinding(t *testing.T) {
	bindings := []EvidenceBinding{{Claim: "tests pass", Evidence: "evidence/tests.log", CommitSHA: "deadbeef"}}
	err := CheckEvidenceFreshness(bindings, "feedface")
	require.Error(t, err)
}

func TestGateBlocksSecretBeforeEvidenceCheck(t *testing.T) {
	g := NewGate()
	stale := []EvidenceBinding{{Claim: "tests pass", Evidence: "evidence/tests.log", CommitSHA: "stale"}}
	incident, err := g.Check(fakeKey, stale, "sha1", false, "", time.Now())
	require.Error(t, err)
	require.Equal(t, "secret_detected", incident.Reason)
}

func TestGateForcePushRequiresSandboxScope(t *testing.T) {
	g := NewGate("sandbox/feature-x")
	incident, err := g.Check("clean diff", nil, "sha1", true, "main", time.Now())
	require.Error(t, err)
	require.Equal(t, "force_push_forbidden", incident.Reason)

	incident, err = g.Check("clean diff", nil, "sha1", true, "sandbox/feature-x", time.Now())
	require.NoError(t, err)
	require.Nil(t, incident)
}

func TestRedactReplacesMatchInPlace(t *testing.T) {
	out := RedactString("token=" + fakeKey + " end")
	require.Contains(t, out, "[REDACTED]")
	require.NotContains(t, out, fakeKey)
}
