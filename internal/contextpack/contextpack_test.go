package contextpack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackKeepsEverythingWithinBudget(t *testing.T) {
	items := []Item{
		{Name: "spec", Priority: PriorityCritical, Text: "the step spec"},
		{Name: "notes", Priority: PriorityLow, Text: "some notes"},
	}
	res := Pack(items, Budget{InChars: 1000})
	require.Empty(t, res.Dropped)
	require.Empty(t, res.Truncated)
	require.True(t, strings.Contains(res.Text, "the step spec"))
	require.True(t, strings.Contains(res.Text, "some notes"))
}

func TestPackDropsLowBeforeMedium(t *testing.T) {
	items := []Item{
		{Name: "critical", Priority: PriorityCritical, Text: strings.Repeat("c", 50)},
		{Name: "medium", Priority: PriorityMedium, Text: strings.Repeat("m", 50)},
		{Name: "low", Priority: PriorityLow, Text: strings.Repeat("l", 50)},
	}
	res := Pack(items, Budget{InChars: 80})

	require.Contains(t, res.Dropped, "low")
	require.NotContains(t, res.Dropped, "medium")
	require.True(t, strings.Contains(res.Text, "medium"))
}

func TestPackNeverDropsCritical(t *testing.T) {
	items := []Item{
		{Name: "critical", Priority: PriorityCritical, Text: strings.Repeat("c", 500)},
	}
	res := Pack(items, Budget{InChars: 10})
	require.Empty(t, res.Dropped)
	require.True(t, strings.Contains(res.Text, strings.Repeat("c", 500)))
}

func TestPackTruncatesHighWhenOverBudget(t *testing.T) {
	items := []Item{
		{Name: "critical", Priority: PriorityCritical, Text: strings.Repeat("c", 10)},
		{Name: "high", Priority: PriorityHigh, Text: strings.Repeat("h", 100)},
	}
	res := Pack(items, Budget{InChars: 20})
	require.Contains(t, res.Truncated, "high")
}

func TestRoleDefaultsKnownRoles(t *testing.T) {
	require.Equal(t, Budget{InChars: 120_000, OutChars: 40_000}, RoleDefaults("implementer"))
	require.Equal(t, Budget{InChars: 100_000, OutChars: 20_000}, RoleDefaults("critic"))
}

func TestRoleDefaultsUnknownRoleFallsBack(t *testing.T) {
	require.Equal(t, Budget{InChars: 80_000, OutChars: 20_000}, RoleDefaults("ghost"))
}

func TestPriorityStringValues(t *testing.T) {
	require.Equal(t, "critical", PriorityCritical.String())
	require.Equal(t, "low", PriorityLow.String())
}
