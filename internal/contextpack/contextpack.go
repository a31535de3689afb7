// Package contextpack implements component C5: assembling a step's bounded
// input under a hard character budget, by priority, with a deterministic
// drop order.
package contextpack

// Priority classes, listed from last dropped to first dropped: LOW drops
// first. CRITICAL is never dropped.
type Priority int

const (
	PriorityCritical Priority = iota // never dropped
	PriorityHigh                     // truncated if needed
	PriorityMedium                   // loaded on demand
	PriorityLow                      // dropped first
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Item is one candidate piece of context: teaching notes, the current
// step spec, a prior handoff, a referenced artifact, a scent trail
// excerpt, and so on.
type Item struct {
	Name     string
	Priority Priority
	Text     string
}

// Budget is a role's per-step input/output character budget. The spec
// speaks of tokens; this package works in characters as a conservative
// proxy (roughly 4 characters per token), which keeps the packer
// dependency-free and deterministic without a tokenizer.
type Budget struct {
	InChars  int
	OutChars int
}

// RoleDefaults mirrors the spec's per-role defaults (in tokens, converted
// to the 4-chars-per-token proxy budget here): implementer 30k in / 10k
// out, critic 25k/5k, navigator small.
func RoleDefaults(role string) Budget {
	switch role {
	case "implementer":
		return Budget{InChars: 30_000 * 4, OutChars: 10_000 * 4}
	case "critic":
		return Budget{InChars: 25_000 * 4, OutChars: 5_000 * 4}
	case "navigator":
		return Budget{InChars: 2_000 * 4, OutChars: 200 * 4}
	default:
		return Budget{InChars: 20_000 * 4, OutChars: 5_000 * 4}
	}
}

// Result is the assembled pack plus the deterministic record of what was
// dropped or truncated, which is logged to a receipt's budget_overflow
// field rather than causing failure.
type Result struct {
	Text     string
	Dropped  []string
	Truncated []string
}

// Pack assembles items within budget.InChars, dropping LOW items first,
// then MEDIUM, truncating HIGH items if still over budget, and never
// dropping CRITICAL items (if CRITICAL items alone exceed budget, the pack
// still includes them in full — an overrun the caller must account for
// elsewhere, since CRITICAL content must never be silently cut).
func Pack(items []Item, budget Budget) Result {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sortByPriority(ordered)

	var critical, high, medium []Item
	for _, it := range ordered {
		switch it.Priority {
		case PriorityCritical:
			critical = append(critical, it)
		case PriorityHigh:
			high = append(high, it)
		case PriorityMedium:
			medium = append(medium, it)
		case PriorityLow:
			// handled below via drop-first semantics
		}
	}

	result := Result{}
	used := 0
	for _, it := range critical {
		result.Text += render(it)
		used += len(it.Text)
	}

	remaining := budget.InChars - used

	var keptHigh []Item
	for _, it := range high {
		if remaining <= 0 {
			result.Dropped = append(result.Dropped, it.Name)
			continue
		}
		if len(it.Text) > remaining {
			it.Text = it.Text[:remaining]
			result.Truncated = append(result.Truncated, it.Name)
		}
		keptHigh = append(keptHigh, it)
		remaining -= len(it.Text)
	}
	for _, it := range keptHigh {
		result.Text += render(it)
	}

	for _, it := range medium {
		if remaining <= 0 {
			result.Dropped = append(result.Dropped, it.Name)
			continue
		}
		if len(it.Text) > remaining {
			it.Text = it.Text[:remaining]
			result.Truncated = append(result.Truncated, it.Name)
		}
		result.Text += render(it)
		remaining -= len(it.Text)
	}

	// LOW items are dropped first: only included if CRITICAL+HIGH+MEDIUM
	// left room, and only in priority (declaration) order.
	for _, it := range ordered {
		if it.Priority != PriorityLow {
			continue
		}
		if remaining <= 0 {
			result.Dropped = append(result.Dropped, it.Name)
			continue
		}
		if len(it.Text) > remaining {
			it.Text = it.Text[:remaining]
			result.Truncated = append(result.Truncated, it.Name)
		}
		result.Text += render(it)
		remaining -= len(it.Text)
	}

	return result
}

func render(it Item) string {
	return "### " + it.Name + "\n" + it.Text + "\n"
}

// sortByPriority performs a stable insertion sort (item counts here are
// small — a handful of context sources per step) so declaration order is
// preserved within a priority tier.
func sortByPriority(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Priority < items[j-1].Priority; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
