package extraction

// Budget is the per-iteration token budget. On failed consensus Reduce
// halves it, never going below Floor.
type Budget struct {
	Max      int
	Floor    int
	Adaptive bool

	current int
}

// NewBudget returns a Budget starting at maxTokens.
func NewBudget(maxTokens, floor int, adaptive bool) *Budget {
	if floor > maxTokens {
		floor = maxTokens
	}
	return &Budget{Max: maxTokens, Floor: floor, Adaptive: adaptive, current: maxTokens}
}

// Current returns the budget for the next batch.
func (b *Budget) Current() int {
	return b.current
}

// Reset restores the budget to Max at the start of an iteration.
func (b *Budget) Reset() {
	b.current = b.Max
}

// Reduce halves the budget, bounded below by Floor, and reports whether
// another attempt at the same iteration is allowed. It returns false when
// adaptation is off or the budget is already at the floor.
func (b *Budget) Reduce() bool {
	if !b.Adaptive || b.current <= b.Floor {
		return false
	}
	b.current /= 2
	if b.current < b.Floor {
		b.current = b.Floor
	}
	return true
}
