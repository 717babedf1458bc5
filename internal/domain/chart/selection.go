package chart

// Selection is the working set of teeth targeted by batch operations. It is
// an ordered set: membership has set semantics, iteration follows the order
// in which teeth were selected. It knows nothing about numbering systems or
// dentition; ids are validated when a mutation consumes them.
type Selection struct {
	teeth []int
}

// NewSelection creates a selection seeded with teeth, dropping duplicates
func NewSelection(teeth ...int) *Selection {
	s := &Selection{}
	for _, n := range teeth {
		if !s.Contains(n) {
			s.teeth = append(s.teeth, n)
		}
	}
	return s
}

// Toggle adds n when absent and removes it when present
func (s *Selection) Toggle(n int) {
	for i, t := range s.teeth {
		if t == n {
			s.teeth = append(s.teeth[:i:i], s.teeth[i+1:]...)
			return
		}
	}
	s.teeth = append(s.teeth, n)
}

// SelectRange REPLACES the selection with the inclusive walk from a to b.
// The walk descends when a > b, so SelectRange(5, 2) selects 5, 4, 3, 2.
// Unlike Toggle it is not additive.
func (s *Selection) SelectRange(a, b int) {
	step := 1
	if a > b {
		step = -1
	}
	teeth := make([]int, 0, rangeCap(a, b))
	for n := a; ; n += step {
		teeth = append(teeth, n)
		if n == b {
			break
		}
	}
	s.teeth = teeth
}

// Clear empties the selection
func (s *Selection) Clear() { s.teeth = nil }

// Contains reports whether n is selected
func (s *Selection) Contains(n int) bool {
	for _, t := range s.teeth {
		if t == n {
			return true
		}
	}
	return false
}

// Len returns the number of selected teeth
func (s *Selection) Len() int { return len(s.teeth) }

// Teeth returns a copy of the selected ids in selection order
func (s *Selection) Teeth() []int {
	out := make([]int, len(s.teeth))
	copy(out, s.teeth)
	return out
}

// rangeCap is the preallocation for the walk from a to b, capped at
// maxRangePrealloc. The span is computed unsigned so it cannot overflow.
func rangeCap(a, b int) int {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	span := uint64(hi) - uint64(lo)
	if span >= maxRangePrealloc {
		return maxRangePrealloc
	}
	return int(span) + 1
}

const maxRangePrealloc = 64
