package wire

// SubscriptionSet is a small set of Selectors with the set semantics
// spec.md §3 requires: ordering irrelevant, repeated adds are no-ops.
// Per-client sets are expected to be small (1-10 entries, see spec.md §9)
// so a slice with linear scans outperforms a map in practice and avoids
// hashing Selector values.
type SubscriptionSet struct {
	selectors []Selector
}

// NewSubscriptionSet builds a SubscriptionSet, deduplicating its input.
func NewSubscriptionSet(sels ...Selector) *SubscriptionSet {
	set := &SubscriptionSet{}
	for _, s := range sels {
		set.Add(s)
	}
	return set
}

// Add inserts a selector if not already present. Returns true if added.
func (s *SubscriptionSet) Add(sel Selector) bool {
	if s.Contains(sel) {
		return false
	}
	s.selectors = append(s.selectors, sel)
	return true
}

// Remove deletes a selector if present. Returns true if it was present.
func (s *SubscriptionSet) Remove(sel Selector) bool {
	for i, existing := range s.selectors {
		if existing == sel {
			s.selectors = append(s.selectors[:i], s.selectors[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether sel is already held exactly.
func (s *SubscriptionSet) Contains(sel Selector) bool {
	for _, existing := range s.selectors {
		if existing == sel {
			return true
		}
	}
	return false
}

// Len reports the number of held selectors.
func (s *SubscriptionSet) Len() int {
	return len(s.selectors)
}

// MatchesAny reports whether any held selector matches (channel, symbol),
// per Selector.Matches. Used on the hot dispatch path.
func (s *SubscriptionSet) MatchesAny(channel Channel, symbol string) bool {
	for _, sel := range s.selectors {
		if sel.Matches(channel, symbol) {
			return true
		}
	}
	return false
}

// Selectors returns a snapshot copy of the held selectors.
func (s *SubscriptionSet) Selectors() []Selector {
	out := make([]Selector, len(s.selectors))
	copy(out, s.selectors)
	return out
}
