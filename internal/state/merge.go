package state

// Merge applies a delta to a state using last-write-wins semantics per
// top-level key: every key named in the delta replaces the existing value
// wholesale, keys absent from the delta are untouched. There is no deep
// merge and no schema validation; a key the receiver has never seen is
// simply added. The input state is not mutated.
func Merge(s GameState, d Delta) GameState {
	out := s.Clone()
	if out == nil {
		out = make(GameState, len(d))
	}
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Apply merges the delta into the state in place. Callers that need the
// original state intact should use Merge.
func (s GameState) Apply(d Delta) {
	for k, v := range d {
		s[k] = v
	}
}
