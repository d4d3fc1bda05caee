package engine

import "sort"

// StepSet is a set of step ids.
type StepSet map[string]struct{}

func NewStepSet(ids ...string) StepSet {
	s := make(StepSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s StepSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s StepSet) Add(id string) {
	s[id] = struct{}{}
}

func (s StepSet) Clone() StepSet {
	out := make(StepSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s StepSet) Union(other StepSet) StepSet {
	out := s.Clone()
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

func (s StepSet) Equal(other StepSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in lexical order.
func (s StepSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
