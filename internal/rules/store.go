package rules

import "sort"

// Store is the priority-sorted, frozen list of loaded rules (C3). It is
// built once at startup and never mutated afterward; callers only iterate.
type Store struct {
	rules []*Rule
}

// NewStore sorts rules by priority descending (ties broken by load order,
// per spec.md §9) and freezes them into a Store.
func NewStore(rules []*Rule) *Store {
	frozen := make([]*Rule, len(rules))
	copy(frozen, rules)
	for i, r := range frozen {
		r.loadOrder = i
	}
	sort.SliceStable(frozen, func(i, j int) bool {
		return frozen[i].Priority > frozen[j].Priority
	})
	return &Store{rules: frozen}
}

// All returns the rules in match order (priority descending, ties in file
// order).
func (s *Store) All() []*Rule {
	return s.rules
}

// Names returns every loaded rule's name, in store order.
func (s *Store) Names() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name
	}
	return names
}
