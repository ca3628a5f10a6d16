package model

import "sort"

// SelectionSet is an unordered set of selected item ids.
type SelectionSet map[string]struct{}

// NewSelection builds a set from ids, ignoring empty strings and duplicates.
func NewSelection(ids ...string) SelectionSet {
	s := make(SelectionSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s SelectionSet) Len() int {
	return len(s)
}

func (s SelectionSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the ids sorted, so wire payloads are stable.
func (s SelectionSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Only returns the single selected id when exactly one is selected.
func (s SelectionSet) Only() (string, bool) {
	if len(s) != 1 {
		return "", false
	}
	for id := range s {
		return id, true
	}
	return "", false
}

func (s SelectionSet) Equal(o SelectionSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

func (s SelectionSet) Clone() SelectionSet {
	c := make(SelectionSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}
