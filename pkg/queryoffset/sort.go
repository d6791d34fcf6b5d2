package queryoffset

import "slices"

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// SortEntry is one ORDER BY criterion.
type SortEntry struct {
	Column    string
	Direction Direction
}

// Sort is an ordered set of sort criteria. The zero value is empty. Methods
// return a new Sort and never modify the receiver.
type Sort struct {
	entries []SortEntry
}

// NewSort returns a Sort with the given entries in order. Later duplicates
// update earlier ones in place.
func NewSort(entries ...SortEntry) Sort {
	var s Sort
	for _, e := range entries {
		s = s.Set(e.Column, e.Direction)
	}
	return s
}

// Entries returns the criteria in order.
func (s Sort) Entries() []SortEntry {
	return slices.Clone(s.entries)
}

// Len returns the number of criteria.
func (s Sort) Len() int { return len(s.entries) }

// Get returns the direction for column.
func (s Sort) Get(column string) (Direction, bool) {
	if i := s.index(column); i >= 0 {
		return s.entries[i].Direction, true
	}
	return "", false
}

// Set updates column in place, or appends it.
func (s Sort) Set(column string, dir Direction) Sort {
	out := slices.Clone(s.entries)
	if i := s.index(column); i >= 0 {
		out[i].Direction = dir
	} else {
		out = append(out, SortEntry{Column: column, Direction: dir})
	}
	return Sort{entries: out}
}

// Without removes column.
func (s Sort) Without(column string) Sort {
	i := s.index(column)
	if i < 0 {
		return s
	}
	out := slices.Clone(s.entries)
	return Sort{entries: slices.Delete(out, i, i+1)}
}

// Click applies a plain header click: column moves to its next direction and
// replaces every other criterion. When the next step removes the column the
// other criteria are kept.
func (s Sort) Click(column string) Sort {
	next, ok := s.next(column)
	if !ok {
		return s.Without(column)
	}
	return Sort{entries: []SortEntry{{Column: column, Direction: next}}}
}

// ShiftClick applies a shift header click: column moves to its next
// direction in place, or is appended.
func (s Sort) ShiftClick(column string) Sort {
	next, ok := s.next(column)
	if !ok {
		return s.Without(column)
	}
	return s.Set(column, next)
}

func (s Sort) next(column string) (Direction, bool) {
	cur, ok := s.Get(column)
	switch {
	case !ok:
		return Asc, true
	case cur == Asc:
		return Desc, true
	}
	return "", false
}

func (s Sort) index(column string) int {
	return slices.IndexFunc(s.entries, func(e SortEntry) bool { return e.Column == column })
}
