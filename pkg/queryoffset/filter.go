package queryoffset

import "slices"

// FilterMode selects how a TextFilter matches.
type FilterMode string

const (
	Include FilterMode = "include"
	Exclude FilterMode = "exclude"
	Exact   FilterMode = "exact"
)

// Filter is one of TextFilter, DateFilter or BooleanFilter.
type Filter interface {
	clause(column string) string
}

// TextFilter matches a column against Value. Numbers are passed as their
// decimal text.
type TextFilter struct {
	Value string
	Mode  FilterMode
}

// DateFilter bounds a timestamp column, both ends inclusive. Bounds use the
// "2006-01-02 15:04:05" layout; an empty bound is open.
type DateFilter struct {
	StartDate string
	EndDate   string
}

// BooleanFilter matches a boolean column.
type BooleanFilter struct {
	Value bool
}

// FilterEntry pairs a column with its filter.
type FilterEntry struct {
	Column string
	Filter Filter
}

// Filters is an ordered column to filter map. The zero value is empty.
// Methods return a new Filters and never modify the receiver.
type Filters struct {
	entries []FilterEntry
}

// NewFilters returns Filters with the given entries in order.
func NewFilters(entries ...FilterEntry) Filters {
	var f Filters
	for _, e := range entries {
		f = f.Set(e.Column, e.Filter)
	}
	return f
}

// Entries returns the filters in order.
func (f Filters) Entries() []FilterEntry {
	return slices.Clone(f.entries)
}

// Len returns the number of filters.
func (f Filters) Len() int { return len(f.entries) }

// Set replaces the filter for column in place, or appends it. A nil filter
// removes the column.
func (f Filters) Set(column string, filter Filter) Filters {
	if filter == nil {
		return f.Delete(column)
	}
	out := slices.Clone(f.entries)
	if i := f.index(column); i >= 0 {
		out[i].Filter = filter
	} else {
		out = append(out, FilterEntry{Column: column, Filter: filter})
	}
	return Filters{entries: out}
}

// Delete removes the filter for column.
func (f Filters) Delete(column string) Filters {
	i := f.index(column)
	if i < 0 {
		return f
	}
	out := slices.Clone(f.entries)
	return Filters{entries: slices.Delete(out, i, i+1)}
}

func (f Filters) index(column string) int {
	return slices.IndexFunc(f.entries, func(e FilterEntry) bool { return e.Column == column })
}

// State is the sort and filter state of one table.
type State struct {
	Sort    Sort
	Filters Filters
}
