package queryoffset

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	minTimestamp = "0001-01-01 00:00:00"
	maxTimestamp = "9999-12-31 23:59:00"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Compile returns the WHERE and ORDER BY clauses for the given state.
// download.id ASC is always the last sort key so that pages stay stable when
// the user's sort keys have ties.
func Compile(facilityName string, filters Filters, sort Sort) string {
	var b strings.Builder
	b.WriteString("WHERE download.facilityName = ")
	b.WriteString(quote(facilityName))

	for _, e := range filters.entries {
		if !identifier.MatchString(e.Column) || e.Filter == nil {
			continue
		}
		if c := e.Filter.clause(e.Column); c != "" {
			b.WriteString(" AND ")
			b.WriteString(c)
		}
	}

	b.WriteString(" ORDER BY ")
	for _, e := range sort.entries {
		if !identifier.MatchString(e.Column) {
			continue
		}
		dir := e.Direction
		if dir != Desc {
			dir = Asc
		}
		fmt.Fprintf(&b, "download.%s %s, ", e.Column, dir)
	}
	b.WriteString("download.id ASC")
	return b.String()
}

// CompileState is Compile for a State.
func CompileState(facilityName string, s State) string {
	return Compile(facilityName, s.Filters, s.Sort)
}

// Limit appends a LIMIT clause to a compiled offset.
func Limit(offset string, start, count int) string {
	return fmt.Sprintf("%s LIMIT %d, %d", offset, start, count)
}

func (f TextFilter) clause(column string) string {
	if f.Value == "" {
		return ""
	}
	switch f.Mode {
	case Exact:
		return fmt.Sprintf("download.%s = %s", column, quote(f.Value))
	case Exclude:
		return fmt.Sprintf("UPPER(download.%s) NOT LIKE CONCAT('%%', %s, '%%')", column, quote(strings.ToUpper(f.Value)))
	default:
		return fmt.Sprintf("UPPER(download.%s) LIKE CONCAT('%%', %s, '%%')", column, quote(strings.ToUpper(f.Value)))
	}
}

func (f DateFilter) clause(column string) string {
	if f.StartDate == "" && f.EndDate == "" {
		return ""
	}
	start, end := f.StartDate, f.EndDate
	if start == "" {
		start = minTimestamp
	}
	if end == "" {
		end = maxTimestamp
	}
	return fmt.Sprintf("download.%s BETWEEN {ts %s} AND {ts %s}", column, quote(start), quote(end))
}

func (f BooleanFilter) clause(column string) string {
	return fmt.Sprintf("download.%s = '%t'", column, f.Value)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
