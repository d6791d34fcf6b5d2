// Package queryoffset compiles table sort and filter state into the
// download API's queryOffset string.
//
// The output is a SQL-like fragment understood by the admin downloads
// endpoint:
//
//	WHERE download.facilityName = 'LILS'
//	  AND UPPER(download.status) LIKE CONCAT('%', 'COMPLETE', '%')
//	ORDER BY download.createdAt desc, download.id ASC
//	LIMIT 0, 50
//
// (shown wrapped; [Compile] emits a single line).
//
// # State
//
// [Sort] and [Filters] keep insertion order, since the order of the emitted
// clauses follows it. Use [Sort.Click] and [Sort.ShiftClick] to apply header
// clicks: a plain click replaces the sort, a shift-click appends to it, and
// clicking a column cycles asc, desc, removed.
//
// # Filters
//
//   - [TextFilter] with [Include] or [Exclude]: case-insensitive substring match
//   - [TextFilter] with [Exact]: equality on the raw value
//   - [DateFilter]: inclusive BETWEEN, open bounds default to the extremes
//   - [BooleanFilter]: 'true' or 'false'
//
// Single quotes in values are doubled. Columns that are not plain
// identifiers are skipped.
//
// [Compile] does no I/O and is deterministic, so its output can be used as
// a cache key.
package queryoffset
