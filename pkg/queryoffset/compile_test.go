package queryoffset

import "testing"

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		sort    Sort
		want    string
	}{
		{
			name: "no state",
			want: "WHERE download.facilityName = 'LILS' ORDER BY download.id ASC",
		},
		{
			name:    "include with sort",
			filters: NewFilters(FilterEntry{"status", TextFilter{Value: "complete", Mode: Include}}),
			sort:    NewSort(SortEntry{"createdAt", Desc}),
			want:    "WHERE download.facilityName = 'LILS' AND UPPER(download.status) LIKE CONCAT('%', 'COMPLETE', '%') ORDER BY download.createdAt desc, download.id ASC",
		},
		{
			name:    "exclude",
			filters: NewFilters(FilterEntry{"status", TextFilter{Value: "complete", Mode: Exclude}}),
			want:    "WHERE download.facilityName = 'LILS' AND UPPER(download.status) NOT LIKE CONCAT('%', 'COMPLETE', '%') ORDER BY download.id ASC",
		},
		{
			name:    "exact keeps case",
			filters: NewFilters(FilterEntry{"userName", TextFilter{Value: "test user", Mode: Exact}}),
			want:    "WHERE download.facilityName = 'LILS' AND download.userName = 'test user' ORDER BY download.id ASC",
		},
		{
			name:    "quote escaping",
			filters: NewFilters(FilterEntry{"fullName", TextFilter{Value: "O'Brien", Mode: Include}}),
			want:    "WHERE download.facilityName = 'LILS' AND UPPER(download.fullName) LIKE CONCAT('%', 'O''BRIEN', '%') ORDER BY download.id ASC",
		},
		{
			name:    "date with open end",
			filters: NewFilters(FilterEntry{"createdAt", DateFilter{StartDate: "2020-01-01 00:00:00"}}),
			want:    "WHERE download.facilityName = 'LILS' AND download.createdAt BETWEEN {ts '2020-01-01 00:00:00'} AND {ts '9999-12-31 23:59:00'} ORDER BY download.id ASC",
		},
		{
			name:    "date with open start",
			filters: NewFilters(FilterEntry{"createdAt", DateFilter{EndDate: "2020-01-02 23:59:00"}}),
			want:    "WHERE download.facilityName = 'LILS' AND download.createdAt BETWEEN {ts '0001-01-01 00:00:00'} AND {ts '2020-01-02 23:59:00'} ORDER BY download.id ASC",
		},
		{
			name:    "empty date omitted",
			filters: NewFilters(FilterEntry{"createdAt", DateFilter{}}),
			want:    "WHERE download.facilityName = 'LILS' ORDER BY download.id ASC",
		},
		{
			name:    "boolean",
			filters: NewFilters(FilterEntry{"isDeleted", BooleanFilter{Value: false}}),
			want:    "WHERE download.facilityName = 'LILS' AND download.isDeleted = 'false' ORDER BY download.id ASC",
		},
		{
			name: "filters in insertion order",
			filters: NewFilters(
				FilterEntry{"isDeleted", BooleanFilter{Value: true}},
				FilterEntry{"transport", TextFilter{Value: "https", Mode: Include}},
			),
			want: "WHERE download.facilityName = 'LILS' AND download.isDeleted = 'true' AND UPPER(download.transport) LIKE CONCAT('%', 'HTTPS', '%') ORDER BY download.id ASC",
		},
		{
			name:    "empty text omitted",
			filters: NewFilters(FilterEntry{"status", TextFilter{Mode: Include}}),
			want:    "WHERE download.facilityName = 'LILS' ORDER BY download.id ASC",
		},
		{
			name:    "bad column skipped",
			filters: NewFilters(FilterEntry{"status; DROP", TextFilter{Value: "x", Mode: Include}}),
			sort:    NewSort(SortEntry{"id)--", Asc}, SortEntry{"transport", Asc}),
			want:    "WHERE download.facilityName = 'LILS' ORDER BY download.transport asc, download.id ASC",
		},
		{
			name: "multi sort keeps order",
			sort: NewSort(SortEntry{"transport", Desc}, SortEntry{"userName", Asc}),
			want: "WHERE download.facilityName = 'LILS' ORDER BY download.transport desc, download.userName asc, download.id ASC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compile("LILS", tt.filters, tt.sort)
			if got != tt.want {
				t.Errorf("Compile() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestCompileDeterministic(t *testing.T) {
	state := State{
		Sort:    NewSort(SortEntry{"createdAt", Desc}),
		Filters: NewFilters(FilterEntry{"status", TextFilter{Value: "complete", Mode: Include}}),
	}
	first := CompileState("LILS", state)
	for i := 0; i < 10; i++ {
		if got := CompileState("LILS", state); got != first {
			t.Fatalf("output changed between calls: %q vs %q", got, first)
		}
	}
}

func TestFacilityQuoted(t *testing.T) {
	got := Compile("O'Hare", Filters{}, Sort{})
	want := "WHERE download.facilityName = 'O''Hare' ORDER BY download.id ASC"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLimit(t *testing.T) {
	got := Limit("WHERE download.facilityName = 'LILS' ORDER BY download.id ASC", 50, 50)
	want := "WHERE download.facilityName = 'LILS' ORDER BY download.id ASC LIMIT 50, 50"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFiltersSetAndDelete(t *testing.T) {
	f := NewFilters(
		FilterEntry{"status", TextFilter{Value: "a", Mode: Include}},
		FilterEntry{"userName", TextFilter{Value: "b", Mode: Include}},
	)
	g := f.Set("status", TextFilter{Value: "c", Mode: Exclude})

	entries := g.Entries()
	if len(entries) != 2 || entries[0].Column != "status" {
		t.Fatalf("expected status updated in place, got %+v", entries)
	}
	if entries[0].Filter.(TextFilter).Value != "c" {
		t.Errorf("expected new value, got %+v", entries[0].Filter)
	}
	if f.Entries()[0].Filter.(TextFilter).Value != "a" {
		t.Error("Set must not modify the receiver")
	}

	h := g.Set("status", nil)
	if h.Len() != 1 || h.Entries()[0].Column != "userName" {
		t.Errorf("expected status removed, got %+v", h.Entries())
	}
}
