package registry

import (
	"slices"

	"github.com/ligustah/dgcart/internal/model"
)

// Range is a LIMIT window.
type Range struct {
	Start int
	Count int
}

// Page is one fetched window of the admin listing.
type Page struct {
	Range
	Jobs []model.DownloadJob
}

type position struct {
	page int
	row  int
}

// PageSet is the admin listing as fetched so far: pages in the order they
// were loaded plus an index from job id to every position holding it. Each
// page is compiled from the filters current at fetch time, so a job can show
// up on more than one page. A PageSet is never modified in place; every
// change returns a new one.
type PageSet struct {
	// Offset is the compiled queryOffset, without LIMIT, of the last page.
	Offset string
	pages  []Page
	index  map[int64][]position
}

// NewPageSet builds a PageSet from pages.
func NewPageSet(offset string, pages ...Page) PageSet {
	ps := PageSet{Offset: offset, pages: pages, index: make(map[int64][]position)}
	for i, p := range pages {
		for j, job := range p.Jobs {
			ps.index[job.ID] = append(ps.index[job.ID], position{page: i, row: j})
		}
	}
	return ps
}

// Pages returns the pages in load order.
func (ps PageSet) Pages() []Page {
	out := make([]Page, len(ps.pages))
	for i, p := range ps.pages {
		out[i] = Page{Range: p.Range, Jobs: model.CloneJobs(p.Jobs)}
	}
	return out
}

// Jobs returns every job across all pages.
func (ps PageSet) Jobs() []model.DownloadJob {
	var out []model.DownloadJob
	for _, p := range ps.pages {
		out = append(out, p.Jobs...)
	}
	return out
}

// Len returns the number of jobs across all pages.
func (ps PageSet) Len() int {
	n := 0
	for _, p := range ps.pages {
		n += len(p.Jobs)
	}
	return n
}

// NextRange returns the window following the loaded pages.
func (ps PageSet) NextRange(pageSize int) Range {
	if len(ps.pages) == 0 {
		return Range{Start: 0, Count: pageSize}
	}
	last := ps.pages[len(ps.pages)-1]
	return Range{Start: last.Start + last.Count, Count: pageSize}
}

// Find returns the first copy of the job with id.
func (ps PageSet) Find(id int64) (model.DownloadJob, bool) {
	pos, ok := ps.index[id]
	if !ok {
		return model.DownloadJob{}, false
	}
	return ps.job(pos[0]), true
}

func (ps PageSet) job(pos position) model.DownloadJob {
	return ps.pages[pos.page].Jobs[pos.row]
}

// Update returns a PageSet with fn applied to every copy of the job with
// id. Only the pages holding it are copied. fn must not change the id.
func (ps PageSet) Update(id int64, fn func(model.DownloadJob) model.DownloadJob) PageSet {
	return ps.replace(id, func(_ position, j model.DownloadJob) model.DownloadJob { return fn(j) })
}

// Restore returns a PageSet where every copy of the job with id is put back
// to its value in prev. Copies are matched by position first, then by id.
// Nothing changes when prev does not hold the job.
func (ps PageSet) Restore(prev PageSet, id int64) PageSet {
	fallback, ok := prev.Find(id)
	if !ok {
		return ps
	}
	return ps.replace(id, func(pos position, _ model.DownloadJob) model.DownloadJob {
		if pos.page < len(prev.pages) && pos.row < len(prev.pages[pos.page].Jobs) {
			if old := prev.job(pos); old.ID == id {
				return old
			}
		}
		return fallback
	})
}

func (ps PageSet) replace(id int64, fn func(position, model.DownloadJob) model.DownloadJob) PageSet {
	positions, ok := ps.index[id]
	if !ok {
		return ps
	}
	pages := slices.Clone(ps.pages)
	copied := make(map[int]bool, len(positions))
	for _, pos := range positions {
		if !copied[pos.page] {
			pages[pos.page].Jobs = model.CloneJobs(pages[pos.page].Jobs)
			copied[pos.page] = true
		}
		jobs := pages[pos.page].Jobs
		jobs[pos.row] = fn(pos, jobs[pos.row])
	}
	return PageSet{Offset: ps.Offset, pages: pages, index: ps.index}
}

// Append returns a PageSet with p added after the loaded pages.
func (ps PageSet) Append(offset string, p Page) PageSet {
	pages := append(slices.Clone(ps.pages), p)
	return NewPageSet(offset, pages...)
}
