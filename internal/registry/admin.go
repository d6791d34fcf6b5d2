package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ligustah/dgcart/internal/cache"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/pkg/queryoffset"
)

// AdminPages returns the cached admin listing.
func (r *Registry) AdminPages() PageSet {
	ps, _ := cache.Get[PageSet](r.cache, adminKey)
	return ps
}

func (r *Registry) adminPage(ctx context.Context, offset string, rng Range) (Page, error) {
	jobs, err := r.fetch(ctx, "admin", queryoffset.Limit(offset, rng.Start, rng.Count))
	if err != nil {
		return Page{}, err
	}
	return Page{Range: rng, Jobs: jobs}, nil
}

// AdminList loads the first page of the admin listing for state and
// replaces any cached pages. On failure the cached pages are kept and
// returned with the error.
func (r *Registry) AdminList(ctx context.Context, state queryoffset.State) (PageSet, error) {
	offset := queryoffset.CompileState(r.opts.FacilityName, state)
	page, err := r.adminPage(ctx, offset, Range{Start: 0, Count: r.opts.PageSize})
	if err != nil {
		r.report.Report(ctx, "admin.list", err)
		return r.AdminPages(), fmt.Errorf("list admin downloads: %w", err)
	}
	ps := NewPageSet(offset, page)
	cache.Set(r.cache, adminKey, ps)
	return ps, nil
}

// FetchNextPage appends the window rng to the cached listing. The query is
// compiled from state as it is now, not as it was for earlier pages. A zero
// rng fetches the page after the last loaded one.
func (r *Registry) FetchNextPage(ctx context.Context, state queryoffset.State, rng Range) (PageSet, error) {
	if rng == (Range{}) {
		rng = r.AdminPages().NextRange(r.opts.PageSize)
	}
	offset := queryoffset.CompileState(r.opts.FacilityName, state)
	page, err := r.adminPage(ctx, offset, rng)
	if err != nil {
		r.report.Report(ctx, "admin.next_page", err)
		return r.AdminPages(), fmt.Errorf("fetch admin page %d-%d: %w", rng.Start, rng.Start+rng.Count, err)
	}
	return cache.Update(r.cache, adminKey, func(cur PageSet, _ bool) PageSet {
		return cur.Append(offset, page)
	}), nil
}

// Refetch reloads every cached page window with the current state and
// swaps the whole listing in one step.
func (r *Registry) Refetch(ctx context.Context, state queryoffset.State) (PageSet, error) {
	offset := queryoffset.CompileState(r.opts.FacilityName, state)
	cur := r.AdminPages()

	ranges := make([]Range, 0, len(cur.pages))
	for _, p := range cur.pages {
		ranges = append(ranges, p.Range)
	}
	if len(ranges) == 0 {
		ranges = append(ranges, Range{Start: 0, Count: r.opts.PageSize})
	}

	pages := make([]Page, 0, len(ranges))
	for _, rng := range ranges {
		page, err := r.adminPage(ctx, offset, rng)
		if err != nil {
			r.report.Report(ctx, "admin.refetch", err)
			return cur, fmt.Errorf("refetch admin downloads: %w", err)
		}
		pages = append(pages, page)
	}

	ps := NewPageSet(offset, pages...)
	cache.Set(r.cache, adminKey, ps)
	return ps, nil
}

// AdminJob fetches one job through the admin endpoint.
func (r *Registry) AdminJob(ctx context.Context, id int64) (model.DownloadJob, error) {
	jobs, err := r.fetch(ctx, "admin", fmt.Sprintf("WHERE download.id = %d", id))
	if err != nil {
		return model.DownloadJob{}, fmt.Errorf("get admin download %d: %w", id, err)
	}
	if len(jobs) == 0 {
		return model.DownloadJob{}, fmt.Errorf("get admin download %d: %w", id, ErrJobNotFound)
	}
	return jobs[0], nil
}

// AdminSetDeleted deletes or restores any job.
func (r *Registry) AdminSetDeleted(ctx context.Context, id int64, deleted bool) error {
	return r.adminMutate(ctx, "admin.set_deleted", id, "isDeleted", strconv.FormatBool(deleted),
		func(j model.DownloadJob) model.DownloadJob {
			j.IsDeleted = deleted
			return j
		})
}

// AdminSetStatus sets the status of any job.
func (r *Registry) AdminSetStatus(ctx context.Context, id int64, status model.DownloadStatus) error {
	return r.adminMutate(ctx, "admin.set_status", id, "status", string(status),
		func(j model.DownloadJob) model.DownloadJob {
			j.Status = status
			return j
		})
}

// AdminRestore undeletes a job and asks the server to restore its data.
func (r *Registry) AdminRestore(ctx context.Context, id int64) error {
	if err := r.AdminSetDeleted(ctx, id, false); err != nil {
		return err
	}
	return r.AdminSetStatus(ctx, id, model.StatusRestoring)
}

// adminMutate applies change to the job across every cached page, sends the
// request, and either refreshes the job from the server or puts every copy
// of the job back as it was. Other records, including ones changed by
// concurrent mutations, are left alone. The listing is marked stale
// afterwards either way.
func (r *Registry) adminMutate(ctx context.Context, op string, id int64, field, value string, change func(model.DownloadJob) model.DownloadJob) error {
	defer r.lock(id)()
	defer r.cache.Invalidate(adminKey)

	tx := cache.Begin[PageSet](r.cache, adminKey)
	tx.Apply(func(cur PageSet) PageSet { return cur.Update(id, change) })

	if err := r.putFlag(ctx, op, "admin", id, field, value); err != nil {
		prev, _ := tx.Previous()
		tx.RollbackWith(func(cur PageSet) PageSet { return cur.Restore(prev, id) })
		r.opts.Metrics.ObserveRollback(op)
		r.report.Report(ctx, op, err)
		return fmt.Errorf("%s download %d: %w", field, id, err)
	}

	job, err := r.AdminJob(ctx, id)
	if err != nil {
		r.report.Report(ctx, op+".refresh", err)
		tx.CommitWith(func(cur PageSet) PageSet { return cur })
		return nil
	}
	tx.CommitWith(func(cur PageSet) PageSet {
		return cur.Update(id, func(model.DownloadJob) model.DownloadJob { return job })
	})
	return nil
}
