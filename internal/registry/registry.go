// Package registry caches download jobs for the user and admin views and
// applies delete, restore and status changes optimistically.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/ligustah/dgcart/internal/cache"
	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
	"github.com/ligustah/dgcart/internal/retry"
)

const (
	// DefaultPageSize is the number of admin rows fetched per page.
	DefaultPageSize = 50

	// DefaultUserOffset hides deleted jobs from the user listing.
	DefaultUserOffset = "where download.isDeleted = false"
)

const (
	userKeyPrefix = "downloads/user/"
	adminKey      = "downloads/admin"
)

// ErrJobNotFound is returned when a lookup by id matched nothing.
var ErrJobNotFound = errors.New("registry: download not found")

// Gateway is the subset of the HTTP client the registry needs.
type Gateway interface {
	Get(ctx context.Context, url string, query url.Values, out any) error
	PutForm(ctx context.Context, url string, form url.Values) error
}

// Options configures a Registry.
type Options struct {
	DownloadAPIURL string
	FacilityName   string

	// PageSize is the admin page size.
	// Default: 50
	PageSize int

	// Retry wraps every mutation. Default: retry.Default().
	Retry *retry.Retrier

	Metrics *metrics.Metrics
}

// Registry is safe for concurrent use. Mutations on the same job id run one
// at a time; mutations on different ids do not wait for each other.
type Registry struct {
	gw     Gateway
	cache  *cache.Cache
	report report.Reporter
	opts   Options
	locks  cache.KeyedMutex
}

// New creates a Registry backed by c.
func New(gw Gateway, c *cache.Cache, r report.Reporter, opts Options) *Registry {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Retry == nil {
		def := retry.Default()
		opts.Retry = &def
	}
	if r == nil {
		r = report.Discard
	}
	c.SetStaleness(userKeyPrefix, 0)
	c.SetStaleness(adminKey, 0)
	return &Registry{gw: gw, cache: c, report: r, opts: opts}
}

// PageSize returns the configured admin page size.
func (r *Registry) PageSize() int { return r.opts.PageSize }

func (r *Registry) retrier(op string) retry.Retrier {
	rt := *r.opts.Retry
	next := rt.OnRetry
	rt.OnRetry = func(attempt int, err error) {
		r.opts.Metrics.ObserveRetry(op)
		if next != nil {
			next(attempt, err)
		}
	}
	return rt
}

func (r *Registry) lock(id int64) func() {
	return r.locks.Lock("download/" + strconv.FormatInt(id, 10))
}

func (r *Registry) fetch(ctx context.Context, scope, queryOffset string) ([]model.DownloadJob, error) {
	var jobs []model.DownloadJob
	query := url.Values{
		"facilityName": {r.opts.FacilityName},
		"queryOffset":  {queryOffset},
	}
	if err := r.gw.Get(ctx, dghttp.Endpoint(r.opts.DownloadAPIURL, scope, "downloads"), query, &jobs); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []model.DownloadJob{}
	}
	return jobs, nil
}

func (r *Registry) putFlag(ctx context.Context, op, scope string, id int64, field, value string) error {
	u := dghttp.Endpoint(r.opts.DownloadAPIURL, scope, "download", strconv.FormatInt(id, 10), field)
	form := url.Values{
		"facilityName": {r.opts.FacilityName},
		"value":        {value},
	}
	return r.retrier(op).Do(ctx, func(ctx context.Context) error {
		return r.gw.PutForm(ctx, u, form)
	})
}

func userKey(offset string) string { return userKeyPrefix + offset }

// List fetches the user's jobs. An empty queryOffset lists jobs that are not
// deleted. On failure the last fetched list is returned with the error.
func (r *Registry) List(ctx context.Context, queryOffset string) ([]model.DownloadJob, error) {
	if queryOffset == "" {
		queryOffset = DefaultUserOffset
	}
	jobs, err := cache.Refresh(ctx, r.cache, userKey(queryOffset), func(ctx context.Context) ([]model.DownloadJob, error) {
		return r.fetch(ctx, "user", queryOffset)
	})
	if err != nil {
		r.report.Report(ctx, "downloads.list", err)
		return jobs, fmt.Errorf("list downloads: %w", err)
	}
	return jobs, nil
}

// Downloads returns the cached user list for queryOffset without a request.
func (r *Registry) Downloads(queryOffset string) []model.DownloadJob {
	if queryOffset == "" {
		queryOffset = DefaultUserOffset
	}
	jobs, _ := cache.Get[[]model.DownloadJob](r.cache, userKey(queryOffset))
	return jobs
}

// Job fetches one of the user's jobs by id.
func (r *Registry) Job(ctx context.Context, id int64) (model.DownloadJob, error) {
	jobs, err := r.fetch(ctx, "user", fmt.Sprintf("where download.id = %d", id))
	if err != nil {
		r.report.Report(ctx, "downloads.get", err)
		return model.DownloadJob{}, fmt.Errorf("get download %d: %w", id, err)
	}
	if len(jobs) == 0 {
		return model.DownloadJob{}, fmt.Errorf("get download %d: %w", id, ErrJobNotFound)
	}
	return jobs[0], nil
}

// SetDeleted deletes or restores one of the user's jobs. A deleted job
// leaves the default listing at once and goes back to where it was if the
// request fails. A restored job is fetched and merged into the listing once
// the server has accepted the change.
//
// Undoing a failed delete only puts this job back, so changes to other jobs
// that landed in the meantime are kept.
func (r *Registry) SetDeleted(ctx context.Context, id int64, deleted bool) error {
	defer r.lock(id)()

	key := userKey(DefaultUserOffset)
	tx := cache.Begin[[]model.DownloadJob](r.cache, key)

	var (
		removed   model.DownloadJob
		removedAt = -1
	)
	if deleted {
		tx.Apply(func(cur []model.DownloadJob) []model.DownloadJob {
			i := slices.IndexFunc(cur, func(j model.DownloadJob) bool { return j.ID == id })
			if i < 0 {
				return cur
			}
			removed, removedAt = cur[i], i
			return slices.Delete(model.CloneJobs(cur), i, i+1)
		})
	}

	if err := r.putFlag(ctx, "downloads.set_deleted", "user", id, "isDeleted", strconv.FormatBool(deleted)); err != nil {
		tx.RollbackWith(func(cur []model.DownloadJob) []model.DownloadJob {
			if removedAt < 0 {
				return cur
			}
			return reinsertJob(cur, removed, removedAt)
		})
		r.opts.Metrics.ObserveRollback("downloads.set_deleted")
		r.report.Report(ctx, "downloads.set_deleted", err)
		return fmt.Errorf("set download %d deleted=%t: %w", id, deleted, err)
	}

	// after the commit, which marks the entry fresh
	defer r.cache.InvalidatePrefix(userKeyPrefix)
	if deleted {
		tx.CommitWith(func(cur []model.DownloadJob) []model.DownloadJob { return cur })
		return nil
	}

	job, err := r.Job(ctx, id)
	if err != nil {
		tx.CommitWith(func(cur []model.DownloadJob) []model.DownloadJob { return cur })
		return err
	}
	tx.CommitWith(func(cur []model.DownloadJob) []model.DownloadJob { return mergeJob(cur, job) })
	return nil
}

// mergeJob replaces the job with the same id or appends it.
func mergeJob(jobs []model.DownloadJob, job model.DownloadJob) []model.DownloadJob {
	out := model.CloneJobs(jobs)
	if i := slices.IndexFunc(out, func(j model.DownloadJob) bool { return j.ID == job.ID }); i >= 0 {
		out[i] = job
		return out
	}
	return append(out, job)
}

// reinsertJob puts job back at index at, or at the end when the list has
// shrunk below it. A list that already holds the id is returned unchanged.
func reinsertJob(jobs []model.DownloadJob, job model.DownloadJob, at int) []model.DownloadJob {
	if slices.ContainsFunc(jobs, func(j model.DownloadJob) bool { return j.ID == job.ID }) {
		return jobs
	}
	at = min(at, len(jobs))
	return slices.Insert(model.CloneJobs(jobs), at, job)
}
