package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
)

// ErrNotReady is returned for jobs that are not COMPLETE or have no prepared
// id yet.
var ErrNotReady = errors.New("fetch: download is not ready")

// Gateway is the subset of the HTTP client the fetcher needs.
type Gateway interface {
	Stream(ctx context.Context, url string, query url.Values) (io.ReadCloser, int64, error)
	SessionQuery(query url.Values) url.Values
}

// Options configures a Fetcher.
type Options struct {
	IDSURL string

	// Prefix is prepended to every object key.
	Prefix string

	// Workers is the number of parallel fetches in FetchAll.
	// Default: 4
	Workers int

	// MaxConsecutiveFailures is the number of failed fetches in a row after
	// which FetchAll gives up.
	// Default: 10
	MaxConsecutiveFailures int

	// Overwrite replaces archives that already exist in the bucket.
	Overwrite bool
}

// Result describes one fetched job.
type Result struct {
	JobID   int64
	Key     string
	Bytes   int64
	Skipped bool
	Err     error
}

// Failure records a job that could not be fetched.
type Failure struct {
	JobID int64
	Err   error
}

// CircuitBreakerError is returned by FetchAll when too many fetches in a row
// failed. Use errors.As to inspect Failures.
type CircuitBreakerError struct {
	ConsecutiveFailures int
	Failures            []Failure
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// Fetcher copies archives into a bucket. It implements submit.Trigger.
type Fetcher struct {
	gw     Gateway
	bucket *blob.Bucket
	report report.Reporter
	opts   Options
}

// New creates a Fetcher writing to bucket.
func New(gw Gateway, bucket *blob.Bucket, r report.Reporter, opts Options) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	if r == nil {
		r = report.Discard
	}
	return &Fetcher{gw: gw, bucket: bucket, report: r, opts: opts}
}

// Ready reports whether job can be fetched.
func Ready(job model.DownloadJob) bool {
	return job.Status == model.StatusComplete && job.PreparedID != ""
}

func dataQuery(job model.DownloadJob) url.Values {
	return url.Values{
		"preparedId": {job.PreparedID},
		"outname":    {job.FileName},
	}
}

// DataURL returns the link a browser would follow to download job.
func (f *Fetcher) DataURL(job model.DownloadJob) string {
	return dghttp.Endpoint(f.opts.IDSURL, "getData") + "?" + f.gw.SessionQuery(dataQuery(job)).Encode()
}

// Key returns the object key job is stored under.
func (f *Fetcher) Key(job model.DownloadJob) string {
	name := job.FileName
	if name == "" {
		name = "download-" + strconv.FormatInt(job.ID, 10)
	}
	return f.opts.Prefix + name
}

// Trigger fetches job and reports any failure.
func (f *Fetcher) Trigger(ctx context.Context, job model.DownloadJob) error {
	_, err := f.Fetch(ctx, job)
	if err != nil {
		f.report.Report(ctx, "fetch.trigger", err)
	}
	return err
}

// Fetch streams job's archive into the bucket.
func (f *Fetcher) Fetch(ctx context.Context, job model.DownloadJob) (Result, error) {
	res := Result{JobID: job.ID, Key: f.Key(job)}
	if !Ready(job) {
		return res, fmt.Errorf("download %d (%s): %w", job.ID, job.Status, ErrNotReady)
	}

	if !f.opts.Overwrite {
		exists, err := f.exists(ctx, res.Key)
		if err != nil {
			return res, err
		}
		if exists {
			res.Skipped = true
			return res, nil
		}
	}

	body, _, err := f.gw.Stream(ctx, dghttp.Endpoint(f.opts.IDSURL, "getData"), dataQuery(job))
	if err != nil {
		return res, fmt.Errorf("get data for download %d: %w", job.ID, err)
	}
	defer body.Close()

	n, err := f.write(ctx, res.Key, job, body)
	res.Bytes = n
	if err != nil {
		return res, fmt.Errorf("store download %d: %w", job.ID, err)
	}
	return res, nil
}

func (f *Fetcher) exists(ctx context.Context, key string) (bool, error) {
	_, err := f.bucket.Attributes(ctx, key)
	if err == nil {
		return true, nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return false, nil
	}
	return false, fmt.Errorf("check %s: %w", key, err)
}

func (f *Fetcher) write(ctx context.Context, key string, job model.DownloadJob, r io.Reader) (int64, error) {
	// Cancelling the writer's context before Close discards the object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := f.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: "application/zip",
		Metadata: map[string]string{
			"download_id": strconv.FormatInt(job.ID, 10),
			"prepared_id": job.PreparedID,
			"transport":   job.Transport,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("open writer: %w", err)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		cancel()
		_ = w.Close()
		return n, fmt.Errorf("copy: %w", err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("close writer: %w", err)
	}
	return n, nil
}

// FetchAll fetches jobs with a pool of workers. Results are returned in the
// order of jobs with per-job errors in Result.Err. Jobs that are not ready do
// not count towards the circuit breaker.
func (f *Fetcher) FetchAll(ctx context.Context, jobs []model.DownloadJob) ([]Result, error) {
	results := make([]Result, len(jobs))

	var (
		cbMu                sync.Mutex
		consecutiveFailures int
		failures            []Failure
		tripped             bool
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	work := make(chan int, f.opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < f.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				res, err := f.Fetch(cbCtx, jobs[idx])
				res.Err = err
				results[idx] = res

				cbMu.Lock()
				switch {
				case err == nil:
					consecutiveFailures = 0
				case errors.Is(err, ErrNotReady):
				default:
					consecutiveFailures++
					failures = append(failures, Failure{JobID: res.JobID, Err: err})
					if consecutiveFailures >= f.opts.MaxConsecutiveFailures {
						tripped = true
						cbCancel()
					}
				}
				stop := tripped
				cbMu.Unlock()

				if err != nil && !errors.Is(err, ErrNotReady) {
					f.report.Report(ctx, "fetch.all", err)
				}
				if stop {
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for i := range jobs {
			select {
			case work <- i:
			case <-cbCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	cbMu.Lock()
	defer cbMu.Unlock()
	if tripped {
		return results, &CircuitBreakerError{
			ConsecutiveFailures: consecutiveFailures,
			Failures:            failures,
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
