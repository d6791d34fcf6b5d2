// Package sizes resolves the byte size and file count of cart items.
//
// Size queries share a FIFO admission queue so that large carts do not flood
// the backend; count queries are not limited. Results are cached for the
// life of the aggregator and concurrent requests for the same entity share
// one call.
package sizes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ligustah/dgcart/internal/cache"
	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
	"github.com/ligustah/dgcart/internal/retry"
)

// DefaultMaxInFlight is the number of size queries allowed at once.
const DefaultMaxInFlight = 5

// Gateway is the subset of the HTTP client the aggregator needs.
type Gateway interface {
	Get(ctx context.Context, url string, query url.Values, out any) error
}

// Options configures an Aggregator.
type Options struct {
	APIURL         string
	DownloadAPIURL string
	FacilityName   string

	// MaxInFlight bounds concurrent size queries.
	// Default: 5
	MaxInFlight int

	// Retry wraps every query. Default: retry.Default().
	Retry *retry.Retrier

	Metrics *metrics.Metrics
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	gw     Gateway
	cache  *cache.Cache
	report report.Reporter
	opts   Options

	sem   *semaphore.Weighted
	group singleflight.Group
}

// New creates an Aggregator backed by c.
func New(gw Gateway, c *cache.Cache, r report.Reporter, opts Options) *Aggregator {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Retry == nil {
		def := retry.Default()
		opts.Retry = &def
	}
	if r == nil {
		r = report.Discard
	}
	c.SetStaleness("size/", cache.Forever)
	c.SetStaleness("count/", cache.Forever)
	return &Aggregator{
		gw:     gw,
		cache:  c,
		report: r,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxInFlight)),
	}
}

// Size returns the size in bytes of one entity.
func (a *Aggregator) Size(ctx context.Context, entityID int64, entityType model.EntityType) (int64, error) {
	key := fmt.Sprintf("size/%s/%d", entityType, entityID)
	return a.resolve(ctx, key, func(ctx context.Context) (int64, error) {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		a.opts.Metrics.SizeStarted()
		defer func() {
			a.opts.Metrics.SizeDone()
			a.sem.Release(1)
		}()
		return a.fetchSize(ctx, entityID, entityType)
	})
}

// FileCount returns the number of datafiles under one entity. A datafile
// counts as 1 without asking the server.
func (a *Aggregator) FileCount(ctx context.Context, entityID int64, entityType model.EntityType) (int64, error) {
	if entityType == model.Datafile {
		return 1, nil
	}
	key := fmt.Sprintf("count/%s/%d", entityType, entityID)
	return a.resolve(ctx, key, func(ctx context.Context) (int64, error) {
		return a.fetchCount(ctx, entityID, entityType)
	})
}

func (a *Aggregator) resolve(ctx context.Context, key string, fetch func(ctx context.Context) (int64, error)) (int64, error) {
	if v, ok := cache.Fresh[int64](a.cache, key); ok {
		return v, nil
	}
	// The shared call outlives any single caller; each caller stops waiting
	// on its own context instead.
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(key, func() (any, error) {
		r := *a.opts.Retry
		r.OnRetry = func(int, error) { a.opts.Metrics.ObserveRetry("sizes") }
		n, err := retry.Value(flightCtx, r, fetch)
		if err != nil {
			a.report.Report(flightCtx, "sizes."+key, err)
			return int64(0), err
		}
		cache.Set(a.cache, key, n)
		return n, nil
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("resolve %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, fmt.Errorf("resolve %s: %w", key, res.Err)
		}
		return res.Val.(int64), nil
	}
}

func (a *Aggregator) fetchSize(ctx context.Context, entityID int64, entityType model.EntityType) (int64, error) {
	if entityType == model.Datafile {
		var df struct {
			FileSize int64 `json:"fileSize"`
		}
		u := dghttp.Endpoint(a.opts.APIURL, "datafiles", strconv.FormatInt(entityID, 10))
		if err := a.gw.Get(ctx, u, nil, &df); err != nil {
			return 0, err
		}
		return df.FileSize, nil
	}

	var size int64
	query := url.Values{
		"facilityName": {a.opts.FacilityName},
		"entityType":   {string(entityType)},
		"entityId":     {strconv.FormatInt(entityID, 10)},
	}
	if err := a.gw.Get(ctx, dghttp.Endpoint(a.opts.DownloadAPIURL, "user", "getSize"), query, &size); err != nil {
		return 0, err
	}
	return size, nil
}

func (a *Aggregator) fetchCount(ctx context.Context, entityID int64, entityType model.EntityType) (int64, error) {
	var field, include string
	switch entityType {
	case model.Dataset:
		field, include = "dataset.id", `"dataset"`
	case model.Investigation:
		field, include = "dataset.investigation.id", `{"dataset": "investigation"}`
	default:
		return 0, fmt.Errorf("count: unknown entity type %q", entityType)
	}

	where, err := json.Marshal(map[string]map[string]int64{field: {"eq": entityID}})
	if err != nil {
		return 0, err
	}
	query := url.Values{
		"where":   {string(where)},
		"include": {include},
	}

	var count int64
	if err := a.gw.Get(ctx, dghttp.Endpoint(a.opts.APIURL, "datafiles", "count"), query, &count); err != nil {
		return 0, err
	}
	return count, nil
}
