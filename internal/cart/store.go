// Package cart keeps the client's view of the server-side download cart.
//
// Every mutation is applied to the cache first and reconciled with the
// server's answer afterwards: committed on success, rolled back on failure.
package cart

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ligustah/dgcart/internal/cache"
	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
	"github.com/ligustah/dgcart/internal/retry"
)

// SubmitFailed is returned by Submit in place of a download id.
const SubmitFailed int64 = -1

// DefaultZipType is used when SubmitParams.ZipType is empty.
const DefaultZipType = "ZIP"

const (
	cartKey         = "cart/items"
	queueAllowedKey = "cart/queue-allowed"
	twoLevelKey     = "cart/two-level"
)

// ErrNoDownloadID is returned when the server accepted a submission but sent
// no download id back.
var ErrNoDownloadID = errors.New("cart: submit response has no downloadId")

// Gateway is the subset of the HTTP client the store needs.
type Gateway interface {
	Get(ctx context.Context, url string, query url.Values, out any) error
	Delete(ctx context.Context, url string, query url.Values, out any) error
	PostForm(ctx context.Context, url string, form url.Values, out any) error
}

// Options configures a Store.
type Options struct {
	DownloadAPIURL string
	IDSURL         string
	FacilityName   string

	// Retry wraps every cart mutation. Default: retry.Default().
	Retry *retry.Retrier

	Metrics *metrics.Metrics
}

// SubmitParams are the user's choices for a submission.
type SubmitParams struct {
	Transport string
	Email     string
	FileName  string
	ZipType   string
}

// Store is safe for concurrent use. Mutations are serialized so optimistic
// snapshots never interleave.
type Store struct {
	gw     Gateway
	cache  *cache.Cache
	report report.Reporter
	opts   Options

	mu sync.Mutex
}

// NewStore creates a Store backed by c.
func NewStore(gw Gateway, c *cache.Cache, r report.Reporter, opts Options) *Store {
	if r == nil {
		r = report.Discard
	}
	if opts.Retry == nil {
		def := retry.Default()
		opts.Retry = &def
	}
	c.SetStaleness(cartKey, 0)
	c.SetStaleness(queueAllowedKey, cache.Forever)
	c.SetStaleness(twoLevelKey, cache.Forever)
	return &Store{gw: gw, cache: c, report: r, opts: opts}
}

func (s *Store) cartURL(elems ...string) string {
	return dghttp.Endpoint(s.opts.DownloadAPIURL, append([]string{"user", "cart", s.opts.FacilityName}, elems...)...)
}

func (s *Store) retrier(op string) retry.Retrier {
	r := *s.opts.Retry
	next := r.OnRetry
	r.OnRetry = func(attempt int, err error) {
		s.opts.Metrics.ObserveRetry(op)
		if next != nil {
			next(attempt, err)
		}
	}
	return r
}

type cartResponse struct {
	CartItems []model.CartItem `json:"cartItems"`
}

// Fetch always asks the server. On failure the cached items are left alone
// and returned with the error.
func (s *Store) Fetch(ctx context.Context) ([]model.CartItem, error) {
	items, err := cache.Refresh(ctx, s.cache, cartKey, func(ctx context.Context) ([]model.CartItem, error) {
		var resp model.Cart
		if err := s.gw.Get(ctx, s.cartURL(), nil, &resp); err != nil {
			return nil, err
		}
		return nonNil(resp.CartItems), nil
	})
	if err != nil {
		s.report.Report(ctx, "cart.fetch", err)
		return items, fmt.Errorf("fetch cart: %w", err)
	}
	return items, nil
}

// Items returns the cached items without a request.
func (s *Store) Items() []model.CartItem {
	items, _ := cache.Get[[]model.CartItem](s.cache, cartKey)
	return items
}

// RemoveAll empties the cart. The empty cart is shown immediately. If the
// request fails the cart is marked stale so the next read refetches it.
func (s *Store) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := cache.Begin[[]model.CartItem](s.cache, cartKey)
	tx.Apply(func([]model.CartItem) []model.CartItem { return []model.CartItem{} })

	err := s.retrier("cart.remove_all").Do(ctx, func(ctx context.Context) error {
		return s.gw.Delete(ctx, s.cartURL("cartItems"), url.Values{"items": {"*"}}, nil)
	})
	if err != nil {
		s.cache.Invalidate(cartKey)
		s.report.Report(ctx, "cart.remove_all", err)
		return fmt.Errorf("remove all cart items: %w", err)
	}
	tx.Commit([]model.CartItem{})
	return nil
}

// RemoveEntity removes one item and returns the server's remaining list.
// On failure the cart is restored to what it was before the call.
func (s *Store) RemoveEntity(ctx context.Context, entityType model.EntityType, entityID int64) ([]model.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.ItemKey{Type: entityType, ID: entityID}
	tx := cache.Begin[[]model.CartItem](s.cache, cartKey)
	tx.Apply(func(cur []model.CartItem) []model.CartItem {
		return slices.DeleteFunc(model.CloneItems(cur), func(it model.CartItem) bool { return it.Key() == key })
	})

	resp, err := retry.Value(ctx, s.retrier("cart.remove"), func(ctx context.Context) (cartResponse, error) {
		var resp cartResponse
		err := s.gw.Delete(ctx, s.cartURL("cartItems"), url.Values{"items": {key.String()}}, &resp)
		return resp, err
	})
	if err != nil {
		tx.Rollback()
		s.opts.Metrics.ObserveRollback("cart.remove")
		s.report.Report(ctx, "cart.remove", err)
		prev, _ := tx.Previous()
		return prev, fmt.Errorf("remove %s from cart: %w", key, err)
	}

	items := nonNil(resp.CartItems)
	tx.Commit(items)
	return items, nil
}

// Add puts entities of one type into the cart and returns the server's list.
func (s *Store) Add(ctx context.Context, entityType model.EntityType, ids ...int64) ([]model.CartItem, error) {
	if len(ids) == 0 {
		return s.Items(), nil
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("add to cart: unknown entity type %q", entityType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	form := url.Values{"items": {itemList(entityType, ids)}}
	resp, err := retry.Value(ctx, s.retrier("cart.add"), func(ctx context.Context) (cartResponse, error) {
		var resp cartResponse
		err := s.gw.PostForm(ctx, s.cartURL("cartItems"), form, &resp)
		return resp, err
	})
	if err != nil {
		s.report.Report(ctx, "cart.add", err)
		return s.Items(), fmt.Errorf("add to cart: %w", err)
	}

	items := nonNil(resp.CartItems)
	cache.Set(s.cache, cartKey, items)
	return items, nil
}

// Submit turns the cart into a download job and returns its id. On any
// failure it returns SubmitFailed with the error; the cart is then marked
// stale rather than assumed empty.
func (s *Store) Submit(ctx context.Context, p SubmitParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zipType := p.ZipType
	if zipType == "" {
		zipType = DefaultZipType
	}
	form := url.Values{
		"transport": {p.Transport},
		"email":     {p.Email},
		"fileName":  {p.FileName},
		"zipType":   {zipType},
	}

	resp, err := retry.Value(ctx, s.retrier("cart.submit"), func(ctx context.Context) (model.SubmitResult, error) {
		var resp model.SubmitResult
		err := s.gw.PostForm(ctx, s.cartURL("submit"), form, &resp)
		return resp, err
	})
	if err == nil && resp.DownloadID == nil {
		err = ErrNoDownloadID
	}
	if err != nil {
		s.cache.Invalidate(cartKey)
		s.report.Report(ctx, "cart.submit", err)
		return SubmitFailed, fmt.Errorf("submit cart: %w", err)
	}

	cache.Set(s.cache, cartKey, []model.CartItem{})
	return *resp.DownloadID, nil
}

// TransportStatus reports whether a transport can currently be used.
func (s *Store) TransportStatus(ctx context.Context, transport string) (model.TransportStatus, error) {
	status := model.TransportStatus{Type: transport}
	u := dghttp.Endpoint(s.opts.DownloadAPIURL, "user", "downloadType", transport, "status")
	if err := s.gw.Get(ctx, u, url.Values{"facilityName": {s.opts.FacilityName}}, &status); err != nil {
		s.report.Report(ctx, "cart.transport_status", err)
		return model.TransportStatus{Type: transport}, fmt.Errorf("transport %s status: %w", transport, err)
	}
	status.Type = transport
	return status, nil
}

// QueueAllowed reports whether the user may queue whole visits. The answer
// is kept for the life of the store.
func (s *Store) QueueAllowed(ctx context.Context) (bool, error) {
	allowed, err := cache.Load(ctx, s.cache, queueAllowedKey, func(ctx context.Context) (bool, error) {
		var allowed bool
		err := s.gw.Get(ctx, dghttp.Endpoint(s.opts.DownloadAPIURL, "user", "queue", "allowed"),
			url.Values{"facilityName": {s.opts.FacilityName}}, &allowed)
		return allowed, err
	})
	if err != nil {
		s.report.Report(ctx, "cart.queue_allowed", err)
		return false, fmt.Errorf("queue allowed: %w", err)
	}
	return allowed, nil
}

// QueueVisit asks the server to package a whole visit and returns the ids of
// the queued downloads.
func (s *Store) QueueVisit(ctx context.Context, visitID string, p SubmitParams) ([]string, error) {
	form := url.Values{
		"transport":    {p.Transport},
		"email":        {p.Email},
		"fileName":     {p.FileName},
		"visitId":      {visitID},
		"facilityName": {s.opts.FacilityName},
	}
	ids, err := retry.Value(ctx, s.retrier("cart.queue_visit"), func(ctx context.Context) ([]string, error) {
		var ids []string
		err := s.gw.PostForm(ctx, dghttp.Endpoint(s.opts.DownloadAPIURL, "user", "queue", "visit"), form, &ids)
		return ids, err
	})
	if err != nil {
		s.report.Report(ctx, "cart.queue_visit", err)
		return nil, fmt.Errorf("queue visit %s: %w", visitID, err)
	}
	return ids, nil
}

// IsTwoLevel reports whether the IDS stages data from tape. Failures read
// as false.
func (s *Store) IsTwoLevel(ctx context.Context) (bool, error) {
	twoLevel, err := cache.Load(ctx, s.cache, twoLevelKey, func(ctx context.Context) (bool, error) {
		var v bool
		err := s.gw.Get(ctx, dghttp.Endpoint(s.opts.IDSURL, "isTwoLevel"), nil, &v)
		return v, err
	})
	if err != nil {
		s.report.Report(ctx, "cart.is_two_level", err)
		return false, fmt.Errorf("is two level: %w", err)
	}
	return twoLevel, nil
}

// itemList formats ids as "type id, type id".
func itemList(entityType model.EntityType, ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(entityType) + " " + strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func nonNil(items []model.CartItem) []model.CartItem {
	if items == nil {
		return []model.CartItem{}
	}
	return items
}
