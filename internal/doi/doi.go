// Package doi asks the DOI minter whether the cart can be published and
// whether a username belongs to a known user.
//
// Rejections of user input come back as *FieldError so a form can show the
// server's message next to the field that caused it.
package doi

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	dghttp "github.com/ligustah/dgcart/internal/http"
	"github.com/ligustah/dgcart/internal/metrics"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/report"
	"github.com/ligustah/dgcart/internal/retry"
)

var (
	// ErrNotConfigured is returned when no minter URL is set.
	ErrNotConfigured = errors.New("doi: minter url not configured")

	// ErrNotMintable is returned when the minter refuses the cart. The
	// wrapping error carries the minter's reason.
	ErrNotMintable = errors.New("doi: cart cannot be minted")
)

// FieldError is a validation rejection tied to one input.
type FieldError struct {
	Field   string
	Message string
	Err     error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }
func (e *FieldError) Unwrap() error { return e.Err }

// Gateway is the subset of the HTTP client the minter client needs.
type Gateway interface {
	Get(ctx context.Context, url string, query url.Values, out any) error
	PostJSON(ctx context.Context, url string, body, out any) error
}

// Options configures a Client.
type Options struct {
	MinterURL string

	// Retry wraps every request. Default: retry.Default().
	Retry *retry.Retrier

	Metrics *metrics.Metrics
}

// Client talks to the DOI minter.
type Client struct {
	gw     Gateway
	report report.Reporter
	opts   Options
}

// New creates a Client. r may be nil.
func New(gw Gateway, r report.Reporter, opts Options) *Client {
	if opts.Retry == nil {
		def := retry.Default()
		opts.Retry = &def
	}
	if r == nil {
		r = report.Discard
	}
	return &Client{gw: gw, report: r, opts: opts}
}

func (c *Client) retrier(op string) retry.Retrier {
	rt := *c.opts.Retry
	rt.OnRetry = func(int, error) { c.opts.Metrics.ObserveRetry(op) }
	return rt
}

// Content lists the entities of a cart by type, in the minter's field names.
type Content struct {
	InvestigationIDs []int64 `json:"investigation_ids,omitempty"`
	DatasetIDs       []int64 `json:"dataset_ids,omitempty"`
	DatafileIDs      []int64 `json:"datafile_ids,omitempty"`
}

// ContentOf groups cart items by entity type.
func ContentOf(items []model.CartItem) Content {
	var c Content
	for _, it := range items {
		switch it.EntityType {
		case model.Investigation:
			c.InvestigationIDs = append(c.InvestigationIDs, it.EntityID)
		case model.Dataset:
			c.DatasetIDs = append(c.DatasetIDs, it.EntityID)
		case model.Datafile:
			c.DatafileIDs = append(c.DatafileIDs, it.EntityID)
		}
	}
	return c
}

// CartMintable reports whether the user may mint a DOI for items. An empty
// cart is never mintable and costs no request. A refusal by the minter
// gives false and an error wrapping ErrNotMintable; it is an answer, not a
// failure, so it is not reported.
func (c *Client) CartMintable(ctx context.Context, items []model.CartItem) (bool, error) {
	if c.opts.MinterURL == "" {
		return false, ErrNotConfigured
	}
	if len(items) == 0 {
		return false, nil
	}

	u := dghttp.Endpoint(c.opts.MinterURL, "ismintable")
	body := ContentOf(items)
	err := c.retrier("doi.ismintable").Do(ctx, func(ctx context.Context) error {
		return c.gw.PostJSON(ctx, u, body, nil)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, dghttp.ErrForbidden):
		return false, fmt.Errorf("%w: %s", ErrNotMintable, report.FieldMessage(err))
	}
	c.report.Report(ctx, "doi.ismintable", err)
	return false, fmt.Errorf("check cart mintable: %w", err)
}

// User is a user known to the minter.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"fullName,omitempty"`
}

// CheckUser looks up username. An unknown or malformed name gives a
// *FieldError for the "username" field.
func (c *Client) CheckUser(ctx context.Context, username string) (User, error) {
	if c.opts.MinterURL == "" {
		return User{}, ErrNotConfigured
	}

	var user User
	u := dghttp.Endpoint(c.opts.MinterURL, "user", username)
	err := c.retrier("doi.check_user").Do(ctx, func(ctx context.Context) error {
		return c.gw.Get(ctx, u, nil, &user)
	})
	if err != nil {
		c.report.Report(ctx, "doi.check_user", err)
		if dghttp.Classify(err) == dghttp.KindValidation {
			return User{}, &FieldError{Field: "username", Message: report.FieldMessage(err), Err: err}
		}
		return User{}, fmt.Errorf("check user %q: %w", username, err)
	}
	return user, nil
}
