package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/dgcart/internal/metrics"
)

// Common errors. A *StatusError unwraps to one of these when the status code
// has a dedicated sentinel.
var (
	ErrUnauthorized   = errors.New("http: unauthorized")
	ErrForbidden      = errors.New("http: access forbidden")
	ErrNotFound       = errors.New("http: resource not found")
	ErrUnprocessable  = errors.New("http: unprocessable entity")
	ErrHeaderTooLarge = errors.New("http: request header fields too large")
	ErrServerError    = errors.New("http: server error")
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case e.Code == http.StatusRequestHeaderFieldsTooLarge:
		return ErrHeaderTooLarge
	case e.Code >= 500:
		return ErrServerError
	}
	return nil
}

// TokenSource supplies the session id sent with every request.
type TokenSource interface {
	SessionID() string
}

// StaticToken is a TokenSource with a fixed session id.
type StaticToken string

func (t StaticToken) SessionID() string { return string(t) }

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 20
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent on every request when set.
	UserAgent string

	// Metrics records request outcomes. Optional.
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 20,
		Timeout:             30 * time.Second,
		UserAgent:           "dgcart",
	}
}

// Client talks to the download API, the data API and the IDS. It injects the
// session into every request and performs no retries of its own.
type Client struct {
	client *http.Client
	opts   Options
	tokens TokenSource
	newID  func() string
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options, tokens TokenSource) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:   opts,
		tokens: tokens,
		newID:  func() string { return uuid.NewString() },
	}
}

// Get performs a GET and decodes a JSON response into out when out is non-nil.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, rawURL, c.withSession(query), nil)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Delete performs a DELETE and decodes a JSON response into out when out is
// non-nil.
func (c *Client) Delete(ctx context.Context, rawURL string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodDelete, rawURL, c.withSession(query), nil)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// PostForm posts a form-encoded body and decodes a JSON response into out
// when out is non-nil.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodPost, rawURL, nil, c.withSession(form))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// PostJSON posts body encoded as JSON and decodes a JSON response into out
// when out is non-nil. The session travels in the Authorization header only.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, rawURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// PutForm puts a form-encoded body. Any response body is discarded.
func (c *Client) PutForm(ctx context.Context, rawURL string, form url.Values) error {
	resp, err := c.do(ctx, http.MethodPut, rawURL, nil, c.withSession(form))
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// GetString performs a GET and returns the trimmed response body.
func (c *Client) GetString(ctx context.Context, rawURL string, query url.Values) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, c.withSession(query), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Stream performs a GET and returns the open body with its length (-1 when
// unknown). The caller must close the body.
func (c *Client) Stream(ctx context.Context, rawURL string, query url.Values) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, c.withSession(query), nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// SessionQuery returns query with the session id added, for building links
// that are followed outside this client.
func (c *Client) SessionQuery(query url.Values) url.Values {
	return c.withSession(query)
}

func (c *Client) do(ctx context.Context, method, rawURL string, query, form url.Values) (*http.Response, error) {
	target := rawURL
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	if form == nil {
		return c.send(ctx, method, target, "", nil)
	}
	return c.send(ctx, method, target, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (c *Client) send(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if sid := c.tokens.SessionID(); sid != "" {
		req.Header.Set("Authorization", "Bearer "+sid)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	req.Header.Set("X-Request-ID", c.newID())

	rawURL := target
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		rawURL = rawURL[:i]
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.opts.Metrics.ObserveRequest(method, 0)
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	c.opts.Metrics.ObserveRequest(method, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: method,
			URL:    rawURL,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}

// withSession copies v and adds the session id unless the caller set one.
func (c *Client) withSession(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	if sid := c.tokens.SessionID(); sid != "" && out.Get("sessionId") == "" {
		out.Set("sessionId", sid)
	}
	return out
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Endpoint joins base with path segments, escaping each segment.
func Endpoint(base string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
