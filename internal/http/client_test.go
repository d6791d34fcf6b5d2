package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ligustah/dgcart/internal/metrics"
)

func TestGetInjectsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.URL.Query().Get("sessionId"); got != "sess-1" {
			t.Errorf("expected sessionId sess-1, got %q", got)
		}
		if got := r.URL.Query().Get("facilityName"); got != "LILS" {
			t.Errorf("expected facilityName LILS, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sess-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		fmt.Fprint(w, `{"cartItems":[{"id":1,"entityId":7,"entityType":"dataset","name":"ds"}]}`)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), StaticToken("sess-1"))

	var out struct {
		CartItems []struct {
			EntityID int64 `json:"entityId"`
		} `json:"cartItems"`
	}
	err := client.Get(context.Background(), server.URL, url.Values{"facilityName": {"LILS"}}, &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out.CartItems) != 1 || out.CartItems[0].EntityID != 7 {
		t.Errorf("unexpected decode result: %+v", out)
	}
}

func TestCallerSessionWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["sessionId"]; len(got) != 1 || got[0] != "override" {
			t.Errorf("expected single sessionId override, got %v", got)
		}
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), StaticToken("sess-1"))
	if err := client.Get(context.Background(), server.URL, url.Values{"sessionId": {"override"}}, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestPutFormBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if r.PostForm.Get("value") != "true" || r.PostForm.Get("sessionId") != "sess-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query string, got %q", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), StaticToken("sess-1"))
	if err := client.PutForm(context.Background(), server.URL, url.Values{"value": {"true"}}); err != nil {
		t.Fatalf("PutForm: %v", err)
	}
}

func TestEmptyBodyLeavesOutUntouched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), nil)
	out := []int{1, 2}
	if err := client.Get(context.Background(), server.URL, nil, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("expected out untouched, got %v", out)
	}
}

func TestGetString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, " 42.5\n")
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), nil)
	got, err := client.GetString(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if got != "42.5" {
		t.Errorf("expected 42.5, got %q", got)
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		fmt.Fprint(w, "hello")
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), nil)
	body, size, err := client.Stream(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "hello" || size != 5 {
		t.Errorf("unexpected stream %q size %d", data, size)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		code     int
		sentinel error
		kind     Kind
	}{
		{http.StatusRequestHeaderFieldsTooLarge, ErrHeaderTooLarge, KindTransient},
		{http.StatusUnauthorized, ErrUnauthorized, KindAuthorization},
		{http.StatusNotFound, ErrNotFound, KindValidation},
		{http.StatusUnprocessableEntity, ErrUnprocessable, KindValidation},
		{http.StatusForbidden, ErrForbidden, KindPermanent},
		{http.StatusInternalServerError, ErrServerError, KindPermanent},
		{http.StatusBadRequest, nil, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, "bad thing")
			}))
			defer server.Close()

			client := NewClient(DefaultOptions(), nil)
			err := client.Delete(context.Background(), server.URL, nil, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
			if got := Classify(err); got != tt.kind {
				t.Errorf("expected kind %v, got %v", tt.kind, got)
			}
			if got := StatusCode(err); got != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, got)
			}
			var se *StatusError
			if errors.As(err, &se) && se.Body != "bad thing" {
				t.Errorf("expected body captured, got %q", se.Body)
			}
		})
	}
}

func TestClassifyNetworkError(t *testing.T) {
	err := fmt.Errorf("dial: %w", errors.New("connection refused"))
	if got := Classify(err); got != KindPermanent {
		t.Errorf("expected permanent, got %v", got)
	}
	if got := StatusCode(err); got != 0 {
		t.Errorf("expected no status, got %d", got)
	}
}

func TestRequestMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestHeaderFieldsTooLarge)
	}))
	defer server.Close()

	m := metrics.New(nil)
	opts := DefaultOptions()
	opts.Metrics = m
	client := NewClient(opts, nil)

	_ = client.Get(context.Background(), server.URL, nil, nil)
	_ = client.Get(context.Background(), server.URL, nil, nil)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("GET", "431")); got != 2 {
		t.Errorf("expected 2 requests recorded, got %v", got)
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.Get(ctx, server.URL, nil, nil)
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
	if time.Since(start) > time.Second {
		t.Error("request should have been cancelled quickly")
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base     string
		segments []string
		want     string
	}{
		{"https://api/", []string{"user", "cart", "LILS"}, "https://api/user/cart/LILS"},
		{"https://api", []string{"user", "cart", "A B"}, "https://api/user/cart/A%20B"},
		{"https://api/v1", nil, "https://api/v1"},
	}
	for _, tt := range tests {
		if got := Endpoint(tt.base, tt.segments...); got != tt.want {
			t.Errorf("Endpoint(%q, %v) = %q, want %q", tt.base, tt.segments, got, tt.want)
		}
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sess-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query string, got %q", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"dataset_ids":[1,2]}` {
			t.Errorf("unexpected body %s", body)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), StaticToken("sess-1"))
	var out struct {
		OK bool `json:"ok"`
	}
	in := map[string][]int64{"dataset_ids": {1, 2}}
	if err := client.PostJSON(context.Background(), server.URL, in, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if !out.OK {
		t.Error("expected decoded response")
	}
}

func TestErrorURLOmitsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions(), StaticToken("secret"))
	err := client.Get(context.Background(), server.URL+"/x", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.URL != server.URL+"/x" {
		t.Errorf("expected URL without query, got %q", se.URL)
	}
}
