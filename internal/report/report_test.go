package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	dghttp "github.com/ligustah/dgcart/internal/http"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf), nil)

	l.Report(context.Background(), "cart.remove", &dghttp.StatusError{Method: "DELETE", URL: "/c", Code: 431})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["op"] != "cart.remove" {
		t.Errorf("expected op cart.remove, got %v", entry["op"])
	}
	if entry["kind"] != "transient" {
		t.Errorf("expected kind transient, got %v", entry["kind"])
	}
	if entry["status"] != float64(431) {
		t.Errorf("expected status 431, got %v", entry["status"])
	}
	if entry["level"] != "error" {
		t.Errorf("expected error level, got %v", entry["level"])
	}
}

func TestUnauthorizedSignal(t *testing.T) {
	calls := 0
	l := NewLogger(zerolog.Nop(), func(ctx context.Context, err error) { calls++ })

	l.Report(context.Background(), "downloads.list", &dghttp.StatusError{Code: 401})
	l.Report(context.Background(), "downloads.list", &dghttp.StatusError{Code: 500})
	l.Report(context.Background(), "downloads.list", nil)

	if calls != 1 {
		t.Errorf("expected one session invalidation, got %d", calls)
	}
}

func TestValidationLogsFieldMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf), nil)

	l.Report(context.Background(), "doi.user", &dghttp.StatusError{Code: 422, Body: "no such user"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["field_message"] != "no such user" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestFieldMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&dghttp.StatusError{Code: 404, Body: "unknown DOI"}, "unknown DOI"},
		{&dghttp.StatusError{Code: 404}, "not found"},
		{&dghttp.StatusError{Code: 404, Body: `{"detail":"No user found"}`}, "No user found"},
		{&dghttp.StatusError{Code: 422, Body: `{"detail":[{"msg":"bad email"},{"msg":"x"}]}`}, "bad email"},
		{&dghttp.StatusError{Code: 422, Body: `{"detail":[]}`}, `{"detail":[]}`},
		{&dghttp.StatusError{Code: 422}, "invalid value"},
		{errors.New("boom"), "boom"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := FieldMessage(tt.err); got != tt.want {
			t.Errorf("FieldMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestFuncAdapter(t *testing.T) {
	var gotOp string
	r := Func(func(ctx context.Context, op string, err error) { gotOp = op })
	r.Report(context.Background(), "submit", errors.New("x"))
	if gotOp != "submit" {
		t.Errorf("expected submit, got %q", gotOp)
	}
	Discard.Report(context.Background(), "noop", errors.New("x"))
}
