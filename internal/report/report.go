// Package report is the single place failures are surfaced to the user.
package report

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	dghttp "github.com/ligustah/dgcart/internal/http"
)

// Reporter surfaces a failed operation. op names the operation, for example
// "cart.remove".
type Reporter interface {
	Report(ctx context.Context, op string, err error)
}

// Func adapts a function to a Reporter.
type Func func(ctx context.Context, op string, err error)

func (f Func) Report(ctx context.Context, op string, err error) { f(ctx, op, err) }

// Discard drops every report.
var Discard Reporter = Func(func(context.Context, string, error) {})

// Logger reports through zerolog.
type Logger struct {
	Log zerolog.Logger

	// OnUnauthorized is called once for every authorization failure so the
	// surrounding application can drop the session. Optional.
	OnUnauthorized func(ctx context.Context, err error)
}

// NewLogger returns a Logger writing to log.
func NewLogger(log zerolog.Logger, onUnauthorized func(ctx context.Context, err error)) *Logger {
	return &Logger{Log: log, OnUnauthorized: onUnauthorized}
}

func (l *Logger) Report(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	kind := dghttp.Classify(err)

	ev := l.Log.Error()
	if kind == dghttp.KindValidation {
		ev = l.Log.Warn().Str("field_message", FieldMessage(err))
	}
	ev = ev.Str("op", op).Str("kind", kind.String())
	if code := dghttp.StatusCode(err); code != 0 {
		ev = ev.Int("status", code)
	}
	ev.Err(err).Msg("operation failed")

	if kind == dghttp.KindAuthorization && l.OnUnauthorized != nil {
		l.OnUnauthorized(ctx, err)
	}
}

// FieldMessage returns the message to show next to the input that caused a
// validation rejection: the server's text when it sent one. JSON bodies of
// the form {"detail": "..."} or {"detail": [{"msg": "..."}]} yield the
// first message.
func FieldMessage(err error) string {
	var se *dghttp.StatusError
	if errors.As(err, &se) && se.Body != "" {
		if msg := detail(se.Body); msg != "" {
			return msg
		}
		return se.Body
	}
	switch {
	case errors.Is(err, dghttp.ErrNotFound):
		return "not found"
	case errors.Is(err, dghttp.ErrUnprocessable):
		return "invalid value"
	case err != nil:
		return err.Error()
	}
	return ""
}

func detail(body string) string {
	var v struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal([]byte(body), &v) != nil || len(v.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(v.Detail, &s) == nil {
		return s
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(v.Detail, &list) == nil && len(list) > 0 {
		return list[0].Msg
	}
	return ""
}
