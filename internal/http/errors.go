package http

import (
	"errors"
)

// Kind classifies a failed request for reporting and retry decisions.
type Kind int

const (
	// KindPermanent is any failure not covered by another kind, including
	// network errors. Surfaced once and never retried.
	KindPermanent Kind = iota
	// KindTransient is a 431 response, seen intermittently when long item
	// lists end up in the query string.
	KindTransient
	// KindAuthorization is a 401 response. The session is no longer valid.
	KindAuthorization
	// KindValidation is a 404 or 422 rejection of user input.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	default:
		return "permanent"
	}
}

// Classify maps err onto a Kind. A nil error is KindPermanent; callers are
// expected to check for nil first.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return KindTransient
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnprocessable):
		return KindValidation
	}
	return KindPermanent
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
