// Package retry holds the retry strategies applied to gateway calls.
//
// A Policy is a plain function so it can be swapped and tested on its own.
// The Retrier runs a call until it succeeds or the policy gives up.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	dghttp "github.com/ligustah/dgcart/internal/http"
)

// DefaultAttempts is the total number of attempts made for transient failures.
const DefaultAttempts = 3

// Policy decides whether to try again. attempt is the number of attempts
// already made, so it is 1 after the first failure.
type Policy func(attempt int, err error) bool

// Transient retries transient failures until maxAttempts attempts were made.
// Every other kind of failure stops immediately.
func Transient(maxAttempts int) Policy {
	return func(attempt int, err error) bool {
		return attempt < maxAttempts && dghttp.Classify(err) == dghttp.KindTransient
	}
}

// Never does not retry.
func Never(int, error) bool { return false }

// Retrier runs calls under a Policy.
type Retrier struct {
	// Policy decides whether a failed attempt is retried. Nil means Never.
	Policy Policy

	// Backoff is the initial wait between attempts. Zero retries immediately.
	Backoff time.Duration

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration

	// OnRetry is called before each retry. Optional.
	OnRetry func(attempt int, err error)
}

// Default returns a Retrier that retries transient failures up to
// DefaultAttempts times with no wait.
func Default() Retrier {
	return Retrier{Policy: Transient(DefaultAttempts)}
}

// Do calls fn until it succeeds, the policy gives up or ctx is done. The
// last error is returned.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := r.Policy
	if policy == nil {
		policy = Never
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !policy(attempt, err) {
			return err
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		if err := r.wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, r Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r Retrier) wait(ctx context.Context, attempt int) error {
	if r.Backoff <= 0 {
		return ctx.Err()
	}

	backoff := r.Backoff * time.Duration(1<<uint(attempt-1))
	if r.MaxBackoff > 0 && backoff > r.MaxBackoff {
		backoff = r.MaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
