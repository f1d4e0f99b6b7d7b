package task

import (
	"errors"
	"fmt"
	"time"
)

// RateLimited marks an error as a rate-limit signal from the external
// service. The execution wrapper retries these with backoff; after gives an
// explicit delay hint (zero when the service sent none).
//
// Example:
//
//	return task.RateLimited(fmt.Errorf("spotify: %w", err), retryAfter)
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var e rateLimitedError
	return errors.As(err, &e)
}

// RetryAfterError is implemented by errors that carry an explicit retry
// delay, typically from an HTTP 429 Retry-After header. The execution
// wrapper respects the hint, bounded by the retry policy's max delay, and
// still applies jitter.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate-limited: %v", e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }

// NoRetry marks an error as a permanent failure so the execution wrapper
// records it without retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
