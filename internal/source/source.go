// Package source defines the abstract message source the sync engine
// consumes, together with the error taxonomy the engine's retry logic is
// built on. The real network client lives outside this repository; what the
// engine needs is an ordered, cursor-addressable sequence of messages.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmaltsev/tgmirror/internal/store"
)

// Source yields messages for a scope in descending recency order.
//
// Descending delivery is a contract, not a hint: the engine's early-exit
// cutoffs assume that once a message older than the cutoff appears, every
// following message is older too.
type Source interface {
	// Iterate starts a scan over the scope's messages, newest first.
	// Only messages with id strictly greater than minMessageID are yielded;
	// pass 0 for no lower bound.
	Iterate(ctx context.Context, scope store.Scope, minMessageID int64) (Iterator, error)
}

// Iterator walks one scan. Next returns io.EOF-style termination via Done.
type Iterator interface {
	// Next returns the next message, or ErrDone when the scan is exhausted.
	// It may also return a RateLimitedError or AuthInterruptedError, both of
	// which the engine treats as retryable, or any other error, which aborts
	// the run.
	Next(ctx context.Context) (*store.Message, error)
}

// ErrDone signals normal end of a scan.
var ErrDone = errors.New("source: no more messages")

// RateLimitedError reports transient backpressure from the source.
// The engine backs off for RetryAfter before resuming.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by source, retry after %s", e.RetryAfter)
}

// AuthInterruptedError reports a forced reconnect: the session must be
// re-established, after which the scan can be retried.
type AuthInterruptedError struct {
	Cause error
}

func (e *AuthInterruptedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source requested auth restart: %v", e.Cause)
	}
	return "source requested auth restart"
}

func (e *AuthInterruptedError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is a retryable source condition.
func IsTransient(err error) bool {
	var rl *RateLimitedError
	var ai *AuthInterruptedError
	return errors.As(err, &rl) || errors.As(err, &ai)
}

// RetryAfter extracts the backoff hint from a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
