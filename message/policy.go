package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Policy is a bounded retry policy. Errors matching Abort end the retries at
// once and are returned unwrapped from retry bookkeeping so callers can
// inspect them.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Abort    func(error) bool
}

// DefaultPolicy retries up to attempts times and aborts on rate limits and permanent errors.
func DefaultPolicy(attempts uint) Policy {
	return Policy{
		Attempts: attempts,
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
		Abort: func(err error) bool {
			return IsRateLimited(err) || IsPermanent(err)
		},
	}
}

func (p Policy) aborts(err error) bool {
	return p.Abort != nil && p.Abort(err)
}

// Do runs fn until it succeeds, the attempts are used up, Abort matches, or ctx ends.
// The returned error wraps the last error fn produced.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := max(p.Delay, time.Millisecond)
	maxDelay := max(p.MaxDelay, delay)

	var last error
	err := retry.Do(
		func() error {
			last = fn()
			return last
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(maxDelay),
		retry.MaxJitter(delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying after error", "op", op, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !p.aborts(err)
		}),
	)
	if err == nil {
		return nil
	}
	if last == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, last)
}
