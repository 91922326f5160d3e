// Package retry provides a bounded poller for remote operations that
// complete asynchronously.
package retry

import (
	"context"
	"time"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// PollConfig bounds a polling loop. Zero MaxAttempts means unlimited
// attempts; zero Timeout means no overall deadline. At least one of the
// two must be set.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Poll calls check until it reports done, returns an error, or the bounds
// are exhausted. Exhaustion returns perrors.ErrTimeout. The first check runs
// immediately; later checks wait Interval.
func Poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (bool, error)) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	for attempt := 0; cfg.MaxAttempts == 0 || attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return timeoutOr(ctx)
			case <-time.After(cfg.Interval):
			}
		}
		done, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return timeoutOr(ctx)
			}
			return err
		}
		if done {
			return nil
		}
	}
	return perrors.ErrTimeout
}

// timeoutOr maps our own deadline to ErrTimeout and leaves caller
// cancellation as is.
func timeoutOr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return perrors.ErrTimeout
	}
	return ctx.Err()
}
