package postgres

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fanride/fanride/errs"
)

// retryPolicy re-runs store operations that failed with a throttled or
// transient classification. Conflicts, precondition failures, and missing
// documents are never retried here; those belong to the caller.
type retryPolicy struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts:     4,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
	}
}

func (p retryPolicy) run(ctx context.Context, fn func(context.Context) error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = p.initialInterval
	backoffCfg.MaxInterval = p.maxInterval
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempts++
		if !errs.IsRetryable(err) || attempts >= p.maxAttempts {
			return err
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
}
