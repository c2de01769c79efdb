package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds RunWithRetry.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Timeout bounds each attempt; zero leaves it to ctx.
	Timeout time.Duration
	// OnRetry, if set, is called before each retry.
	OnRetry func(err error, wait time.Duration)
}

// RunWithRetry runs fn in a transaction, retrying with exponential backoff
// while the failure IsRetryable. Any other error stops immediately. fn may
// run more than once and must not keep state across attempts.
func RunWithRetry(ctx context.Context, s Store, p RetryPolicy, fn func(ctx context.Context, tx Tx) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(p.MaxRetries, 0))), ctx)

	op := func() error {
		txCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			txCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		err := s.RunInTx(txCtx, fn)
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.RetryNotify(op, b, p.OnRetry)
}
