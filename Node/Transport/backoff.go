package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	minRetryWait = 10 * time.Millisecond
	maxRetryWait = time.Second
)

// Retry calls try with randomized exponential backoff until it succeeds,
// returns a backoff.Permanent error, or ctx ends. The backoff interval stops
// growing at maxWait (one second when maxWait is not positive) and each wait
// is jittered by up to half the interval. notify, if set, sees every failed
// attempt and the wait before the next one.
func Retry(ctx context.Context, maxWait time.Duration, try func() error, notify backoff.Notify) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if maxWait <= 0 {
		maxWait = maxRetryWait
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minRetryWait
	if b.InitialInterval > maxWait {
		b.InitialInterval = maxWait
	}
	b.MaxInterval = maxWait
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(try, backoff.WithContext(b, ctx), notify)
}
