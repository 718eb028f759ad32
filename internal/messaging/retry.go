package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 500 * time.Millisecond, MaxInterval: time.Minute}
}

// RetryHandler retries a failing message with capped exponential backoff
// until it succeeds or ctx is done. The consumer holds the offset
// meanwhile, so later messages on the partition wait behind it.
func RetryHandler(handler Handler, policy RetryPolicy, logger *slog.Logger) Handler {
	return func(ctx context.Context, key string, payload []byte) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.InitialInterval
		b.MaxInterval = policy.MaxInterval

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, handler(ctx, key, payload)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warn("message handling failed, retrying", "error", err, "key", key, "retry_in", wait)
			}),
		)
		return err
	}
}
