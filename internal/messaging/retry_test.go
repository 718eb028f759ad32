package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func TestRetryHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("retries until the handler succeeds", func(t *testing.T) {
		var calls atomic.Int32
		handler := RetryHandler(func(_ context.Context, key string, _ []byte) error {
			assert.Equal(t, "order-1", key)
			if calls.Add(1) < 3 {
				return errors.New("receiver unavailable")
			}
			return nil
		}, fastRetry, logger)

		require.NoError(t, handler(context.Background(), "order-1", []byte(`{}`)))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up only when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var calls atomic.Int32
		handler := RetryHandler(func(context.Context, string, []byte) error {
			calls.Add(1)
			return errors.New("receiver unavailable")
		}, fastRetry, logger)

		err := handler(ctx, "order-1", nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Greater(t, calls.Load(), int32(1))
	})
}
