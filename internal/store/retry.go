package store

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/toponymdb/internal/domain"
)

// WithRetry reruns fn while it reports a concurrent write conflict, up to
// attempts tries. Business rejections such as a temporal overlap are never
// retried; they surface immediately for a manual correction decision.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrWriteConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return err
}
