package keeper

import (
	"context"
	"time"

	"rangeKeeper/internal/chain"
)

// retryTransient retries fn with exponential backoff while it keeps failing
// with a transient RPC error. Reverts and other definitive errors return
// immediately: retrying them re-executes state changes.
func retryTransient(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !chain.IsTransient(err) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
