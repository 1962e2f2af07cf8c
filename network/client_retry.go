package network

import (
	"context"
	"errors"
	"time"

	"projsync/logging"
)

// DefaultDialBackoff is the delay schedule used by DialWithRetry.
var DefaultDialBackoff = []time.Duration{0, 500 * time.Millisecond, 2 * time.Second, 5 * time.Second}

// DialWithRetry dials once per backoff step and returns the first connection
// that completes hello. Identity and version errors are not retried.
func DialWithRetry(ctx context.Context, address string, options HelloOptions, backoff []time.Duration) (*PeerConnection, error) {
	if len(backoff) == 0 {
		backoff = DefaultDialBackoff
	}
	logger := logging.OrDefault(options.Logger).Named("network")

	var lastErr error
	for attempt, delay := range backoff {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}

		conn, err := Dial(address, options)
		switch {
		case err == nil:
			return conn, nil
		case errors.Is(err, ErrUnsupportedVersion), errors.Is(err, ErrInvalidHelloIdentity):
			return nil, err
		}
		logger.Debug("dial attempt failed",
			logging.Int("attempt", attempt+1),
			logging.String("address", address),
			logging.Err(err),
		)
		lastErr = err
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
