// Package retry runs flaky operations multiple times before giving up.
package retry

import (
	"context"
	"time"

	"github.com/osforge/imagetools/internal/logger"
)

// Run invokes the function up to attempts times, sleeping for delay between attempts.
// Returns the error from the last attempt.
func Run(function func() error, attempts int, delay time.Duration) (err error) {
	for i := 0; i < attempts; i++ {
		if i != 0 {
			time.Sleep(delay)
		}

		err = function()
		if err == nil {
			return nil
		}
		logger.Log.Debugf("Attempt %d/%d failed: %v", i+1, attempts, err)
	}
	return err
}

// RunWithExpBackoff invokes the function up to attempts times, doubling the sleep by
// backoffFactor after each failure. The context cancels further attempts (but not an
// attempt already in flight). Returns whether the function eventually succeeded.
func RunWithExpBackoff(ctx context.Context, function func() error, attempts int,
	initialDelay time.Duration, backoffFactor float64,
) (succeeded bool, err error) {
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		if i != 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		err = function()
		if err == nil {
			return true, nil
		}
		logger.Log.Debugf("Attempt %d/%d failed: %v", i+1, attempts, err)
	}
	return false, err
}
