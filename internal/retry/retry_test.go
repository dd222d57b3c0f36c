package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Run(func() error {
		calls++
		return nil
	}, 3, time.Millisecond)

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Run(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}, 5, time.Millisecond)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunReturnsLastError(t *testing.T) {
	calls := 0
	err := Run(func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	}, 3, time.Millisecond)

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorContains(t, err, "attempt 3")
}

func TestRunWithExpBackoffSucceeds(t *testing.T) {
	calls := 0
	succeeded, err := RunWithExpBackoff(context.Background(), func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	}, 5, time.Millisecond, 2.0)

	assert.True(t, succeeded)
	assert.NoError(t, err)
}

func TestRunWithExpBackoffExhaustsAttempts(t *testing.T) {
	succeeded, err := RunWithExpBackoff(context.Background(), func() error {
		return fmt.Errorf("permanent")
	}, 3, time.Millisecond, 2.0)

	assert.False(t, succeeded)
	assert.Error(t, err)
}

func TestRunWithExpBackoffHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	succeeded, _ := RunWithExpBackoff(ctx, func() error {
		return fmt.Errorf("transient")
	}, 10, 10*time.Second, 2.0)

	assert.False(t, succeeded)
}
