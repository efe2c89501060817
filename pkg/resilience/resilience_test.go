package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "upload", RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), "upload", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	denied := errors.New("access denied")
	calls := 0
	err := Retry(context.Background(), "upload", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(denied)
	})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "upload", RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func(context.Context) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker("redis", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	b.now = func() time.Time { return now }
	fail := func(context.Context) error { return errors.New("connection refused") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, StateClosed, b.State())
	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen)

	now = now.Add(time.Minute)
	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerAppliesCallTimeout(t *testing.T) {
	b := NewBreaker("redis", BreakerConfig{CallTimeout: 10 * time.Millisecond})
	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
