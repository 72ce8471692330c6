package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/apperr"
	"github.com/3FT-io/medshare/pkg/retry"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return ctx.Err()
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want retry.Class
	}{
		{apperr.RateLimit("slow down", 0), retry.ClassRateLimited},
		{&apperr.Error{Kind: apperr.KindOther, Status: 429, Message: "x"}, retry.ClassRateLimited},
		{errors.New("Rate limit exceeded"), retry.ClassRateLimited},
		{errors.New("Too many requests"), retry.ClassRateLimited},
		{errors.New("hit the rate limit"), retry.ClassRateLimited},
		{errors.New("RATE LIMIT"), retry.ClassOther},
		{errors.New("connection reset"), retry.ClassOther},
		{nil, retry.ClassOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retry.Classify(tc.err), "%v", tc.err)
	}
}

func TestDelayMonotoneAndCapped(t *testing.T) {
	for _, base := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		// Compare against the jitter-free lower bound of the next attempt.
		for attempt := 0; attempt < 12; attempt++ {
			d := retry.Delay(attempt, base)
			assert.LessOrEqual(t, d, retry.MaxDelay)

			floor := base * time.Duration(1<<uint(attempt))
			if floor > retry.MaxDelay {
				floor = retry.MaxDelay
			}
			assert.GreaterOrEqual(t, d, floor)
			assert.LessOrEqual(t, d, floor+floor/10+time.Nanosecond)
		}
	}
	assert.Equal(t, retry.MaxDelay, retry.Delay(40, time.Second))
}

func TestShouldRetry(t *testing.T) {
	plain := errors.New("boom")
	limited := apperr.RateLimit("Rate limit exceeded", 5*time.Second)

	for _, kind := range []retry.OperationKind{retry.Read, retry.Download, retry.Delete, retry.Upload, retry.Annotate} {
		for attempt := 0; attempt < 10; attempt++ {
			assert.False(t, retry.ShouldRetry(kind, attempt, limited))
		}
	}

	assert.True(t, retry.ShouldRetry(retry.Read, 2, plain))
	assert.False(t, retry.ShouldRetry(retry.Read, 3, plain))
	assert.True(t, retry.ShouldRetry(retry.Upload, 1, plain))
	assert.False(t, retry.ShouldRetry(retry.Upload, 2, plain))
}

func TestPolicyRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	policy := retry.NewPolicy(nil).WithSleep(noSleep(&delays))

	calls := 0
	err := policy.Do(context.Background(), retry.Read, "loading models", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.New(apperr.KindNetwork, "service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], delays[0])
}

func TestPolicyGivesUpAtCeiling(t *testing.T) {
	policy := retry.NewPolicy(nil).WithSleep(noSleep(nil))

	calls := 0
	err := policy.Do(context.Background(), retry.Upload, "uploading model", func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.KindNetwork, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 1+retry.Ceiling(retry.Upload), calls)
	assert.Equal(t, "down", err.Error())
}

func TestPolicyNeverRetriesRateLimit(t *testing.T) {
	policy := retry.NewPolicy(nil).WithSleep(noSleep(nil))

	calls := 0
	err := policy.Do(context.Background(), retry.Read, "loading scans", func(ctx context.Context) error {
		calls++
		return apperr.RateLimit("Too many requests", 7*time.Second)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	assert.Equal(t, "Rate limit exceeded while loading scans", err.Error())

	var tagged *apperr.Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, 7*time.Second, tagged.RetryAfter)
}

func TestPolicySkipsPermanentErrors(t *testing.T) {
	policy := retry.NewPolicy(nil).WithSleep(noSleep(nil))

	for _, kind := range []apperr.Kind{apperr.KindValidation, apperr.KindNotFound, apperr.KindDecode} {
		calls := 0
		err := policy.Do(context.Background(), retry.Read, "loading", func(ctx context.Context) error {
			calls++
			return apperr.New(kind, "nope")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls, kind.String())
	}
}

func TestPolicyStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.NewPolicy(nil).WithSleep(noSleep(nil))

	calls := 0
	err := policy.Do(ctx, retry.Read, "loading", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
