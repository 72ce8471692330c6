package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestCache() (*cache.Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return cache.New(0, 0).WithClock(clock.Now), clock
}

func TestStaleness(t *testing.T) {
	c, clock := setupTestCache()

	c.Set(cache.KeyModels, []string{"m1"}, 0)

	v, stale, ok := c.Get(cache.KeyModels)
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []string{"m1"}, v)

	clock.Advance(cache.DefaultStaleTime)
	_, stale, ok = c.Get(cache.KeyModels)
	require.True(t, ok)
	assert.True(t, stale)

	clock.Advance(cache.DefaultGCTime)
	_, _, ok = c.Get(cache.KeyModels)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, _ := setupTestCache()

	c.Set(cache.KeyModels, 1, 0)
	c.Set(cache.KeyScans, 2, 0)
	c.Invalidate(cache.KeyModels)

	_, _, ok := c.Get(cache.KeyModels)
	assert.False(t, ok)
	_, _, ok = c.Get(cache.KeyScans)
	assert.True(t, ok)
}

func TestFetchUsesFreshValue(t *testing.T) {
	c, clock := setupTestCache()
	ctx := context.Background()

	var calls int32
	fetch := func(ctx context.Context) (interface{}, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	v, err := c.Fetch(ctx, cache.KeyStats, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.Fetch(ctx, cache.KeyStats, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(cache.DefaultStaleTime + time.Second)
	v, err = c.Fetch(ctx, cache.KeyStats, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestFetchErrorNotCached(t *testing.T) {
	c, _ := setupTestCache()
	ctx := context.Background()

	_, err := c.Fetch(ctx, cache.KeyScans, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("down")
	})
	require.Error(t, err)

	_, _, ok := c.Get(cache.KeyScans)
	assert.False(t, ok)
}

func TestInvalidateDuringFetchDiscardsResult(t *testing.T) {
	c, _ := setupTestCache()
	ctx := context.Background()

	v, err := c.Fetch(ctx, cache.KeyModels, func(ctx context.Context) (interface{}, error) {
		c.Invalidate(cache.KeyModels)
		return "old", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	_, _, ok := c.Get(cache.KeyModels)
	assert.False(t, ok)
}

func TestConcurrentFetchSharesCall(t *testing.T) {
	c, _ := setupTestCache()
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Fetch(ctx, cache.KeyScans, fetch)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Fetch(ctx, cache.KeyScans, fetch)
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "v", r)
	}
}

func TestSetExpiryBeyondGCWindow(t *testing.T) {
	c, clock := setupTestCache()

	c.Set(cache.KeyStats, "kept", 3*cache.DefaultGCTime)

	clock.Advance(cache.DefaultGCTime + time.Minute)
	v, stale, ok := c.Get(cache.KeyStats)
	require.True(t, ok)
	assert.True(t, stale)
	assert.Equal(t, "kept", v)

	clock.Advance(2 * cache.DefaultGCTime)
	_, _, ok = c.Get(cache.KeyStats)
	assert.False(t, ok)
}

func TestFetchAfterInvalidateStartsNewCall(t *testing.T) {
	c, _ := setupTestCache()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	oldDone := make(chan interface{}, 1)
	go func() {
		v, _ := c.Fetch(ctx, cache.KeyModels, func(ctx context.Context) (interface{}, error) {
			close(entered)
			<-release
			return "old", nil
		})
		oldDone <- v
	}()
	<-entered

	c.Invalidate(cache.KeyModels)

	v, err := c.Fetch(ctx, cache.KeyModels, func(ctx context.Context) (interface{}, error) {
		return "new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(release)
	assert.Equal(t, "old", <-oldDone)

	// The detached call must not overwrite the newer entry.
	v, _, ok := c.Get(cache.KeyModels)
	require.True(t, ok)
	assert.Equal(t, "new", v)
}
