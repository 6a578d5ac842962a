package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(event string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func staticFetch(value interface{}) types.Fetcher {
	return func(context.Context) (interface{}, error) {
		return value, nil
	}
}

func TestTieredCache_MissStagesColdThenPromotes(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	sink := &recordingSink{}
	c := New(Options{}, Deps{Clock: fake, Events: sink})
	ctx := context.Background()

	// Miss: fetched and staged cold.
	v, err := c.GetResource(ctx, "k", staticFetch("v"))
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	entry, ok := c.Entry("k")
	require.True(t, ok)
	assert.Equal(t, types.TierCold, entry.Tier)
	assert.Equal(t, 1, sink.count(types.EventCacheMiss))

	// Cold hit moves the entry to warm.
	_, err = c.GetResource(ctx, "k", staticFetch("other"))
	require.NoError(t, err)
	entry, _ = c.Entry("k")
	assert.Equal(t, types.TierWarm, entry.Tier)

	// Warm hit moves it to hot, hot hits stay put.
	_, err = c.GetResource(ctx, "k", staticFetch("other"))
	require.NoError(t, err)
	entry, _ = c.Entry("k")
	assert.Equal(t, types.TierHot, entry.Tier)

	_, err = c.GetResource(ctx, "k", staticFetch("other"))
	require.NoError(t, err)
	entry, _ = c.Entry("k")
	assert.Equal(t, types.TierHot, entry.Tier)

	m := c.Metrics()
	assert.Equal(t, uint64(3), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, uint64(2), m.Promotions)
	assert.Equal(t, 3, sink.count(types.EventCacheHit))
}

func TestTieredCache_TierExclusivity(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{Clock: clock.NewFake()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetResource(ctx, "k", staticFetch("v"))
		require.NoError(t, err)

		m := c.Metrics()
		assert.Equal(t, 1, m.HotSize+m.WarmSize+m.ColdSize, "after access %d", i+1)
	}
}

func TestTieredCache_ConcurrentMissSingleFetch(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{})
	ctx := context.Background()

	var calls int32
	gate := make(chan struct{})
	fetch := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetResource(ctx, "k", fetch)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for i, v := range results {
		// Waiting callers join the in-flight fetch; none of them may be
		// rejected as a recursive call.
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, "v", v)
	}
}

func TestTieredCache_HotEvictionIsLRU(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	c := New(Options{MaxLocalCacheSize: 2}, Deps{Clock: fake})
	ctx := context.Background()

	// Three accesses walk a key cold -> warm -> hot.
	toHot := func(key string) {
		for i := 0; i < 3; i++ {
			_, err := c.GetResource(ctx, key, staticFetch(key))
			require.NoError(t, err)
			fake.Advance(10 * time.Millisecond)
		}
	}

	toHot("a")
	toHot("b")

	// Re-touch "a" so "b" is the least recently accessed hot entry.
	_, err := c.GetResource(ctx, "a", staticFetch("a"))
	require.NoError(t, err)
	fake.Advance(10 * time.Millisecond)

	toHot("c")

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"), "LRU hot entry should be evicted")
	assert.True(t, c.Has("c"))
	assert.Equal(t, uint64(1), c.Metrics().Evictions)
}

func TestTieredCache_Invalidate(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{Clock: clock.NewFake()})
	ctx := context.Background()

	for _, key := range []string{"user:1", "user:2", "doc:1"} {
		_, err := c.GetResource(ctx, key, staticFetch(key))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Invalidate("user:*"))
	assert.False(t, c.Has("user:1"))
	assert.False(t, c.Has("user:2"))
	assert.True(t, c.Has("doc:1"))

	assert.Equal(t, 0, c.Invalidate("user:*"))
}

func TestTieredCache_FetchErrorNotCached(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{Clock: clock.NewFake()})
	ctx := context.Background()

	fetchErr := errors.New(errors.ErrCodeFetchFailed, "backend down")
	_, err := c.GetResource(ctx, "k", func(context.Context) (interface{}, error) {
		return nil, fetchErr
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeFetchFailed))
	assert.False(t, c.Has("k"))
}

func TestTieredCache_RecursiveFetchBlocked(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{Clock: clock.NewFake()})

	_, err := c.GetResource(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		// A fetch that re-requests its own key must be rejected, not loop.
		return c.GetResource(ctx, "k", staticFetch("inner"))
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeRecursiveCall))
	assert.False(t, c.Has("k"))
}

func TestTieredCache_ResponseTimeMovingAverage(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	c := New(Options{}, Deps{Clock: fake})
	ctx := context.Background()

	slowFetch := func(context.Context) (interface{}, error) {
		fake.Advance(100 * time.Millisecond)
		return "v", nil
	}

	_, err := c.GetResource(ctx, "a", slowFetch)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, c.Metrics().AvgResponseMs, 0.001)

	_, err = c.GetResource(ctx, "b", slowFetch)
	require.NoError(t, err)
	assert.InDelta(t, 19.0, c.Metrics().AvgResponseMs, 0.001)
}

func TestTieredCache_SyncEfficiencyBlend(t *testing.T) {
	t.Parallel()

	c := New(Options{}, Deps{Clock: clock.NewFake()})
	ctx := context.Background()

	// One miss, three hits: hit ratio 0.75. No phase checks yet, so
	// efficiency is the hit component alone.
	for i := 0; i < 4; i++ {
		_, err := c.GetResource(ctx, "k", staticFetch("v"))
		require.NoError(t, err)
	}

	m := c.Metrics()
	assert.InDelta(t, 0.75, m.HitRatio, 0.001)
	assert.InDelta(t, 0.75*0.7, m.SyncEfficiency, 0.001)
}

func TestTieredCache_TuneAdjustsLookahead(t *testing.T) {
	t.Parallel()

	c := New(Options{PreloadLookahead: 3}, Deps{Clock: clock.NewFake()})

	c.Tune(90*time.Second, 5)
	c.mu.Lock()
	assert.Equal(t, 90*time.Second, c.windowWidth)
	assert.Equal(t, 5, c.lookahead)
	c.mu.Unlock()

	// Zero values leave the current tuning untouched.
	c.Tune(0, 0)
	c.mu.Lock()
	assert.Equal(t, 90*time.Second, c.windowWidth)
	assert.Equal(t, 5, c.lookahead)
	c.mu.Unlock()
}
