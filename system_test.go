package tiercache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Cache.ConveyorCycleMs = 10_000
	cfg.Cache.NumSegments = 5
	return cfg
}

func mapSource(objects map[string]interface{}) types.SourceFetcher {
	return types.SourceFetcherFunc(func(_ context.Context, key string) (interface{}, error) {
		if v, ok := objects[key]; ok {
			return v, nil
		}
		return nil, assert.AnError
	})
}

func TestSystem_GetThroughAllTiers(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	sys, err := New(testConfig(), WithClock(fake))
	require.NoError(t, err)
	sys.Start()
	defer sys.Close()

	ctx := context.Background()
	fetch := func(context.Context) (interface{}, error) { return "v", nil }

	for i := 0; i < 4; i++ {
		v, err := sys.Cache.GetResource(ctx, "k", fetch)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}

	m := sys.Cache.Metrics()
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, uint64(3), m.Hits)
}

func TestSystem_BootstrapSeedsCache(t *testing.T) {
	t.Parallel()

	src := mapSource(map[string]interface{}{
		"res/strings": "hello",
	})
	sys, err := New(testConfig(), WithClock(clock.NewFake()), WithSource(src))
	require.NoError(t, err)
	defer sys.Close()

	var readyEvents int
	_, err = sys.Bus.Subscribe(types.EventBootstrapReady, func(interface{}) { readyEvents++ })
	require.NoError(t, err)

	resources := []types.BootstrapResource{
		{Key: "strings", Tier: types.TierBlocking, Type: types.ResourceText, URL: "res/strings"},
		{Key: "theme", Tier: types.TierBlocking, Type: types.ResourceStructured, URL: "res/missing"},
	}
	barrier, err := sys.Bootstrap(context.Background(), resources)
	require.NoError(t, err)

	result := <-barrier.Ready()
	assert.True(t, result.Ready)
	assert.True(t, result.Degraded, "missing resource degrades, never fails")
	assert.Equal(t, 1, readyEvents)

	entry, ok := sys.Cache.Entry("strings")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Value)
	assert.Equal(t, "bootstrap", entry.Metadata.Source)

	fallback, ok := sys.Cache.Entry("theme")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"error": true}, fallback.Value)
}

func TestSystem_SchedulersRunOnFakeClock(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	sys, err := New(testConfig(), WithClock(fake))
	require.NoError(t, err)
	sys.Start()
	defer sys.Close()

	// 10s cycle, 5 segments: one rotation every 2s.
	fake.Advance(2 * time.Second)
	assert.Equal(t, 1, sys.Cache.ActiveSegment().ID)

	// Phase tick at 3.5s counts a check.
	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, uint64(1), sys.Cache.Metrics().PhaseChecks)
}

func TestSystem_CloseStopsTimers(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake()
	sys, err := New(testConfig(), WithClock(fake))
	require.NoError(t, err)
	sys.Start()
	require.NoError(t, sys.Close())

	fake.Advance(time.Minute)
	assert.Equal(t, 0, sys.Cache.ActiveSegment().ID)
	assert.Equal(t, uint64(0), sys.Cache.Metrics().PhaseChecks)
}

func TestSystem_InvalidConfigRejected(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache.PhaseOffset = 2.0
	_, err := New(cfg)
	assert.Error(t, err)
}
