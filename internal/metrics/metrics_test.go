package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/types"
)

// The collector must satisfy the sink interface the cache is wired with.
var _ types.MetricsSink = (*Collector)(nil)

func TestCollector_Counters(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.RecordHit(types.TierHot)
	c.RecordHit(types.TierHot)
	c.RecordHit(types.TierWarm)
	c.RecordMiss()
	c.RecordPromotion(types.TierWarm, types.TierHot)
	c.RecordEviction(types.TierHot)
	c.RecordPhaseCheck(true)
	c.RecordPhaseCheck(false)
	c.RecordPrefetch()
	c.RecordCircuitOpen("k")
	c.RecordFloodDrop("cache:hit")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.hits.WithLabelValues("hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hits.WithLabelValues("warm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promotions.WithLabelValues("warm", "hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions.WithLabelValues("hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseChecks.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseChecks.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.prefetches))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitOpens.WithLabelValues("k")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.floodDrops.WithLabelValues("cache:hit")))
}

func TestCollector_Gauges(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	c.SetTierSize(types.TierHot, 7)
	c.SetTierSize(types.TierHot, 5)
	c.SetMemoryLevel(types.MemoryCritical)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.tierSize.WithLabelValues("hot")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.memoryLevel))
}

func TestCollector_FetchDurationHistogram(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordFetchDuration(50 * time.Millisecond)
	c.RecordFetchDuration(200 * time.Millisecond)

	count := testutil.CollectAndCount(c.fetchDuration, "tiercache_fetch_duration_seconds")
	assert.Equal(t, 1, count)
}

func TestCollector_Exposition(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordHit(types.TierHot)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `tiercache_hits_total{tier="hot"} 1`)
}
