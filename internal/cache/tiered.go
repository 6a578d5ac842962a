package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/safety"
	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/types"
)

// Maintenance batch limits per phase-aligned tick.
const (
	promoteBatch = 5
	syncBatch    = 3
	evictBatch   = 5
)

// Options is the resolved tuning for a TieredCache.
type Options struct {
	// ConveyorCycle is the full rotation period of the segment ring.
	ConveyorCycle time.Duration
	// CacheWindowWidth is the staleness horizon; entries untouched longer
	// than this are queued for eviction.
	CacheWindowWidth time.Duration
	// PhaseOffset (0-1) delays maintenance relative to the cycle start so
	// batches avoid contending with foreground interaction.
	PhaseOffset float64
	// NumSegments is the size of the conveyor ring.
	NumSegments int
	// MaxLocalCacheSize caps the hot tier; inserting beyond it evicts the
	// least recently accessed entry.
	MaxLocalCacheSize int
	// PreloadLookahead is how many next-in-sequence keys to prefetch.
	PreloadLookahead int
	// MaxConcurrentPayloads bounds concurrent prefetch/sync fetches.
	MaxConcurrentPayloads int
	// PayloadBatchSize caps keys handed to the prefetcher per batch.
	PayloadBatchSize int
	// FetchTTL bounds how long a deduplicated fetch may stay pending.
	FetchTTL time.Duration
}

// DefaultOptions returns the default cache tuning.
func DefaultOptions() Options {
	return Options{
		ConveyorCycle:         60 * time.Second,
		CacheWindowWidth:      3 * time.Minute,
		PhaseOffset:           0.35,
		NumSegments:           6,
		MaxLocalCacheSize:     100,
		PreloadLookahead:      3,
		MaxConcurrentPayloads: 4,
		PayloadBatchSize:      5,
		FetchTTL:              10 * time.Second,
	}
}

// Deps are the collaborators a TieredCache is wired with. Nil fields are
// replaced with private defaults, which keeps tests small.
type Deps struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Events  types.EventSink
	Metrics types.MetricsSink
	Guard   *safety.RecursionGuard
	Dedupe  *safety.RequestDeduplicator
	Breaker *safety.CircuitBreaker
	Timers  *safety.TimerManager
	// Source fetches arbitrary keys for cold sync and predictive prefetch.
	// Without it those maintenance steps are skipped.
	Source types.SourceFetcher
}

// TieredCache is a hot/warm/cold resource cache with revolving segment
// rotation and phase-offset maintenance. Lookups promote entries toward
// the hot tier; misses are fetched once per key (single-flight behind a
// circuit breaker) and land in the cold tier. A key occupies exactly one
// tier at a time; tier transitions move the entry, never copy it.
type TieredCache struct {
	mu   sync.Mutex
	opts Options

	clock   clock.Clock
	logger  *zap.Logger
	events  types.EventSink
	metrics types.MetricsSink

	guard   *safety.RecursionGuard
	dedupe  *safety.RequestDeduplicator
	breaker *safety.CircuitBreaker
	timers  *safety.TimerManager

	hot  map[string]*types.CacheEntry
	warm map[string]*types.CacheEntry
	cold map[string]*types.CacheEntry

	segments      []types.Segment
	activeSegment int

	syncQueue  []string
	staleQueue []string

	predictor  *sequencePredictor
	prefetcher *prefetcher

	startedAt  time.Time
	lastAction time.Time

	// tunable by the coordinator
	windowWidth time.Duration
	lookahead   int

	hits            uint64
	misses          uint64
	promotions      uint64
	evictions       uint64
	phaseChecks     uint64
	phaseAlignments uint64
	prefetches      uint64
	avgResponseMs   float64

	started bool
	closed  bool
}

// New creates a TieredCache. Start must be called to run the rotation and
// phase-offset timers; the lookup path works without them.
func New(opts Options, deps Deps) *TieredCache {
	defaults := DefaultOptions()
	if opts.ConveyorCycle <= 0 {
		opts.ConveyorCycle = defaults.ConveyorCycle
	}
	if opts.CacheWindowWidth <= 0 {
		opts.CacheWindowWidth = defaults.CacheWindowWidth
	}
	if opts.PhaseOffset <= 0 || opts.PhaseOffset >= 1 {
		opts.PhaseOffset = defaults.PhaseOffset
	}
	if opts.NumSegments <= 0 {
		opts.NumSegments = defaults.NumSegments
	}
	if opts.MaxLocalCacheSize <= 0 {
		opts.MaxLocalCacheSize = defaults.MaxLocalCacheSize
	}
	if opts.PreloadLookahead <= 0 {
		opts.PreloadLookahead = defaults.PreloadLookahead
	}
	if opts.MaxConcurrentPayloads <= 0 {
		opts.MaxConcurrentPayloads = defaults.MaxConcurrentPayloads
	}
	if opts.PayloadBatchSize <= 0 {
		opts.PayloadBatchSize = defaults.PayloadBatchSize
	}
	if opts.FetchTTL <= 0 {
		opts.FetchTTL = defaults.FetchTTL
	}

	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = types.NopMetrics{}
	}
	if deps.Timers == nil {
		deps.Timers = safety.NewTimerManager(deps.Clock, deps.Logger)
	}
	if deps.Guard == nil {
		deps.Guard = safety.NewRecursionGuard(0, deps.Logger)
	}
	if deps.Dedupe == nil {
		deps.Dedupe = safety.NewRequestDeduplicator(deps.Timers, deps.Logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = safety.NewCircuitBreaker(safety.DefaultBreakerConfig(), deps.Events, deps.Metrics, deps.Logger)
	}

	segments := make([]types.Segment, opts.NumSegments)
	for i := range segments {
		segments[i] = types.Segment{
			ID:     i,
			Name:   segmentName(i),
			Active: i == 0,
		}
	}

	c := &TieredCache{
		opts:        opts,
		clock:       deps.Clock,
		logger:      deps.Logger.With(zap.String("component", "cache")),
		events:      deps.Events,
		metrics:     deps.Metrics,
		guard:       deps.Guard,
		dedupe:      deps.Dedupe,
		breaker:     deps.Breaker,
		timers:      deps.Timers,
		hot:         make(map[string]*types.CacheEntry),
		warm:        make(map[string]*types.CacheEntry),
		cold:        make(map[string]*types.CacheEntry),
		segments:    segments,
		predictor:   newSequencePredictor(),
		windowWidth: opts.CacheWindowWidth,
		lookahead:   opts.PreloadLookahead,
	}
	c.prefetcher = newPrefetcher(c, deps.Source, opts.MaxConcurrentPayloads, deps.Logger)
	c.lastAction = deps.Clock.Now()
	return c
}

// GetResource returns the value for key, looking through hot, warm, and
// cold in order. A warm hit moves the entry to hot and a cold hit moves it
// to warm. A miss runs fetch exactly once across concurrent callers and
// stages the result in the cold tier.
func (c *TieredCache) GetResource(ctx context.Context, key string, fetch types.Fetcher) (interface{}, error) {
	c.mu.Lock()
	if entry, ok := c.hot[key]; ok {
		c.touchLocked(entry)
		c.hits++
		c.predictor.recordHot(key)
		c.mu.Unlock()
		c.metrics.RecordHit(types.TierHot)
		c.emit(types.EventCacheHit, map[string]interface{}{"key": key, "tier": string(types.TierHot)})
		return entry.Value, nil
	}
	if entry, ok := c.warm[key]; ok {
		delete(c.warm, key)
		c.placeHotLocked(entry)
		c.touchLocked(entry)
		c.hits++
		c.promotions++
		c.predictor.recordHot(key)
		c.mu.Unlock()
		c.metrics.RecordHit(types.TierWarm)
		c.metrics.RecordPromotion(types.TierWarm, types.TierHot)
		c.emit(types.EventCacheHit, map[string]interface{}{"key": key, "tier": string(types.TierWarm)})
		return entry.Value, nil
	}
	if entry, ok := c.cold[key]; ok {
		delete(c.cold, key)
		entry.Tier = types.TierWarm
		c.warm[key] = entry
		c.touchLocked(entry)
		c.hits++
		c.promotions++
		c.mu.Unlock()
		c.metrics.RecordHit(types.TierCold)
		c.metrics.RecordPromotion(types.TierCold, types.TierWarm)
		c.emit(types.EventCacheHit, map[string]interface{}{"key": key, "tier": string(types.TierCold)})
		return entry.Value, nil
	}
	c.misses++
	c.mu.Unlock()

	c.metrics.RecordMiss()
	c.emit(types.EventCacheMiss, map[string]interface{}{"key": key})

	// Re-entry from inside a fetch for the same key fails fast on the
	// chain alone; concurrent callers fall through and join the flight.
	if err := c.guard.CheckReentry(ctx, "fetch:"+key); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	value, _, err := c.dedupe.Do(ctx, key, c.opts.FetchTTL, func(ctx context.Context) (interface{}, error) {
		var val interface{}
		gerr := c.guard.Guard(ctx, "fetch:"+key, func(ctx context.Context) error {
			v, ferr := c.breaker.Execute(key, func() (interface{}, error) {
				return fetch(ctx)
			})
			val = v
			return ferr
		})
		return val, gerr
	})
	if err != nil {
		return nil, err
	}

	sample := float64(c.clock.Since(start)) / float64(time.Millisecond)
	c.metrics.RecordFetchDuration(c.clock.Since(start))

	c.mu.Lock()
	c.avgResponseMs = c.avgResponseMs*0.9 + sample*0.1
	c.insertColdLocked(key, value, "fetch")
	c.mu.Unlock()

	return value, nil
}

// Invalidate removes every entry whose key matches the glob pattern
// (`*` wildcard) and returns the number of entries removed.
func (c *TieredCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, tier := range []map[string]*types.CacheEntry{c.hot, c.warm, c.cold} {
		for key := range tier {
			if matched, err := path.Match(pattern, key); err == nil && matched {
				delete(tier, key)
				removed++
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("invalidated entries", zap.String("pattern", pattern), zap.Int("count", removed))
	}
	c.publishTierSizesLocked()
	return removed
}

// RecordAction reports an external interaction timestamp. The phase-offset
// scheduler measures its alignment window against the most recent action.
func (c *TieredCache) RecordAction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAction = c.clock.Now()
}

// Prefetch stages the given keys in the background via the source fetcher.
// Keys already cached are skipped.
func (c *TieredCache) Prefetch(ctx context.Context, keys []string) {
	if len(keys) > c.opts.PayloadBatchSize {
		keys = keys[:c.opts.PayloadBatchSize]
	}
	c.prefetcher.enqueue(ctx, keys)
}

// Seed stages an externally loaded value in the cold tier, attributed to
// the given source. Keys already cached are left untouched.
func (c *TieredCache) Seed(key string, value interface{}, source string) {
	c.stage(key, value, source)
}

// Tune applies coordinator-selected scheduling parameters.
func (c *TieredCache) Tune(windowWidth time.Duration, lookahead int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if windowWidth > 0 {
		c.windowWidth = windowWidth
	}
	if lookahead > 0 {
		c.lookahead = lookahead
	}
	c.logger.Debug("tuning applied",
		zap.Duration("window_width", windowWidth),
		zap.Int("lookahead", lookahead))
}

// Metrics returns a snapshot of the cache efficiency counters.
func (c *TieredCache) Metrics() types.SyncMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := types.SyncMetrics{
		Hits:            c.hits,
		Misses:          c.misses,
		Promotions:      c.promotions,
		Evictions:       c.evictions,
		PhaseChecks:     c.phaseChecks,
		PhaseAlignments: c.phaseAlignments,
		Prefetches:      c.prefetches,
		AvgResponseMs:   c.avgResponseMs,
		HotSize:         len(c.hot),
		WarmSize:        len(c.warm),
		ColdSize:        len(c.cold),
	}
	if total := c.hits + c.misses; total > 0 {
		m.HitRatio = float64(c.hits) / float64(total)
	}
	alignmentRatio := 0.0
	if c.phaseChecks > 0 {
		alignmentRatio = float64(c.phaseAlignments) / float64(c.phaseChecks)
	}
	m.SyncEfficiency = m.HitRatio*0.7 + alignmentRatio*0.3
	return m
}

// Entry returns a copy of the entry for key, from whichever tier holds it.
func (c *TieredCache) Entry(key string) (types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tier := range []map[string]*types.CacheEntry{c.hot, c.warm, c.cold} {
		if entry, ok := tier[key]; ok {
			return *entry, true
		}
	}
	return types.CacheEntry{}, false
}

// Has reports whether key is cached in any tier.
func (c *TieredCache) Has(key string) bool {
	_, ok := c.Entry(key)
	return ok
}

// touchLocked updates access metadata for an entry.
func (c *TieredCache) touchLocked(entry *types.CacheEntry) {
	entry.Metadata.LastAccess = c.clock.Now()
	entry.Metadata.AccessCount++
}

// placeHotLocked moves an entry into the hot tier, evicting the least
// recently accessed entry first when the tier is full.
func (c *TieredCache) placeHotLocked(entry *types.CacheEntry) {
	for len(c.hot) >= c.opts.MaxLocalCacheSize {
		c.evictOldestHotLocked()
	}
	entry.Tier = types.TierHot
	c.hot[entry.Key] = entry
	c.publishTierSizesLocked()
}

// evictOldestHotLocked removes the hot entry with the oldest LastAccess.
func (c *TieredCache) evictOldestHotLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range c.hot {
		if first || entry.Metadata.LastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.Metadata.LastAccess
			first = false
		}
	}
	if first {
		return
	}
	delete(c.hot, oldestKey)
	c.evictions++
	c.metrics.RecordEviction(types.TierHot)
	c.logger.Debug("evicted hot entry", zap.String("key", oldestKey))
}

// insertColdLocked stages a fetched value in the cold tier. If the key is
// already cached in any tier the existing entry wins; a key never occupies
// two tiers.
func (c *TieredCache) insertColdLocked(key string, value interface{}, source string) {
	if _, ok := c.hot[key]; ok {
		return
	}
	if _, ok := c.warm[key]; ok {
		return
	}
	if _, ok := c.cold[key]; ok {
		return
	}
	now := c.clock.Now()
	c.cold[key] = &types.CacheEntry{
		Key:   key,
		Value: value,
		Tier:  types.TierCold,
		Metadata: types.EntryMetadata{
			InsertedAt:  now,
			LastAccess:  now,
			AccessCount: 1,
			Source:      source,
		},
	}
	c.syncQueue = append(c.syncQueue, key)
	c.publishTierSizesLocked()
}

func (c *TieredCache) publishTierSizesLocked() {
	c.metrics.SetTierSize(types.TierHot, len(c.hot))
	c.metrics.SetTierSize(types.TierWarm, len(c.warm))
	c.metrics.SetTierSize(types.TierCold, len(c.cold))
}

func (c *TieredCache) emit(event string, payload interface{}) {
	if c.events != nil {
		c.events.Emit(event, payload)
	}
}

func segmentName(i int) string {
	names := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	if i < len(names) {
		return names[i]
	}
	return names[i%len(names)]
}
