package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/safety"
	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/types"
)

const tickTimerID = "coordinator:tick"

// Hit-ratio thresholds for sync mode selection.
const (
	aggressiveBelow   = 0.7
	conservativeAbove = 0.9
)

const (
	historySize = 20
	maxRecords  = 50
)

// CacheControl is the coordinator's view of the tiered cache.
type CacheControl interface {
	Metrics() types.SyncMetrics
	Tune(windowWidth time.Duration, lookahead int)
	Prefetch(ctx context.Context, keys []string)
	RecordAction()
	Invalidate(pattern string) int
}

// Config tunes the coordinator.
type Config struct {
	// Interval is the cadence of the mode evaluation loop.
	Interval time.Duration `yaml:"interval"`
	// BaseWindowWidth and BaseLookahead are the adaptive-mode scheduler
	// parameters; the other modes derive from them.
	BaseWindowWidth time.Duration `yaml:"base_window_width"`
	BaseLookahead   int           `yaml:"base_lookahead"`
	// FastDwell is the mean inter-interaction gap below which the usage
	// pattern is classified as fast.
	FastDwell time.Duration `yaml:"fast_dwell"`
	// ExploreDistinctRatio is the distinct-key ratio above which slower
	// interaction is classified as exploring rather than focused.
	ExploreDistinctRatio float64 `yaml:"explore_distinct_ratio"`
}

// DefaultConfig returns the default coordinator tuning.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		BaseWindowWidth:      3 * time.Minute,
		BaseLookahead:        3,
		FastDwell:            2 * time.Second,
		ExploreDistinctRatio: 0.7,
	}
}

type interaction struct {
	key string
	at  time.Time
}

// Coordinator observes interaction cadence and cache efficiency and keeps
// the scheduler tuned: the hit ratio selects a sync mode once per
// interval, interactions classify a usage pattern, and every tuning
// change lands in a bounded adaptation log.
type Coordinator struct {
	config Config
	cache  CacheControl
	clock  clock.Clock
	timers *safety.TimerManager
	logger *zap.Logger

	mu       sync.Mutex
	history  []interaction
	pattern  types.UsagePattern
	mode     types.SyncMode
	memLevel types.MemoryLevel
	records  []types.AdaptationRecord
	started  bool
	closed   bool
}

// New creates a coordinator over the given cache.
func New(config Config, cache CacheControl, clk clock.Clock, timers *safety.TimerManager, logger *zap.Logger) *Coordinator {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BaseWindowWidth <= 0 {
		config.BaseWindowWidth = defaults.BaseWindowWidth
	}
	if config.BaseLookahead <= 0 {
		config.BaseLookahead = defaults.BaseLookahead
	}
	if config.FastDwell <= 0 {
		config.FastDwell = defaults.FastDwell
	}
	if config.ExploreDistinctRatio <= 0 {
		config.ExploreDistinctRatio = defaults.ExploreDistinctRatio
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timers == nil {
		timers = safety.NewTimerManager(clk, logger)
	}
	return &Coordinator{
		config:  config,
		cache:   cache,
		clock:   clk,
		timers:  timers,
		logger:  logger.With(zap.String("component", "coordinator")),
		pattern: types.PatternFocused,
		mode:    types.ModeAdaptive,
	}
}

// Start begins the periodic mode evaluation loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.timers.Set(tickTimerID, c.config.Interval, c.tick)
	c.logger.Info("coordinator started", zap.Duration("interval", c.config.Interval))
}

// Close stops the evaluation loop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.timers.Cancel(tickTimerID)
}

// Advance reports a forward interaction on key. Predicted follow-up keys
// are forwarded to the cache's prefetcher.
func (c *Coordinator) Advance(ctx context.Context, key string, predicted ...string) {
	c.cache.RecordAction()
	c.observe(key)
	if len(predicted) > 0 {
		c.cache.Prefetch(ctx, predicted)
	}
}

// Dismiss reports that key is no longer of interest; the cached entry is
// invalidated.
func (c *Coordinator) Dismiss(ctx context.Context, key string) {
	c.cache.RecordAction()
	c.observe(key)
	c.cache.Invalidate(key)
}

// NotifyMemory receives memory pressure crossings. Critical and emergency
// levels force conservative mode immediately instead of waiting for the
// next tick.
func (c *Coordinator) NotifyMemory(level types.MemoryLevel, ratio float64) {
	c.mu.Lock()
	c.memLevel = level
	force := level >= types.MemoryCritical && c.mode != types.ModeConservative
	c.mu.Unlock()

	if force {
		c.applyMode(types.ModeConservative, "memory pressure", ratio)
	}
}

// Pattern returns the current usage pattern classification.
func (c *Coordinator) Pattern() types.UsagePattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pattern
}

// Mode returns the current sync mode.
func (c *Coordinator) Mode() types.SyncMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Adaptations returns a snapshot of the bounded adaptation log, oldest
// first.
func (c *Coordinator) Adaptations() []types.AdaptationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AdaptationRecord, len(c.records))
	copy(out, c.records)
	return out
}

// observe appends an interaction to the bounded history and reclassifies
// the usage pattern.
func (c *Coordinator) observe(key string) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, interaction{key: key, at: now})
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.pattern = c.classifyLocked()
}

// classifyLocked derives the usage pattern from interaction cadence:
// tight dwell times mean fast consumption; slower interaction over many
// distinct keys means exploring; otherwise the user is focused.
func (c *Coordinator) classifyLocked() types.UsagePattern {
	if len(c.history) < 2 {
		return types.PatternFocused
	}

	var total time.Duration
	for i := 1; i < len(c.history); i++ {
		total += c.history[i].at.Sub(c.history[i-1].at)
	}
	dwell := total / time.Duration(len(c.history)-1)
	if dwell < c.config.FastDwell {
		return types.PatternFast
	}

	distinct := make(map[string]struct{}, len(c.history))
	for _, it := range c.history {
		distinct[it.key] = struct{}{}
	}
	if float64(len(distinct))/float64(len(c.history)) > c.config.ExploreDistinctRatio {
		return types.PatternExploring
	}
	return types.PatternFocused
}

// tick evaluates the sync mode from the cache hit ratio and reschedules.
func (c *Coordinator) tick() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	memLevel := c.memLevel
	current := c.mode
	c.mu.Unlock()

	m := c.cache.Metrics()
	mode := current
	switch {
	case memLevel >= types.MemoryCritical:
		mode = types.ModeConservative
	case m.Hits+m.Misses == 0:
		// No traffic yet; nothing to adapt on.
	case m.HitRatio < aggressiveBelow:
		mode = types.ModeAggressive
	case m.HitRatio > conservativeAbove:
		mode = types.ModeConservative
	default:
		mode = types.ModeAdaptive
	}

	if mode != current {
		c.applyMode(mode, "hit ratio", m.HitRatio)
	}

	c.timers.Set(tickTimerID, c.config.Interval, c.tick)
}

// applyMode tunes the cache for the given mode and records the change.
func (c *Coordinator) applyMode(mode types.SyncMode, reason string, observed float64) {
	window, lookahead := c.tuningFor(mode)
	c.cache.Tune(window, lookahead)

	c.mu.Lock()
	c.mode = mode
	c.appendRecordLocked(types.AdaptationRecord{
		Timestamp: c.clock.Now(),
		Reason:    reason,
		Changes: map[string]interface{}{
			"mode":         string(mode),
			"window_width": window.String(),
			"lookahead":    lookahead,
			"observed":     observed,
		},
		MemoryUsage: observed,
	})
	c.mu.Unlock()

	c.logger.Info("sync mode changed",
		zap.String("mode", string(mode)),
		zap.String("reason", reason),
		zap.Float64("observed", observed))
}

// tuningFor maps a sync mode to scheduler parameters. Aggressive mode
// widens prefetching to rebuild the hit ratio; conservative mode halves
// the staleness window and stops looking ahead.
func (c *Coordinator) tuningFor(mode types.SyncMode) (time.Duration, int) {
	base := c.config.BaseWindowWidth
	lookahead := c.config.BaseLookahead
	switch mode {
	case types.ModeAggressive:
		return base, lookahead + 2
	case types.ModeConservative:
		return base / 2, 1
	default:
		return base, lookahead
	}
}

func (c *Coordinator) appendRecordLocked(rec types.AdaptationRecord) {
	c.records = append(c.records, rec)
	if len(c.records) > maxRecords {
		c.records = c.records[len(c.records)-maxRecords:]
	}
}
