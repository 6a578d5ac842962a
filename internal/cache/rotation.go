package cache

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/types"
)

// Timer ids registered with the TimerManager.
const (
	rotationTimerID = "cache:rotate"
	phaseTimerID    = "cache:phase"
)

// Start begins the two maintenance timers: segment rotation every
// ConveyorCycle/NumSegments, and the phase tick once per ConveyorCycle,
// delayed by ConveyorCycle×PhaseOffset from startup.
func (c *TieredCache) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.startedAt = c.clock.Now()
	c.lastAction = c.startedAt
	c.mu.Unlock()

	c.scheduleRotation()
	firstDelay := time.Duration(float64(c.opts.ConveyorCycle) * c.opts.PhaseOffset)
	c.timers.Set(phaseTimerID, firstDelay, c.phaseTick)

	c.logger.Info("cache scheduler started",
		zap.Duration("cycle", c.opts.ConveyorCycle),
		zap.Int("segments", c.opts.NumSegments),
		zap.Float64("phase_offset", c.opts.PhaseOffset))
}

// Close stops the maintenance timers. Lookups keep working on whatever is
// cached; nothing rotates or prefetches afterwards.
func (c *TieredCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.timers.Cancel(rotationTimerID)
	c.timers.Cancel(phaseTimerID)
	c.logger.Info("cache scheduler stopped")
}

// ActiveSegment returns the currently active segment.
func (c *TieredCache) ActiveSegment() types.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments[c.activeSegment]
}

// Segments returns a snapshot of the conveyor ring.
func (c *TieredCache) Segments() []types.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

func (c *TieredCache) scheduleRotation() {
	interval := c.opts.ConveyorCycle / time.Duration(c.opts.NumSegments)
	c.timers.Set(rotationTimerID, interval, func() {
		c.rotateSegment()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.scheduleRotation()
		}
	})
}

// rotateSegment advances the active segment index mod N and sweeps for
// entries past the staleness horizon, queueing them for the next
// phase-aligned eviction batch.
func (c *TieredCache) rotateSegment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.segments[c.activeSegment].Active = false
	c.activeSegment = (c.activeSegment + 1) % len(c.segments)
	c.segments[c.activeSegment].Active = true
	c.segments[c.activeSegment].LastRotation = c.clock.Now()

	c.sweepStaleLocked()

	c.logger.Debug("segment rotated",
		zap.Int("active", c.activeSegment),
		zap.String("name", c.segments[c.activeSegment].Name))
}

// sweepStaleLocked queues warm and cold entries untouched for longer than
// the window width. Hot entries are never swept; LRU eviction handles them.
func (c *TieredCache) sweepStaleLocked() {
	now := c.clock.Now()
	queued := make(map[string]struct{}, len(c.staleQueue))
	for _, key := range c.staleQueue {
		queued[key] = struct{}{}
	}
	for _, tier := range []map[string]*types.CacheEntry{c.warm, c.cold} {
		for key, entry := range tier {
			if now.Sub(entry.Metadata.LastAccess) <= c.windowWidth {
				continue
			}
			if _, dup := queued[key]; dup {
				continue
			}
			c.staleQueue = append(c.staleQueue, key)
			queued[key] = struct{}{}
		}
	}
}

// phaseTick fires once per cycle at the phase offset. The tick always
// counts as a check; maintenance runs only when the time since the last
// recorded action falls inside [cycle×offset, cycle×(offset+0.1)).
func (c *TieredCache) phaseTick() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.phaseChecks++

	cycle := float64(c.opts.ConveyorCycle)
	lower := time.Duration(cycle * c.opts.PhaseOffset)
	upper := time.Duration(cycle * (c.opts.PhaseOffset + 0.1))
	sinceAction := c.clock.Now().Sub(c.lastAction)
	aligned := sinceAction >= lower && sinceAction < upper
	if aligned {
		c.phaseAlignments++
	}
	c.mu.Unlock()

	c.metrics.RecordPhaseCheck(aligned)
	if aligned {
		c.runMaintenance()
	}

	c.timers.Set(phaseTimerID, c.opts.ConveyorCycle, c.phaseTick)
}

// runMaintenance executes one phase-aligned batch: bounded promotion,
// cold sync, stale eviction, and predictive prefetch.
func (c *TieredCache) runMaintenance() {
	c.mu.Lock()
	promoted := c.promoteWarmLocked(promoteBatch)
	syncKeys := c.dequeueLocked(&c.syncQueue, syncBatch)
	evicted := c.evictStaleLocked(evictBatch)
	predicted := c.predictor.predict(c.lookahead)
	c.mu.Unlock()

	c.logger.Debug("maintenance batch",
		zap.Int("promoted", promoted),
		zap.Int("syncing", len(syncKeys)),
		zap.Int("evicted", evicted),
		zap.Strings("predicted", predicted))

	if len(syncKeys) > 0 {
		c.prefetcher.sync(context.Background(), syncKeys)
	}
	if len(predicted) > 0 {
		c.Prefetch(context.Background(), predicted)
	}
}

// promoteWarmLocked moves up to limit warm entries to hot, most accessed
// first, recency breaking ties.
func (c *TieredCache) promoteWarmLocked(limit int) int {
	if len(c.warm) == 0 {
		return 0
	}

	candidates := make([]*types.CacheEntry, 0, len(c.warm))
	for _, entry := range c.warm {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Metadata.AccessCount != b.Metadata.AccessCount {
			return a.Metadata.AccessCount > b.Metadata.AccessCount
		}
		return a.Metadata.LastAccess.After(b.Metadata.LastAccess)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, entry := range candidates {
		delete(c.warm, entry.Key)
		c.placeHotLocked(entry)
		c.promotions++
		c.metrics.RecordPromotion(types.TierWarm, types.TierHot)
	}
	return len(candidates)
}

// evictStaleLocked removes up to limit queued stale keys from whichever
// tier still holds them. Keys touched since they were queued are skipped.
func (c *TieredCache) evictStaleLocked(limit int) int {
	keys := c.dequeueLocked(&c.staleQueue, limit)
	now := c.clock.Now()
	evicted := 0
	for _, key := range keys {
		for _, tier := range []map[string]*types.CacheEntry{c.warm, c.cold} {
			entry, ok := tier[key]
			if !ok {
				continue
			}
			if now.Sub(entry.Metadata.LastAccess) <= c.windowWidth {
				break // re-accessed since queued; no longer stale
			}
			delete(tier, key)
			c.evictions++
			c.metrics.RecordEviction(entry.Tier)
			evicted++
			break
		}
	}
	if evicted > 0 {
		c.publishTierSizesLocked()
	}
	return evicted
}

// dequeueLocked pops up to limit entries from the front of a queue.
func (c *TieredCache) dequeueLocked(queue *[]string, limit int) []string {
	n := limit
	if n > len(*queue) {
		n = len(*queue)
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	copy(out, (*queue)[:n])
	*queue = (*queue)[n:]
	return out
}
