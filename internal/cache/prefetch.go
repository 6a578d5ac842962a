package cache

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tiercache/tiercache/pkg/types"
)

// prefetchRatePerSec shapes background fetch bandwidth so prefetch and
// cold sync never crowd out foreground misses.
const prefetchRatePerSec = 20

// trailingInt matches keys of the form <prefix><integer>.
var trailingInt = regexp.MustCompile(`^(.*?)(\d+)$`)

// sequencePredictor predicts the next keys a caller will ask for from the
// keys recently served hot. Keys with a trailing integer predict their
// successors; anything else predicts nothing.
type sequencePredictor struct {
	mu     sync.Mutex
	recent []string
}

const predictorHistory = 20

func newSequencePredictor() *sequencePredictor {
	return &sequencePredictor{}
}

// recordHot notes a hot-tier access, keeping a bounded history with the
// newest access last. Every access appends, so a key stays predictable
// only while it keeps being served hot; old accesses age out.
func (p *sequencePredictor) recordHot(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recent = append(p.recent, key)
	if len(p.recent) > predictorHistory {
		p.recent = p.recent[len(p.recent)-predictorHistory:]
	}
}

// predict returns up to lookahead successors of the most recent sequenced
// key. "page-003" predicts "page-004", "page-005", ... with the zero
// padding preserved.
func (p *sequencePredictor) predict(lookahead int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.recent) - 1; i >= 0; i-- {
		m := trailingInt.FindStringSubmatch(p.recent[i])
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		width := len(m[2])
		keys := make([]string, 0, lookahead)
		for step := 1; step <= lookahead; step++ {
			keys = append(keys, fmt.Sprintf("%s%0*d", m[1], width, n+step))
		}
		return keys
	}
	return nil
}

// prefetcher stages keys from the backing source in the background, under
// a rate limit and a concurrency cap.
type prefetcher struct {
	cache   *TieredCache
	source  types.SourceFetcher
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func newPrefetcher(cache *TieredCache, source types.SourceFetcher, maxConcurrent int, logger *zap.Logger) *prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &prefetcher{
		cache:   cache,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(prefetchRatePerSec), maxConcurrent),
		sem:     make(chan struct{}, maxConcurrent),
		logger:  logger.With(zap.String("component", "prefetch")),
	}
}

// enqueue stages keys not already cached. Fetches run concurrently up to
// the cap; failures are logged and dropped, never surfaced.
func (p *prefetcher) enqueue(ctx context.Context, keys []string) {
	if p.source == nil {
		return
	}
	for _, key := range keys {
		key := key
		if p.cache.Has(key) {
			continue
		}
		p.spawn(ctx, key, func(value interface{}) {
			p.cache.stage(key, value, "prefetch")
		})
	}
}

// sync refreshes queued cold keys from the source, replacing the cached
// value in place.
func (p *prefetcher) sync(ctx context.Context, keys []string) {
	if p.source == nil {
		return
	}
	for _, key := range keys {
		key := key
		p.spawn(ctx, key, func(value interface{}) {
			p.cache.refresh(key, value)
		})
	}
}

func (p *prefetcher) spawn(ctx context.Context, key string, apply func(value interface{})) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		value, err := p.source.Fetch(ctx, key)
		if err != nil {
			p.logger.Debug("background fetch failed", zap.String("key", key), zap.Error(err))
			return
		}
		apply(value)
	}()
}

// wait blocks until every spawned fetch has finished. Used by Close and
// tests; callers must ensure no further enqueues race with it.
func (p *prefetcher) wait() {
	p.wg.Wait()
}

// stage inserts a background-fetched value into the cold tier.
func (c *TieredCache) stage(key string, value interface{}, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	before := len(c.cold)
	c.insertColdLocked(key, value, source)
	if len(c.cold) > before && source == "prefetch" {
		c.prefetches++
		c.metrics.RecordPrefetch()
	}
}

// refresh replaces the value of a still-cached cold entry. Entries evicted
// or promoted since the sync was queued are left alone.
func (c *TieredCache) refresh(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cold[key]; ok {
		entry.Value = value
	}
}
