package bootstrap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Config tunes the startup barrier.
type Config struct {
	// MaxConcurrentPayloads bounds concurrent resource loads per tier.
	MaxConcurrentPayloads int `yaml:"max_concurrent_payloads"`
	// BlockingResourceTimeout bounds each blocking-tier load. A load that
	// exceeds it falls back; it never stalls readiness indefinitely.
	BlockingResourceTimeout time.Duration `yaml:"blocking_resource_timeout"`
}

// DefaultConfig returns the default barrier tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPayloads:   4,
		BlockingResourceTimeout: 5 * time.Second,
	}
}

// Seeder receives successfully loaded resources. The tiered cache
// implements it.
type Seeder interface {
	Seed(key string, value interface{}, source string)
}

// stateChecker is implemented by seeders that can report whether a key is
// actually present. The tiered cache's Has method satisfies it.
type stateChecker interface {
	Has(key string) bool
}

// Barrier loads the declared bootstrap resources in three tiers and
// signals readiness exactly once. Blocking resources gate the ready
// signal; pre-paint resources are attempted before it best-effort;
// post-paint resources load in the background afterwards. A failed load
// degrades to a typed fallback value, it never fails the bootstrap.
type Barrier struct {
	config Config
	loader types.SourceFetcher
	seeder Seeder
	clock  clock.Clock
	events types.EventSink
	logger *zap.Logger

	mu        sync.Mutex
	resources []types.BootstrapResource

	once     sync.Once
	ready    chan types.BootstrapResult
	result   types.BootstrapResult
	signaled bool
}

// New creates a barrier over the declared resources. The loader fetches
// resource payloads by URL; seeder and events may be nil.
func New(config Config, resources []types.BootstrapResource, loader types.SourceFetcher, seeder Seeder, clk clock.Clock, events types.EventSink, logger *zap.Logger) *Barrier {
	defaults := DefaultConfig()
	if config.MaxConcurrentPayloads <= 0 {
		config.MaxConcurrentPayloads = defaults.MaxConcurrentPayloads
	}
	if config.BlockingResourceTimeout <= 0 {
		config.BlockingResourceTimeout = defaults.BlockingResourceTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	declared := make([]types.BootstrapResource, len(resources))
	copy(declared, resources)
	for i := range declared {
		declared[i].Status = types.StatusPending
	}

	return &Barrier{
		config:    config,
		loader:    loader,
		seeder:    seeder,
		clock:     clk,
		events:    events,
		logger:    logger.With(zap.String("component", "bootstrap")),
		resources: declared,
		ready:     make(chan types.BootstrapResult, 1),
	}
}

// Run executes the bootstrap sequence: blocking loads gate the ready
// signal, pre-paint loads are attempted before it without gating, and
// post-paint loads continue in the background after it. Run returns once
// readiness has been signaled; it only errors when the barrier has no
// loader at all.
func (b *Barrier) Run(ctx context.Context) error {
	if b.loader == nil {
		return errors.New(errors.ErrCodeInvalidState, "bootstrap barrier has no loader").
			WithComponent("bootstrap").
			WithOperation("run")
	}

	started := b.clock.Now()

	b.loadTier(ctx, types.TierBlocking, b.config.BlockingResourceTimeout)
	b.loadTier(ctx, types.TierPrePaint, 0)

	b.validateSyncState()
	b.signalReady(started)

	go b.loadTier(context.WithoutCancel(ctx), types.TierPostPaint, 0)
	return nil
}

// Ready returns a channel that receives the one-time readiness result.
func (b *Barrier) Ready() <-chan types.BootstrapResult {
	return b.ready
}

// Result returns the readiness result, if readiness has been signaled.
func (b *Barrier) Result() (types.BootstrapResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.signaled
}

// Resources returns a snapshot of the declared resources and their
// statuses.
func (b *Barrier) Resources() []types.BootstrapResource {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BootstrapResource, len(b.resources))
	copy(out, b.resources)
	return out
}

// loadTier loads every resource of one tier, bounded by the concurrency
// cap. A per-resource timeout of zero means the load runs under ctx alone.
func (b *Barrier) loadTier(ctx context.Context, tier types.BootstrapTier, timeout time.Duration) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(b.config.MaxConcurrentPayloads)

	for i := range b.resources {
		if b.resources[i].Tier != tier {
			continue
		}
		i := i
		group.Go(func() error {
			b.loadResource(ctx, i, timeout)
			return nil
		})
	}
	_ = group.Wait()
}

func (b *Barrier) loadResource(ctx context.Context, idx int, timeout time.Duration) {
	b.mu.Lock()
	res := b.resources[idx]
	b.mu.Unlock()

	loadCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := b.loader.Fetch(loadCtx, res.URL)
	if err != nil {
		value = fallbackFor(res.Type)
		b.setStatus(idx, types.StatusFallback)
		b.logger.Warn("bootstrap resource degraded",
			zap.String("key", res.Key),
			zap.String("tier", string(res.Tier)),
			zap.Error(err))
	} else {
		b.setStatus(idx, types.StatusLoaded)
	}

	if b.seeder != nil {
		b.seeder.Seed(res.Key, value, "bootstrap")
	}
}

// validateSyncState cross-checks the gating tiers against the seeded
// cache before readiness is signaled. A declared resource whose key never
// landed is re-seeded with its typed fallback and degrades the result.
func (b *Barrier) validateSyncState() {
	checker, ok := b.seeder.(stateChecker)
	if !ok {
		return
	}

	b.mu.Lock()
	var missing []int
	for i, res := range b.resources {
		if res.Tier == types.TierPostPaint {
			continue
		}
		if !checker.Has(res.Key) {
			missing = append(missing, i)
		}
	}
	b.mu.Unlock()

	for _, idx := range missing {
		b.mu.Lock()
		res := b.resources[idx]
		b.mu.Unlock()

		err := errors.Newf(errors.ErrCodeValidationFailed, "resource %q absent from cache after load", res.Key).
			WithComponent("bootstrap").
			WithOperation("validate")
		b.logger.Warn("sync state validation failed",
			zap.String("key", res.Key),
			zap.String("tier", string(res.Tier)),
			zap.Error(err))
		b.seeder.Seed(res.Key, fallbackFor(res.Type), "bootstrap")
		b.setStatus(idx, types.StatusFallback)
	}
}

func (b *Barrier) setStatus(idx int, status types.ResourceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[idx].Status = status
}

// signalReady emits the readiness result exactly once, with the degraded
// flag set when any blocking or pre-paint resource fell back.
func (b *Barrier) signalReady(started time.Time) {
	b.once.Do(func() {
		b.mu.Lock()
		degraded := false
		for _, res := range b.resources {
			if res.Tier == types.TierPostPaint {
				continue
			}
			// A resource still pending here means its load never ran; that
			// is as degraded as an explicit fallback.
			if res.Status == types.StatusFallback || res.Status == types.StatusPending {
				degraded = true
				break
			}
		}
		result := types.BootstrapResult{
			Ready:      true,
			Degraded:   degraded,
			LoadTimeMs: b.clock.Since(started).Milliseconds(),
			Resources:  make([]types.BootstrapResource, len(b.resources)),
		}
		copy(result.Resources, b.resources)
		b.result = result
		b.signaled = true
		b.mu.Unlock()

		b.ready <- result
		if b.events != nil {
			b.events.Emit(types.EventBootstrapReady, result)
		}
		b.logger.Info("bootstrap ready",
			zap.Bool("degraded", result.Degraded),
			zap.Int64("load_time_ms", result.LoadTimeMs))
	})
}

// fallbackFor returns the degraded stand-in value for a resource type.
func fallbackFor(t types.ResourceType) interface{} {
	switch t {
	case types.ResourceText:
		return ""
	case types.ResourceStructured:
		return map[string]interface{}{"error": true}
	case types.ResourceBinary:
		return []byte{}
	default:
		return nil
	}
}
