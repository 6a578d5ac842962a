// Package tiercache assembles the tiered cache subsystem: safety kernel,
// event bus, tiered cache with its rotation scheduler, bootstrap barrier,
// adaptive coordinator, and prometheus instrumentation, wired from one
// configuration.
package tiercache

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/bootstrap"
	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/coordinator"
	"github.com/tiercache/tiercache/internal/events"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/internal/safety"
	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/types"
)

// Option customizes System construction.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
	source types.SourceFetcher
}

// WithClock injects a clock; tests pass a fake to drive the schedulers.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger injects a logger instead of building one from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSource wires the backing source used for cold sync, predictive
// prefetch, and bootstrap loading.
func WithSource(src types.SourceFetcher) Option {
	return func(o *options) { o.source = src }
}

// System is the assembled subsystem.
type System struct {
	Cache       *cache.TieredCache
	Bus         *events.Bus
	Coordinator *coordinator.Coordinator
	Memory      *safety.MemoryPressureMonitor
	Metrics     *metrics.Collector
	Logger      *zap.Logger

	cfg           *config.Config
	clock         clock.Clock
	timers        *safety.TimerManager
	source        types.SourceFetcher
	metricsServer *http.Server
}

// New assembles a System from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		logger, err := cfg.BuildLogger()
		if err != nil {
			return nil, err
		}
		o.logger = logger
	}

	collector := metrics.NewCollector()
	bus := events.NewBus(cfg.BusConfig(), o.clock, collector, o.logger)
	timers := safety.NewTimerManager(o.clock, o.logger)

	guard := safety.NewRecursionGuard(cfg.Safety.MaxRecursionDepth, o.logger)
	dedupe := safety.NewRequestDeduplicator(timers, o.logger)
	breaker := safety.NewCircuitBreaker(cfg.BreakerConfig(), bus, collector, o.logger)
	memory := safety.NewMemoryPressureMonitor(cfg.MemoryMonitorConfig(), nil, timers, bus, collector, o.logger)

	tiered := cache.New(cfg.CacheOptions(), cache.Deps{
		Clock:   o.clock,
		Logger:  o.logger,
		Events:  bus,
		Metrics: collector,
		Guard:   guard,
		Dedupe:  dedupe,
		Breaker: breaker,
		Timers:  timers,
		Source:  o.source,
	})

	coord := coordinator.New(cfg.CoordinatorConfig(), tiered, o.clock, timers, o.logger)

	return &System{
		Cache:       tiered,
		Bus:         bus,
		Coordinator: coord,
		Memory:      memory,
		Metrics:     collector,
		Logger:      o.logger,
		cfg:         cfg,
		clock:       o.clock,
		timers:      timers,
		source:      o.source,
	}, nil
}

// Start runs the schedulers: cache rotation and phase maintenance, the
// coordinator's adaptation loop, memory pressure polling, and, when
// enabled, the metrics exposition server.
func (s *System) Start() {
	s.Cache.Start()
	s.Coordinator.Start()
	s.Memory.Subscribe(s.Coordinator.NotifyMemory)

	if s.cfg.Metrics.Enabled && s.metricsServer == nil {
		s.metricsServer = s.Metrics.Serve(s.cfg.Metrics.Listen, s.Logger)
	}
}

// Bootstrap runs the startup barrier over the declared resources, seeding
// loaded payloads into the cache, and returns the barrier so callers can
// wait on its Ready channel.
func (s *System) Bootstrap(ctx context.Context, resources []types.BootstrapResource) (*bootstrap.Barrier, error) {
	barrier := bootstrap.New(s.cfg.BootstrapConfig(), resources, s.source, s.Cache, s.clock, s.Bus, s.Logger)
	if err := barrier.Run(ctx); err != nil {
		return nil, err
	}
	return barrier, nil
}

// Close stops every scheduler and the metrics server.
func (s *System) Close() error {
	s.Coordinator.Close()
	s.Cache.Close()
	s.Memory.Close()
	s.timers.StopAll()

	if s.metricsServer != nil {
		return s.metricsServer.Close()
	}
	return nil
}
