package config

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/internal/bootstrap"
	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/coordinator"
	"github.com/tiercache/tiercache/internal/events"
	"github.com/tiercache/tiercache/internal/safety"
	"github.com/tiercache/tiercache/pkg/errors"
)

// CacheConfig holds the tiered cache and scheduler settings. Durations
// are expressed in milliseconds.
type CacheConfig struct {
	ConveyorCycleMs    int     `yaml:"conveyor_cycle_ms"`
	CacheWindowWidthMs int     `yaml:"cache_window_width_ms"`
	PhaseOffset        float64 `yaml:"phase_offset"`
	NumSegments        int     `yaml:"num_segments"`
	MaxLocalCacheSize  int     `yaml:"max_local_cache_size"`
	PreloadLookahead   int     `yaml:"preload_lookahead"`
	FetchTTLMs         int     `yaml:"fetch_ttl_ms"`
}

// BootstrapConfig holds the startup barrier settings.
type BootstrapConfig struct {
	MaxConcurrentPayloads     int `yaml:"max_concurrent_payloads"`
	PayloadBatchSize          int `yaml:"payload_batch_size"`
	BlockingResourceTimeoutMs int `yaml:"blocking_resource_timeout_ms"`
}

// SafetyConfig holds the recursion guard and circuit breaker settings.
type SafetyConfig struct {
	MaxRecursionDepth       int    `yaml:"max_recursion_depth"`
	CircuitBreakerThreshold uint32 `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutMs int    `yaml:"circuit_breaker_timeout_ms"`
}

// MemoryConfig holds the pressure monitor settings.
type MemoryConfig struct {
	PollIntervalMs     int     `yaml:"poll_interval_ms"`
	WarningThreshold   float64 `yaml:"warning_threshold"`
	CriticalThreshold  float64 `yaml:"critical_threshold"`
	EmergencyThreshold float64 `yaml:"emergency_threshold"`
}

// EventsConfig holds the event bus protection limits.
type EventsConfig struct {
	MaxListeners      int `yaml:"max_listeners"`
	MaxRecursionDepth int `yaml:"max_recursion_depth"`
}

// CoordinatorConfig holds the adaptive coordinator settings.
type CoordinatorConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// MetricsConfig holds the prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds the zap logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the full configuration tree.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Safety      SafetyConfig      `yaml:"safety"`
	Memory      MemoryConfig      `yaml:"memory"`
	Events      EventsConfig      `yaml:"events"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			ConveyorCycleMs:    60_000,
			CacheWindowWidthMs: 180_000,
			PhaseOffset:        0.35,
			NumSegments:        6,
			MaxLocalCacheSize:  100,
			PreloadLookahead:   3,
			FetchTTLMs:         10_000,
		},
		Bootstrap: BootstrapConfig{
			MaxConcurrentPayloads:     4,
			PayloadBatchSize:          5,
			BlockingResourceTimeoutMs: 5_000,
		},
		Safety: SafetyConfig{
			MaxRecursionDepth:       10,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeoutMs: 30_000,
		},
		Memory: MemoryConfig{
			PollIntervalMs:     5_000,
			WarningThreshold:   0.70,
			CriticalThreshold:  0.85,
			EmergencyThreshold: 0.95,
		},
		Events: EventsConfig{
			MaxListeners:      25,
			MaxRecursionDepth: 8,
		},
		Coordinator: CoordinatorConfig{
			IntervalMs: 30_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "read config %s", path).
			WithComponent("config").
			WithOperation("load").
			WithCause(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "parse config %s", path).
			WithComponent("config").
			WithOperation("load").
			WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).
			WithComponent("config").
			WithOperation("validate")
	}

	if c.Cache.ConveyorCycleMs <= 0 {
		return invalid("conveyor_cycle_ms must be positive, got %d", c.Cache.ConveyorCycleMs)
	}
	if c.Cache.NumSegments < 1 {
		return invalid("num_segments must be at least 1, got %d", c.Cache.NumSegments)
	}
	// The alignment window is [offset, offset+0.1) of the cycle; the whole
	// window has to fit inside one cycle.
	if c.Cache.PhaseOffset <= 0 || c.Cache.PhaseOffset+0.1 > 1 {
		return invalid("phase_offset must be in (0, 0.9], got %v", c.Cache.PhaseOffset)
	}
	if c.Cache.MaxLocalCacheSize < 1 {
		return invalid("max_local_cache_size must be at least 1, got %d", c.Cache.MaxLocalCacheSize)
	}
	if c.Cache.CacheWindowWidthMs <= 0 {
		return invalid("cache_window_width_ms must be positive, got %d", c.Cache.CacheWindowWidthMs)
	}

	w, cr, e := c.Memory.WarningThreshold, c.Memory.CriticalThreshold, c.Memory.EmergencyThreshold
	if w <= 0 || e > 1 || !(w < cr && cr < e) {
		return invalid("memory thresholds must satisfy 0 < warning < critical < emergency <= 1, got %v/%v/%v", w, cr, e)
	}

	if c.Safety.MaxRecursionDepth < 1 {
		return invalid("max_recursion_depth must be at least 1, got %d", c.Safety.MaxRecursionDepth)
	}
	if c.Bootstrap.MaxConcurrentPayloads < 1 {
		return invalid("max_concurrent_payloads must be at least 1, got %d", c.Bootstrap.MaxConcurrentPayloads)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// CacheOptions converts the cache section to cache.Options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		ConveyorCycle:         time.Duration(c.Cache.ConveyorCycleMs) * time.Millisecond,
		CacheWindowWidth:      time.Duration(c.Cache.CacheWindowWidthMs) * time.Millisecond,
		PhaseOffset:           c.Cache.PhaseOffset,
		NumSegments:           c.Cache.NumSegments,
		MaxLocalCacheSize:     c.Cache.MaxLocalCacheSize,
		PreloadLookahead:      c.Cache.PreloadLookahead,
		MaxConcurrentPayloads: c.Bootstrap.MaxConcurrentPayloads,
		PayloadBatchSize:      c.Bootstrap.PayloadBatchSize,
		FetchTTL:              time.Duration(c.Cache.FetchTTLMs) * time.Millisecond,
	}
}

// BootstrapConfig converts the bootstrap section to bootstrap.Config.
func (c *Config) BootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		MaxConcurrentPayloads:   c.Bootstrap.MaxConcurrentPayloads,
		BlockingResourceTimeout: time.Duration(c.Bootstrap.BlockingResourceTimeoutMs) * time.Millisecond,
	}
}

// BreakerConfig converts the safety section to safety.BreakerConfig.
func (c *Config) BreakerConfig() safety.BreakerConfig {
	return safety.BreakerConfig{
		Threshold: c.Safety.CircuitBreakerThreshold,
		Timeout:   time.Duration(c.Safety.CircuitBreakerTimeoutMs) * time.Millisecond,
	}
}

// MemoryMonitorConfig converts the memory section to safety.MemoryConfig.
func (c *Config) MemoryMonitorConfig() safety.MemoryConfig {
	return safety.MemoryConfig{
		PollInterval:       time.Duration(c.Memory.PollIntervalMs) * time.Millisecond,
		WarningThreshold:   c.Memory.WarningThreshold,
		CriticalThreshold:  c.Memory.CriticalThreshold,
		EmergencyThreshold: c.Memory.EmergencyThreshold,
	}
}

// BusConfig converts the events section to events.BusConfig.
func (c *Config) BusConfig() events.BusConfig {
	return events.BusConfig{
		MaxListeners:      c.Events.MaxListeners,
		MaxRecursionDepth: c.Events.MaxRecursionDepth,
	}
}

// CoordinatorConfig converts the coordinator section to
// coordinator.Config.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Interval:        time.Duration(c.Coordinator.IntervalMs) * time.Millisecond,
		BaseWindowWidth: time.Duration(c.Cache.CacheWindowWidthMs) * time.Millisecond,
		BaseLookahead:   c.Cache.PreloadLookahead,
	}
}

// BuildLogger constructs a zap logger from the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if c.Logging.Level != "" {
		if err := level.Set(c.Logging.Level); err != nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "log level %q", c.Logging.Level).
				WithComponent("config").
				WithCause(err)
		}
	}

	zapCfg := zap.NewProductionConfig()
	if c.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
