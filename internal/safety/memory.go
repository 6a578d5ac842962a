package safety

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/types"
)

// UsageFunc reports current memory usage as a 0-1 ratio.
type UsageFunc func() float64

// MemoryConfig configures pressure classification thresholds.
type MemoryConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	WarningThreshold   float64       `yaml:"warning_threshold"`
	CriticalThreshold  float64       `yaml:"critical_threshold"`
	EmergencyThreshold float64       `yaml:"emergency_threshold"`
}

// DefaultMemoryConfig returns the default monitor tuning.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		PollInterval:       5 * time.Second,
		WarningThreshold:   0.70,
		CriticalThreshold:  0.85,
		EmergencyThreshold: 0.95,
	}
}

// MemoryPressureMonitor polls a usage ratio on an interval and classifies
// it into a pressure level. Subscribers are notified exactly once per level
// crossing per poll. Monitoring auto-starts on the first subscription and
// stops on Close.
type MemoryPressureMonitor struct {
	mu      sync.Mutex
	config  MemoryConfig
	usage   UsageFunc
	timers  *TimerManager
	events  types.EventSink
	metrics types.MetricsSink
	logger  *zap.Logger

	level   types.MemoryLevel
	subs    []func(level types.MemoryLevel, usage float64)
	running bool
	closed  bool
}

// NewMemoryPressureMonitor creates a monitor. A nil usage function falls
// back to heap in-use over heap reserved from runtime.ReadMemStats.
func NewMemoryPressureMonitor(config MemoryConfig, usage UsageFunc, timers *TimerManager, events types.EventSink, metrics types.MetricsSink, logger *zap.Logger) *MemoryPressureMonitor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultMemoryConfig().PollInterval
	}
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = DefaultMemoryConfig().WarningThreshold
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = DefaultMemoryConfig().CriticalThreshold
	}
	if config.EmergencyThreshold <= 0 {
		config.EmergencyThreshold = DefaultMemoryConfig().EmergencyThreshold
	}
	if usage == nil {
		usage = heapUsageRatio
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryPressureMonitor{
		config:  config,
		usage:   usage,
		timers:  timers,
		events:  events,
		metrics: metrics,
		logger:  logger,
		level:   types.MemoryNormal,
	}
}

// Subscribe registers a level-crossing callback and starts polling if it is
// not already running.
func (m *MemoryPressureMonitor) Subscribe(fn func(level types.MemoryLevel, usage float64)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	start := !m.running && !m.closed
	if start {
		m.running = true
	}
	m.mu.Unlock()

	if start {
		m.schedule()
	}
}

// Level returns the most recently classified pressure level.
func (m *MemoryPressureMonitor) Level() types.MemoryLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Poll samples usage immediately, outside the regular interval.
func (m *MemoryPressureMonitor) Poll() {
	m.poll()
}

// Close stops polling permanently.
func (m *MemoryPressureMonitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.running = false
	m.mu.Unlock()
	m.timers.Cancel("memmon:poll")
}

func (m *MemoryPressureMonitor) schedule() {
	m.timers.Set("memmon:poll", m.config.PollInterval, func() {
		m.poll()

		m.mu.Lock()
		active := m.running && !m.closed
		m.mu.Unlock()
		if active {
			m.schedule()
		}
	})
}

func (m *MemoryPressureMonitor) poll() {
	usage := m.usage()
	level := m.classify(usage)

	m.mu.Lock()
	crossed := level != m.level
	m.level = level
	subs := make([]func(types.MemoryLevel, float64), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.metrics.SetMemoryLevel(level)

	if !crossed {
		return
	}

	m.logger.Info("memory pressure level changed",
		zap.String("level", level.String()),
		zap.Float64("usage", usage))

	for _, fn := range subs {
		fn(level, usage)
	}
	if m.events != nil {
		m.events.Emit(types.EventMemoryPressure, map[string]interface{}{
			"level": level.String(),
			"usage": usage,
		})
	}
}

func (m *MemoryPressureMonitor) classify(usage float64) types.MemoryLevel {
	switch {
	case usage >= m.config.EmergencyThreshold:
		return types.MemoryEmergency
	case usage >= m.config.CriticalThreshold:
		return types.MemoryCritical
	case usage >= m.config.WarningThreshold:
		return types.MemoryWarning
	default:
		return types.MemoryNormal
	}
}

func heapUsageRatio() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys == 0 {
		return 0
	}
	return float64(stats.HeapInuse) / float64(stats.HeapSys)
}
