package safety

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// BreakerConfig configures the per-key circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	Threshold uint32 `yaml:"threshold"`
	// Timeout is how long an open breaker rejects calls before allowing a
	// half-open probe.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the closed-state window after which failure counts reset.
	Interval time.Duration `yaml:"interval"`
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Timeout:   30 * time.Second,
		Interval:  60 * time.Second,
	}
}

// CircuitBreaker isolates failing fetch targets per key. Each key gets its
// own three-state breaker: CLOSED until Threshold consecutive failures,
// then OPEN, rejecting calls without invoking them until Timeout elapses;
// a single HALF_OPEN probe then closes the breaker on success or reopens
// it with a renewed timeout on failure.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	events   types.EventSink
	metrics  types.MetricsSink
	logger   *zap.Logger
}

// NewCircuitBreaker creates a per-key breaker registry.
func NewCircuitBreaker(config BreakerConfig, events types.EventSink, metrics types.MetricsSink, logger *zap.Logger) *CircuitBreaker {
	if config.Threshold == 0 {
		config.Threshold = DefaultBreakerConfig().Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBreakerConfig().Timeout
	}
	if config.Interval <= 0 {
		config.Interval = DefaultBreakerConfig().Interval
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs fn through the breaker for key. While the breaker is open
// and before its retry deadline, Execute fails fast with CIRCUIT_OPEN
// without invoking fn.
func (cb *CircuitBreaker) Execute(key string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := cb.breaker(key).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Newf(errors.ErrCodeCircuitOpen, "circuit open for %q", key).
			WithComponent("safety").
			WithOperation("execute").
			WithDetail("key", key).
			WithCause(err)
	}
	return result, err
}

// State returns the breaker state for key as CLOSED, OPEN, or HALF_OPEN.
func (cb *CircuitBreaker) State(key string) string {
	return cb.breaker(key).State().String()
}

// Reset discards the breaker for key; the next Execute starts CLOSED.
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.breakers, key)
}

func (cb *CircuitBreaker) breaker(key string) *gobreaker.CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if b, ok := cb.breakers[key]; ok {
		return b
	}

	threshold := cb.config.Threshold
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one half-open probe
		Interval:    cb.config.Interval,
		Timeout:     cb.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Info("circuit state change",
				zap.String("key", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				cb.metrics.RecordCircuitOpen(name)
				if cb.events != nil {
					cb.events.Emit(types.EventCircuitOpen, map[string]interface{}{"key": name})
				}
			}
		},
	})
	cb.breakers[key] = b
	return b
}
