package safety

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/clock"
)

// TimerManager is a central registry of named timers. Setting a timer with
// an id that is already registered cancels the prior timer first, so a
// given id can never leak duplicate callbacks.
type TimerManager struct {
	mu     sync.Mutex
	clock  clock.Clock
	timers map[string]clock.Timer
	logger *zap.Logger
	closed bool
}

// NewTimerManager creates a timer registry on the given clock.
func NewTimerManager(clk clock.Clock, logger *zap.Logger) *TimerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerManager{
		clock:  clk,
		timers: make(map[string]clock.Timer),
		logger: logger,
	}
}

// Set schedules fn to run once after d, replacing any timer already
// registered under id.
func (m *TimerManager) Set(id string, d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if prior, ok := m.timers[id]; ok {
		prior.Stop()
		m.logger.Debug("replaced timer", zap.String("id", id))
	}

	var timer clock.Timer
	timer = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		// Only deregister if we are still the registered timer; Set may
		// have replaced us between firing and acquiring the lock.
		if current, ok := m.timers[id]; ok && current == timer {
			delete(m.timers, id)
		}
		closed := m.closed
		m.mu.Unlock()

		if !closed {
			fn()
		}
	})
	m.timers[id] = timer
}

// Cancel stops and removes the timer registered under id. It reports
// whether a timer was registered.
func (m *TimerManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(m.timers, id)
	return true
}

// Active returns the number of registered timers.
func (m *TimerManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// StopAll cancels every registered timer and rejects further Set calls.
func (m *TimerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.closed = true
}
