package events

import (
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/clock"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Flood thresholds: more than burstLimit emissions of one type within
// burstWindow, or more than floodLimit within floodWindow, marks the
// (type, payload) pair suspicious.
const (
	floodWindow = 1000 * time.Millisecond
	floodLimit  = 20
	burstWindow = 100 * time.Millisecond
	burstLimit  = 3
)

// BusConfig configures the protection limits of the bus.
type BusConfig struct {
	// MaxListeners caps registrations per event type.
	MaxListeners int `yaml:"max_listeners"`
	// MaxRecursionDepth caps re-entrant emission per event type.
	MaxRecursionDepth int `yaml:"max_recursion_depth"`
}

// DefaultBusConfig returns the default protection limits.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxListeners:      25,
		MaxRecursionDepth: 8,
	}
}

// Listener receives event payloads.
type Listener func(payload interface{})

type registration struct {
	id int
	fn Listener
}

// Bus is a synchronous publish/subscribe bus with three protections:
// a per-type listener cap, a per-type recursion-depth limit, and flood
// detection that silently drops emissions of a (type, payload) pair once
// the pair has been marked suspicious.
type Bus struct {
	mu     sync.Mutex
	clock  clock.Clock
	config BusConfig

	listeners  map[string][]registration
	nextID     int
	depth      map[string]int
	emissions  map[string][]time.Time
	suspicious map[string]map[uint64]struct{}
	recent     map[string]map[uint64]time.Time

	metrics types.MetricsSink
	logger  *zap.Logger
}

// NewBus creates a bus on the given clock.
func NewBus(config BusConfig, clk clock.Clock, metrics types.MetricsSink, logger *zap.Logger) *Bus {
	if config.MaxListeners <= 0 {
		config.MaxListeners = DefaultBusConfig().MaxListeners
	}
	if config.MaxRecursionDepth <= 0 {
		config.MaxRecursionDepth = DefaultBusConfig().MaxRecursionDepth
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		clock:      clk,
		config:     config,
		listeners:  make(map[string][]registration),
		depth:      make(map[string]int),
		emissions:  make(map[string][]time.Time),
		suspicious: make(map[string]map[uint64]struct{}),
		recent:     make(map[string]map[uint64]time.Time),
		metrics:    metrics,
		logger:     logger,
	}
}

// Subscribe registers a listener for event. Registration beyond the
// listener cap is rejected with LISTENER_LIMIT. The returned function
// unsubscribes the listener.
func (b *Bus) Subscribe(event string, fn Listener) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.listeners[event]) >= b.config.MaxListeners {
		return nil, errors.Newf(errors.ErrCodeListenerLimit, "listener cap %d reached for %q", b.config.MaxListeners, event).
			WithComponent("events").
			WithOperation("subscribe")
	}

	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], registration{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.listeners[event]
		for i, reg := range regs {
			if reg.id == id {
				b.listeners[event] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}, nil
}

// Emit publishes payload to every listener of event, synchronously.
// Suspicious pairs, flood bursts, and over-deep re-entrant emissions are
// dropped silently; Emit never fails its caller.
func (b *Bus) Emit(event string, payload interface{}) {
	hash := payloadHash(payload)

	b.mu.Lock()
	if b.isSuspiciousLocked(event, hash) {
		b.mu.Unlock()
		b.metrics.RecordFloodDrop(event)
		return
	}
	if b.recordEmissionLocked(event) {
		// Flood detected: remember the pattern and drop this emission.
		b.markSuspiciousLocked(event, hash)
		b.mu.Unlock()
		b.metrics.RecordFloodDrop(event)
		b.logger.Warn("event flood detected", zap.String("event", event))
		return
	}
	if b.depth[event] >= b.config.MaxRecursionDepth {
		b.mu.Unlock()
		b.logger.Warn("event recursion limit reached", zap.String("event", event))
		return
	}
	b.depth[event]++
	regs := make([]registration, len(b.listeners[event]))
	copy(regs, b.listeners[event])
	b.mu.Unlock()

	defer func() {
		// Decremented unconditionally, even if a listener panics.
		b.mu.Lock()
		b.depth[event]--
		b.mu.Unlock()
	}()

	for _, reg := range regs {
		reg.fn(payload)
	}
}

// EmitOnce behaves like Emit but drops structurally identical payloads
// emitted within window of each other.
func (b *Bus) EmitOnce(event string, payload interface{}, window time.Duration) {
	hash := payloadHash(payload)
	now := b.clock.Now()

	b.mu.Lock()
	seen := b.recent[event]
	if seen == nil {
		seen = make(map[uint64]time.Time)
		b.recent[event] = seen
	}
	if last, ok := seen[hash]; ok && now.Sub(last) < window {
		b.mu.Unlock()
		return
	}
	seen[hash] = now
	b.mu.Unlock()

	b.Emit(event, payload)
}

// IsSuspicious reports whether the (event, payload) pair is being dropped.
func (b *Bus) IsSuspicious(event string, payload interface{}) bool {
	hash := payloadHash(payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isSuspiciousLocked(event, hash)
}

// ClearSuspicious forgets every suspicious pattern recorded for event.
func (b *Bus) ClearSuspicious(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.suspicious, event)
	delete(b.emissions, event)
}

// ListenerCount returns the number of registered listeners for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// recordEmissionLocked appends an emission timestamp and reports whether
// the flood thresholds are now exceeded.
func (b *Bus) recordEmissionLocked(event string) bool {
	now := b.clock.Now()
	cutoff := now.Add(-floodWindow)

	kept := b.emissions[event][:0]
	for _, ts := range b.emissions[event] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	b.emissions[event] = kept

	if len(kept) > floodLimit {
		return true
	}

	recent := 0
	burstCutoff := now.Add(-burstWindow)
	for _, ts := range kept {
		if ts.After(burstCutoff) {
			recent++
		}
	}
	return recent > burstLimit
}

func (b *Bus) isSuspiciousLocked(event string, hash uint64) bool {
	hashes, ok := b.suspicious[event]
	if !ok {
		return false
	}
	_, bad := hashes[hash]
	return bad
}

func (b *Bus) markSuspiciousLocked(event string, hash uint64) {
	hashes, ok := b.suspicious[event]
	if !ok {
		hashes = make(map[uint64]struct{})
		b.suspicious[event] = hashes
	}
	hashes[hash] = struct{}{}
}

// payloadHash derives a structural identity for a payload. Unhashable
// payloads collapse to zero and are treated as identical to each other.
func payloadHash(payload interface{}) uint64 {
	hash, err := hashstructure.Hash(payload, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return hash
}
