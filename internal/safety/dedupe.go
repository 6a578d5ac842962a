package safety

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// pendingFlight tracks one shared in-flight fetch. Its TTL lives in the
// TimerManager; the flight itself only carries the expiry signal.
type pendingFlight struct {
	expired chan struct{}
}

// RequestDeduplicator collapses concurrent calls for the same key into one
// shared in-flight fetch. A call arriving while a fetch for the key is
// pending joins it instead of re-invoking the fetch. Pending entries are
// removed on completion or when their TTL expires, whichever comes first;
// after expiry the next call starts a fresh fetch.
type RequestDeduplicator struct {
	group  singleflight.Group
	timers *TimerManager
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlight
}

// NewRequestDeduplicator creates a deduplicator whose TTL expiry timers are
// registered with the given TimerManager.
func NewRequestDeduplicator(timers *TimerManager, logger *zap.Logger) *RequestDeduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestDeduplicator{
		timers:  timers,
		logger:  logger,
		pending: make(map[string]*pendingFlight),
	}
}

// Do executes fetch under single-flight semantics for key. The returned
// shared flag reports whether the result was produced by another caller's
// fetch. A fetch still pending when its TTL elapses is forgotten: every
// waiting caller receives OPERATION_TIMEOUT and the next call re-invokes.
func (d *RequestDeduplicator) Do(ctx context.Context, key string, ttl time.Duration, fetch types.Fetcher) (interface{}, bool, error) {
	d.mu.Lock()
	flight, inflight := d.pending[key]
	if !inflight {
		flight = &pendingFlight{expired: make(chan struct{})}
		d.pending[key] = flight
		d.timers.Set("dedupe:"+key, ttl, func() { d.expire(key, flight) })
	}
	d.mu.Unlock()

	ch := d.group.DoChan(key, func() (interface{}, error) {
		defer d.release(key, flight)
		return fetch(ctx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-flight.expired:
		return nil, false, errors.Newf(errors.ErrCodeOperationTimeout, "fetch for %q still pending after %v", key, ttl).
			WithComponent("safety").
			WithOperation("dedupe")
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Pending returns the number of in-flight keys.
func (d *RequestDeduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// release removes the flight on completion, unless a newer flight for the
// same key has already replaced it.
func (d *RequestDeduplicator) release(key string, flight *pendingFlight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.pending[key]; ok && current == flight {
		delete(d.pending, key)
		d.timers.Cancel("dedupe:" + key)
	}
}

// expire forgets a flight whose TTL elapsed while still pending. The
// original fetch keeps running but its result no longer satisfies anyone.
func (d *RequestDeduplicator) expire(key string, flight *pendingFlight) {
	d.mu.Lock()
	current, ok := d.pending[key]
	if !ok || current != flight {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.logger.Warn("pending fetch expired", zap.String("key", key))
	d.group.Forget(key)
	close(flight.expired)
}
