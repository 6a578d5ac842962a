package types

import (
	"context"
	"time"
)

// Fetcher produces the value for a single resource. The cache never performs
// I/O itself; callers inject the fetch for the key they are requesting.
type Fetcher func(ctx context.Context) (interface{}, error)

// SourceFetcher fetches an arbitrary key from the backing source. The
// maintenance scheduler uses it for cold-tier sync and predictive prefetch,
// where no caller-supplied Fetcher is available.
type SourceFetcher interface {
	Fetch(ctx context.Context, key string) (interface{}, error)
}

// SourceFetcherFunc adapts a function to the SourceFetcher interface.
type SourceFetcherFunc func(ctx context.Context, key string) (interface{}, error)

// Fetch calls the underlying function.
func (f SourceFetcherFunc) Fetch(ctx context.Context, key string) (interface{}, error) {
	return f(ctx, key)
}

// EventSink receives component state-change announcements. The event bus
// implements it; components hold the capability, not the bus itself.
type EventSink interface {
	Emit(event string, payload interface{})
}

// MetricsSink receives cache and safety instrumentation. The prometheus
// collector implements it; a no-op sink is used when metrics are disabled.
type MetricsSink interface {
	RecordHit(tier Tier)
	RecordMiss()
	RecordPromotion(from, to Tier)
	RecordEviction(tier Tier)
	RecordPhaseCheck(aligned bool)
	RecordPrefetch()
	RecordFetchDuration(d time.Duration)
	RecordCircuitOpen(key string)
	RecordFloodDrop(event string)
	SetTierSize(tier Tier, size int)
	SetMemoryLevel(level MemoryLevel)
}

// NopMetrics is a MetricsSink that discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordHit(Tier)                  {}
func (NopMetrics) RecordMiss()                     {}
func (NopMetrics) RecordPromotion(Tier, Tier)      {}
func (NopMetrics) RecordEviction(Tier)             {}
func (NopMetrics) RecordPhaseCheck(bool)           {}
func (NopMetrics) RecordPrefetch()                 {}
func (NopMetrics) RecordFetchDuration(time.Duration) {}
func (NopMetrics) RecordCircuitOpen(string)        {}
func (NopMetrics) RecordFloodDrop(string)          {}
func (NopMetrics) SetTierSize(Tier, int)           {}
func (NopMetrics) SetMemoryLevel(MemoryLevel)      {}
