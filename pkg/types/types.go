package types

import (
	"time"
)

// Tier identifies the access-readiness level of a cache entry.
type Tier string

const (
	// TierHot entries are immediately servable.
	TierHot Tier = "hot"
	// TierWarm entries are staged for promotion.
	TierWarm Tier = "warm"
	// TierCold entries are freshly fetched or queued for staging.
	TierCold Tier = "cold"
)

// EntryMetadata carries access bookkeeping for a cache entry.
type EntryMetadata struct {
	InsertedAt  time.Time `json:"inserted_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	Source      string    `json:"source"`
}

// CacheEntry is a keyed value occupying exactly one tier at a time.
// Tier transitions are moves, never copies.
type CacheEntry struct {
	Key      string        `json:"key"`
	Value    interface{}   `json:"-"`
	Tier     Tier          `json:"tier"`
	Metadata EntryMetadata `json:"metadata"`
}

// Segment is one slot of the revolving conveyor ring. Exactly one segment
// is active at a time; rotation advances the active index mod N.
type Segment struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	LastRotation time.Time `json:"last_rotation"`
}

// MemoryLevel classifies a 0-1 memory usage ratio against configured
// thresholds.
type MemoryLevel int

const (
	MemoryNormal MemoryLevel = iota
	MemoryWarning
	MemoryCritical
	MemoryEmergency
)

// String returns the string representation of the memory level.
func (l MemoryLevel) String() string {
	switch l {
	case MemoryNormal:
		return "normal"
	case MemoryWarning:
		return "warning"
	case MemoryCritical:
		return "critical"
	case MemoryEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// BootstrapTier orders resources relative to the readiness milestone.
type BootstrapTier string

const (
	// TierBlocking resources must complete before readiness is signalled.
	TierBlocking BootstrapTier = "blocking"
	// TierPrePaint resources are attempted before readiness but are non-fatal.
	TierPrePaint BootstrapTier = "pre_paint"
	// TierPostPaint resources load only after readiness, fully asynchronous.
	TierPostPaint BootstrapTier = "post_paint"
)

// ResourceType keys the per-resource fallback applied when a fetch fails.
type ResourceType string

const (
	ResourceText       ResourceType = "text"
	ResourceStructured ResourceType = "structured"
	ResourceBinary     ResourceType = "binary"
)

// ResourceStatus tracks the lifecycle of a bootstrap resource.
type ResourceStatus string

const (
	StatusPending  ResourceStatus = "pending"
	StatusLoaded   ResourceStatus = "loaded"
	StatusFallback ResourceStatus = "fallback"
	StatusFailed   ResourceStatus = "failed"
)

// BootstrapResource declares a single resource in the startup contract.
type BootstrapResource struct {
	Key    string         `json:"key"`
	Tier   BootstrapTier  `json:"tier"`
	Type   ResourceType   `json:"type"`
	URL    string         `json:"url"`
	Status ResourceStatus `json:"status"`
}

// BootstrapResult is the one-time readiness signal payload.
type BootstrapResult struct {
	Ready      bool                `json:"ready"`
	Degraded   bool                `json:"degraded"`
	LoadTimeMs int64               `json:"load_time_ms"`
	Resources  []BootstrapResource `json:"resources"`
}

// AdaptationRecord is one entry of the coordinator's bounded tuning log.
type AdaptationRecord struct {
	Timestamp   time.Time              `json:"timestamp"`
	Reason      string                 `json:"reason"`
	Changes     map[string]interface{} `json:"changes"`
	MemoryUsage float64                `json:"memory_usage"`
}

// UsagePattern classifies observed interaction cadence.
type UsagePattern string

const (
	PatternFast      UsagePattern = "fast"
	PatternExploring UsagePattern = "exploring"
	PatternFocused   UsagePattern = "focused"
)

// SyncMode is the coordinator's tri-state scheduler tuning mode.
type SyncMode string

const (
	ModeAggressive   SyncMode = "aggressive"
	ModeConservative SyncMode = "conservative"
	ModeAdaptive     SyncMode = "adaptive"
)

// SyncMetrics is a point-in-time snapshot of cache efficiency counters.
type SyncMetrics struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	Promotions      uint64  `json:"promotions"`
	Evictions       uint64  `json:"evictions"`
	PhaseChecks     uint64  `json:"phase_checks"`
	PhaseAlignments uint64  `json:"phase_alignments"`
	Prefetches      uint64  `json:"prefetches"`
	AvgResponseMs   float64 `json:"avg_response_ms"`
	HitRatio        float64 `json:"hit_ratio"`
	SyncEfficiency  float64 `json:"sync_efficiency"`

	HotSize  int `json:"hot_size"`
	WarmSize int `json:"warm_size"`
	ColdSize int `json:"cold_size"`
}

// Event names emitted on the bus.
const (
	EventCacheHit       = "cache:hit"
	EventCacheMiss      = "cache:miss"
	EventBootstrapReady = "bootstrap:ready"
	EventMemoryPressure = "memory:pressure"
	EventCircuitOpen    = "circuit:open"
)
