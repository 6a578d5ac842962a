// Package types defines the shared value types and capability interfaces of
// the tiered cache subsystem: cache entries and tiers, conveyor segments,
// memory pressure levels, the bootstrap resource contract, and the Fetcher,
// EventSink and MetricsSink capabilities components are wired with.
//
// Keeping these in a leaf package lets internal components depend on each
// other's contracts without importing each other's implementations.
package types
