// Package cache implements the tiered resource cache and its revolving
// maintenance scheduler.
//
// Entries live in one of three tiers: hot (immediately servable), warm
// (staged for promotion), and cold (freshly fetched or queued for
// staging). Lookups promote entries toward hot; a background scheduler
// rotates a segment ring and, once per cycle at a configurable phase
// offset, runs a bounded maintenance batch of promotions, cold-tier
// syncs, stale evictions, and predictive prefetches. Misses are fetched
// once per key through the safety kernel: recursion-guarded,
// single-flight deduplicated, circuit-broken, and TTL-bounded.
package cache
