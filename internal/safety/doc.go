// Package safety provides the failure-isolation primitives the cache is
// built on: a per-key recursion guard, per-key circuit breakers, a
// single-flight request deduplicator, a central timer registry, and a
// memory pressure monitor.
//
// The primitives are pure state machines over an injected clock; none of
// them perform I/O.
package safety
