// Package coordinator adapts the cache scheduler to observed usage. It
// classifies interaction cadence into a usage pattern, selects a sync
// mode from the cache hit ratio once per interval, reacts to memory
// pressure crossings, and keeps a bounded log of every adaptation.
package coordinator
