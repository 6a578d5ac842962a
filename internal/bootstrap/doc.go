// Package bootstrap implements the startup barrier that loads declared
// resources in three tiers (blocking, pre-paint, post-paint) and signals
// readiness exactly once. Failed loads degrade to typed fallback values;
// the bootstrap itself never fails after initialization.
package bootstrap
