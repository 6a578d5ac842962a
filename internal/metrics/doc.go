// Package metrics exposes cache and safety instrumentation as prometheus
// metrics on a private registry.
package metrics
