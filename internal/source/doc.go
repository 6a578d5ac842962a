// Package source provides backing-store fetchers. The S3 source is the
// production implementation behind cold-tier sync, predictive prefetch,
// and the bootstrap loader.
package source
