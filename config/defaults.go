// Package config provides configuration defaults for the oceangrid
// application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the manifest (manifest.yaml) or
// environment variables expanded inside it.
package config

import "time"

// =============================================================================
// Server Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:8080"

	// DefaultRequestTimeout bounds a single request end to end.
	// An in-flight fetch outlives a timed-out request and still fills the cache.
	// Override via config: server.request_timeout
	DefaultRequestTimeout = 60 * time.Second

	// DefaultReadTimeout is the HTTP server read timeout.
	// Override via config: server.read_timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the HTTP server write timeout. Layer payloads
	// with 100k points take a while to encode on small instances.
	// Override via config: server.write_timeout
	DefaultWriteTimeout = 90 * time.Second

	// DefaultDrainTimeout is how long to wait for in-flight requests during shutdown.
	// Override via config: server.drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheDir is the local directory holding fetched artifacts.
	// It survives for the life of one process and may be wiped on cold start.
	// Override via config: cache.dir
	DefaultCacheDir = "/tmp/oceangrid/cache"

	// DefaultCacheDirMode is the permission used when creating the cache root.
	DefaultCacheDirMode = 0o755
)

// =============================================================================
// Fetch Defaults
// =============================================================================

const (
	// DefaultFetchMaxAttempts is the total number of download attempts,
	// including the first one.
	// Override via config: fetch.max_attempts
	DefaultFetchMaxAttempts = 3

	// DefaultFetchBaseDelay is the backoff before the second attempt.
	// Each further retry doubles it (1s, 2s, 4s, ...).
	// Override via config: fetch.base_delay
	DefaultFetchBaseDelay = 1 * time.Second

	// DefaultFetchMaxDelay caps a single backoff.
	// Override via config: fetch.max_delay
	DefaultFetchMaxDelay = 30 * time.Second

	// DefaultFetchAttemptTimeout bounds one download attempt.
	// Artifacts are tens to hundreds of MB, so this is generous.
	// Override via config: fetch.attempt_timeout
	DefaultFetchAttemptTimeout = 5 * time.Minute

	// DefaultFetchConcurrency limits parallel downloads during warmup.
	// Override via config: fetch.concurrency
	DefaultFetchConcurrency = 2

	// DefaultFetchChecksumRetries is how many extra fetch+verify rounds are
	// made after a checksum mismatch before giving up.
	DefaultFetchChecksumRetries = 1
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultMinSamplePoints is the lowest accepted max_points for sampling.
	// Override via config: query.min_sample_points
	DefaultMinSamplePoints = 100

	// DefaultMaxSamplePoints is the highest accepted max_points for sampling.
	// Override via config: query.max_sample_points
	DefaultMaxSamplePoints = 100000

	// DefaultSamplePoints is used when a caller asks for sampling without a size.
	DefaultSamplePoints = 10000

	// DefaultHotspotPercentile selects the top 20% of valid cells.
	// Override via config: query.default_percentile
	DefaultHotspotPercentile = 80.0

	// DefaultMaxRingRadius is how many cells away from the nearest grid point
	// a lookup searches for a valid value.
	// Override via config: query.max_ring_radius
	DefaultMaxRingRadius = 3

	// DefaultMaxCells caps threshold cell extraction (GeoJSON features).
	// Override via config: query.max_cells
	DefaultMaxCells = 50000

	// DefaultCellFeatures is the default number of cells returned.
	DefaultCellFeatures = 1000

	// DefaultStatsAccuracy is the DDSketch relative accuracy for grid quantiles.
	// Override via config: query.stats_accuracy
	DefaultStatsAccuracy = 0.01
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveCompression is the Parquet codec for hotspot exports.
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)
