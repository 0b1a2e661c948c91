// Package loader - Configuration Types
//
// Defines the YAML configuration structure for gridd.
//
//   server:    HTTP listener and timeouts
//   cache:     local artifact directory
//   remote:    release store location
//   fetch:     retry schedule and download concurrency
//   query:     parameter limits of the query engine
//   archive:   hotspot Parquet exports
//   logging:   level and format
//   datasets:  logical name → file, checksum, decoding hints

package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/oceangrid/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for gridd.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Remote  RemoteConfig  `yaml:"remote"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Query   QueryConfig   `yaml:"query"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`

	// Datasets maps logical names to their definitions.
	Datasets map[string]*DatasetConfig `yaml:"datasets"`

	// Include lists additional files whose datasets are merged in.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// =============================================================================
// Server Configuration
// =============================================================================

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	// Default: "0.0.0.0:8080"
	Listen string `yaml:"listen"`

	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// RequestTimeout bounds one request end to end, including any dataset
	// fetch it has to wait for.
	RequestTimeout Duration `yaml:"request_timeout"`

	// DrainTimeout is how long shutdown waits for in-flight requests.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// DefaultLayer answers /predict, /hotspots and /meta requests that
	// name no layer. Must be a configured dataset.
	DefaultLayer string `yaml:"default_layer"`
}

// =============================================================================
// Acquisition
// =============================================================================

// CacheConfig configures the local artifact directory.
type CacheConfig struct {
	// Dir is created on first use. It may be ephemeral.
	Dir string `yaml:"dir"`
}

// RemoteConfig locates the release store. Files are fetched from
// {base_url}/{release_tag}/{filename}.
type RemoteConfig struct {
	BaseURL    string `yaml:"base_url"`
	ReleaseTag string `yaml:"release_tag"`
}

// FetchConfig configures downloads.
type FetchConfig struct {
	// MaxAttempts is the total number of attempts per fetch.
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Multiplier float64  `yaml:"multiplier"`

	// AttemptTimeout bounds a single attempt.
	AttemptTimeout Duration `yaml:"attempt_timeout"`

	// Concurrency limits connections per host and parallel warmup loads.
	Concurrency int `yaml:"concurrency"`

	// ChecksumRetries is how many extra fetch+verify rounds a checksum
	// mismatch earns.
	ChecksumRetries int `yaml:"checksum_retries"`
}

// =============================================================================
// Query
// =============================================================================

// QueryConfig bounds query parameters.
type QueryConfig struct {
	MinSamplePoints     int     `yaml:"min_sample_points"`
	MaxSamplePoints     int     `yaml:"max_sample_points"`
	DefaultSamplePoints int     `yaml:"default_sample_points"`
	DefaultPercentile   float64 `yaml:"default_percentile"`

	// MaxRingRadius is how many cells Predict searches around a missing
	// cell. 0 disables the search.
	MaxRingRadius int `yaml:"max_ring_radius"`

	MaxCells     int `yaml:"max_cells"`
	DefaultCells int `yaml:"default_cells"`
}

// =============================================================================
// Archive & Logging
// =============================================================================

// ArchiveConfig configures hotspot exports.
type ArchiveConfig struct {
	// Dir receives <layer>_p<percentile>.parquet files. Empty disables
	// exports.
	Dir string `yaml:"dir"`

	// Compression: zstd, snappy, lz4, gzip or none.
	Compression string `yaml:"compression"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// =============================================================================
// Datasets
// =============================================================================

// DatasetConfig defines one logical dataset.
type DatasetConfig struct {
	// Filename is the file name under cache.dir and in the release store.
	Filename string `yaml:"filename"`

	// URL overrides the release store location.
	URL string `yaml:"url,omitempty"`

	// Remote is false for files provisioned locally only.
	// Default: true
	Remote *bool `yaml:"remote,omitempty"`

	// Checksum is the SHA-256 hex digest. Empty means the file is trusted
	// as downloaded.
	Checksum string `yaml:"checksum,omitempty"`

	// SizeBytes is the expected size, checked before hashing.
	SizeBytes ByteSize `yaml:"size_bytes,omitempty"`

	// Variable selects the data variable. Empty means auto-detect.
	Variable string `yaml:"variable,omitempty"`

	// Lat and Lon name the coordinate variables. Empty means probe
	// lat/latitude/y and lon/longitude/x.
	Lat string `yaml:"lat,omitempty"`
	Lon string `yaml:"lon,omitempty"`

	Units       string `yaml:"units,omitempty"`
	Description string `yaml:"description,omitempty"`

	// Bounds overrides the accepted query box.
	Bounds *BoundsConfig `yaml:"bounds,omitempty"`

	// Classes overrides the interpretation bands.
	Classes *ClassesConfig `yaml:"classes,omitempty"`

	// Warm loads the dataset at startup.
	Warm bool `yaml:"warm,omitempty"`
}

// IsRemote reports whether the dataset may be fetched.
func (d *DatasetConfig) IsRemote() bool {
	return d.Remote == nil || *d.Remote
}

// BoundsConfig is a lat/lon box.
type BoundsConfig struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

// ClassesConfig maps value bands to labels.
type ClassesConfig struct {
	Thresholds []float64 `yaml:"thresholds"`
	Labels     []string  `yaml:"labels"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         config.DefaultListenAddress,
			ReadTimeout:    Duration(config.DefaultReadTimeout),
			WriteTimeout:   Duration(config.DefaultWriteTimeout),
			RequestTimeout: Duration(config.DefaultRequestTimeout),
			DrainTimeout:   Duration(config.DefaultDrainTimeout),
		},
		Cache: CacheConfig{
			Dir: config.DefaultCacheDir,
		},
		Fetch: FetchConfig{
			MaxAttempts:     config.DefaultFetchMaxAttempts,
			BaseDelay:       Duration(config.DefaultFetchBaseDelay),
			MaxDelay:        Duration(config.DefaultFetchMaxDelay),
			Multiplier:      2,
			AttemptTimeout:  Duration(config.DefaultFetchAttemptTimeout),
			Concurrency:     config.DefaultFetchConcurrency,
			ChecksumRetries: config.DefaultFetchChecksumRetries,
		},
		Query: QueryConfig{
			MinSamplePoints:     config.DefaultMinSamplePoints,
			MaxSamplePoints:     config.DefaultMaxSamplePoints,
			DefaultSamplePoints: config.DefaultSamplePoints,
			DefaultPercentile:   config.DefaultHotspotPercentile,
			MaxRingRadius:       config.DefaultMaxRingRadius,
			MaxCells:            config.DefaultMaxCells,
			DefaultCells:        config.DefaultCellFeatures,
		},
		Archive: ArchiveConfig{
			Compression: config.DefaultArchiveCompression,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Datasets: make(map[string]*DatasetConfig),
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	// Bare numbers are seconds.
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// Longest suffix first so "MB" is not read as "B".
	units := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
