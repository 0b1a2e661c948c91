// Package loader handles configuration file loading, validation, and
// conversion into the subsystem options.
//
// This package is responsible for:
//   - Loading YAML configuration files (JSON is accepted as YAML)
//   - Expanding environment variables
//   - Processing include directives
//   - Validating the result
//   - Converting sections into fetch, assets, grid, query and archive options

package loader

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/oceangrid/internal/archive"
	"github.com/xtxerr/oceangrid/internal/assets"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/fetch"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/integrity"
	"github.com/xtxerr/oceangrid/internal/logging"
	"github.com/xtxerr/oceangrid/internal/query"
	"github.com/xtxerr/oceangrid/internal/server"
	"github.com/xtxerr/oceangrid/internal/service"
	"github.com/xtxerr/oceangrid/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Process includes (load additional dataset files)
	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse parses configuration bytes on top of DefaultConfig. Includes are
// not processed.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Datasets == nil {
		cfg.Datasets = make(map[string]*DatasetConfig)
	}
	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and merges its datasets into the
// config. Later definitions replace earlier ones.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var partial Config
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for name, ds := range partial.Datasets {
		cfg.Datasets[name] = ds
	}

	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server
	if cfg.Server.Listen == "" {
		errs.AddField("server.listen", "cannot be empty")
	}
	if cfg.Server.RequestTimeout < 0 {
		errs.AddField("server.request_timeout", "cannot be negative")
	}

	// Cache
	if cfg.Cache.Dir == "" {
		errs.AddField("cache.dir", "cannot be empty")
	}

	// Fetch
	if cfg.Fetch.MaxAttempts < 1 {
		errs.AddField("fetch.max_attempts", "must be at least 1")
	}
	if cfg.Fetch.BaseDelay < 0 {
		errs.AddField("fetch.base_delay", "cannot be negative")
	}
	if cfg.Fetch.Multiplier < 1 {
		errs.AddField("fetch.multiplier", "must be at least 1")
	}
	if cfg.Fetch.Concurrency < 1 {
		errs.AddField("fetch.concurrency", "must be at least 1")
	}
	if cfg.Fetch.ChecksumRetries < 0 {
		errs.AddField("fetch.checksum_retries", "cannot be negative")
	}

	// Query
	q := cfg.Query
	if q.MinSamplePoints < 1 {
		errs.AddField("query.min_sample_points", "must be at least 1")
	}
	if q.MaxSamplePoints < q.MinSamplePoints {
		errs.AddField("query.max_sample_points", "must not be below min_sample_points")
	}
	if q.DefaultSamplePoints < q.MinSamplePoints || q.DefaultSamplePoints > q.MaxSamplePoints {
		errs.AddField("query.default_sample_points", "must be within [min_sample_points, max_sample_points]")
	}
	if q.DefaultPercentile < 0 || q.DefaultPercentile > 100 {
		errs.AddField("query.default_percentile", "must be in [0, 100]")
	}
	if q.MaxRingRadius < 0 {
		errs.AddField("query.max_ring_radius", "cannot be negative")
	}
	if q.MaxCells < 1 {
		errs.AddField("query.max_cells", "must be at least 1")
	}
	if q.DefaultCells < 1 || q.DefaultCells > q.MaxCells {
		errs.AddField("query.default_cells", "must be within [1, max_cells]")
	}

	// Archive
	if !archive.ValidCompression(cfg.Archive.Compression) {
		errs.AddField("archive.compression", fmt.Sprintf("unknown codec %q", cfg.Archive.Compression))
	}

	// Logging
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	// Datasets
	if len(cfg.Datasets) == 0 {
		errs.AddField("datasets", "at least one dataset is required")
	}
	owners := make(map[string]string)
	for _, name := range sortedNames(cfg.Datasets) {
		ds := cfg.Datasets[name]
		validateDataset(errs, cfg, name, ds)
		if ds == nil || ds.Filename == "" {
			continue
		}
		// One cache file per dataset: the file is resolved and verified
		// under its dataset's name.
		if other, ok := owners[ds.Filename]; ok {
			errs.AddField(fmt.Sprintf("datasets.%s.filename", name),
				fmt.Sprintf("%q is already used by dataset %q", ds.Filename, other))
			continue
		}
		owners[ds.Filename] = name
	}
	if l := cfg.Server.DefaultLayer; l != "" {
		if _, ok := cfg.Datasets[l]; !ok {
			errs.AddField("server.default_layer", fmt.Sprintf("unknown dataset %q", l))
		}
	}

	return errs.Err()
}

func validateDataset(errs *errors.ValidationErrors, cfg *Config, name string, ds *DatasetConfig) {
	field := func(f string) string { return fmt.Sprintf("datasets.%s.%s", name, f) }

	if ds == nil {
		errs.AddField("datasets."+name, "cannot be empty")
		return
	}
	if err := validation.ValidateDatasetName(name); err != nil {
		errs.AddField("datasets."+name, err.Error())
	}

	if ds.Filename == "" {
		errs.AddMissing(field("filename"))
	} else if err := validation.ValidateFilename(ds.Filename); err != nil {
		errs.AddField(field("filename"), err.Error())
	}

	if ds.IsRemote() && ds.URL == "" && cfg.Remote.BaseURL == "" {
		errs.AddField(field("url"), "remote dataset needs url or remote.base_url")
	}

	if integrity.Configured(ds.Checksum) {
		sum := integrity.Normalize(ds.Checksum)
		if _, err := hex.DecodeString(sum); err != nil || len(sum) != 64 {
			errs.AddField(field("checksum"), "must be a 64-character SHA-256 hex digest")
		}
	}
	if ds.SizeBytes < 0 {
		errs.AddField(field("size_bytes"), "cannot be negative")
	}

	if b := ds.Bounds; b != nil {
		if !(b.LatMin < b.LatMax) {
			errs.AddField(field("bounds"), "lat_min must be below lat_max")
		}
		if !(b.LonMin < b.LonMax) {
			errs.AddField(field("bounds"), "lon_min must be below lon_max")
		}
	}

	if c := ds.Classes; c != nil {
		cl := grid.Classifier{Thresholds: c.Thresholds, Labels: c.Labels}
		if err := cl.Validate(); err != nil {
			errs.AddField(field("classes"), err.Error())
		}
	}
}

// =============================================================================
// Conversion
// =============================================================================

// ToFetchPolicy converts the fetch section into a retry policy.
func ToFetchPolicy(cfg *Config) fetch.Policy {
	return fetch.Policy{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay.Duration(),
		Multiplier:  cfg.Fetch.Multiplier,
		MaxDelay:    cfg.Fetch.MaxDelay.Duration(),
	}
}

// ToFetchOptions converts the fetch section into fetcher options.
func ToFetchOptions(cfg *Config) fetch.Options {
	return fetch.Options{
		Policy:         ToFetchPolicy(cfg),
		AttemptTimeout: cfg.Fetch.AttemptTimeout.Duration(),
		MaxConns:       cfg.Fetch.Concurrency,
	}
}

// ToAssetOptions converts the cache and remote sections.
func ToAssetOptions(cfg *Config) assets.Options {
	return assets.Options{
		Root:            cfg.Cache.Dir,
		BaseURL:         cfg.Remote.BaseURL,
		ReleaseTag:      cfg.Remote.ReleaseTag,
		ChecksumRetries: cfg.Fetch.ChecksumRetries,
	}
}

// ToDatasets converts dataset definitions for the asset manager, sorted by
// name.
func ToDatasets(cfg *Config) []assets.Dataset {
	out := make([]assets.Dataset, 0, len(cfg.Datasets))
	for _, name := range sortedNames(cfg.Datasets) {
		ds := cfg.Datasets[name]
		out = append(out, assets.Dataset{
			Name:      name,
			Filename:  ds.Filename,
			URL:       ds.URL,
			Remote:    ds.IsRemote(),
			Checksum:  ds.Checksum,
			SizeBytes: ds.SizeBytes.Bytes(),
		})
	}
	return out
}

// ToDescriptors converts dataset definitions for the grid store, sorted by
// name.
func ToDescriptors(cfg *Config) []grid.Descriptor {
	out := make([]grid.Descriptor, 0, len(cfg.Datasets))
	for _, name := range sortedNames(cfg.Datasets) {
		ds := cfg.Datasets[name]
		d := grid.Descriptor{
			Name:        name,
			Variable:    ds.Variable,
			Axes:        grid.Axes{Lat: ds.Lat, Lon: ds.Lon},
			Units:       ds.Units,
			Description: ds.Description,
		}
		if b := ds.Bounds; b != nil {
			d.Bounds = &grid.Bounds{LatMin: b.LatMin, LatMax: b.LatMax, LonMin: b.LonMin, LonMax: b.LonMax}
		}
		if c := ds.Classes; c != nil {
			d.Classifier = &grid.Classifier{
				Thresholds: append([]float64(nil), c.Thresholds...),
				Labels:     append([]string(nil), c.Labels...),
			}
		}
		out = append(out, d)
	}
	return out
}

// ToLimits converts the query section. A configured max_ring_radius of 0
// disables the neighbour search.
func ToLimits(cfg *Config) query.Limits {
	ring := cfg.Query.MaxRingRadius
	if ring == 0 {
		ring = -1
	}
	return query.Limits{
		MinSamplePoints:   cfg.Query.MinSamplePoints,
		MaxSamplePoints:   cfg.Query.MaxSamplePoints,
		DefaultPercentile: cfg.Query.DefaultPercentile,
		MaxRingRadius:     ring,
		MaxCells:          cfg.Query.MaxCells,
	}
}

// ToArchiveOptions converts the archive section.
func ToArchiveOptions(cfg *Config) archive.Options {
	return archive.Options{
		Dir:         cfg.Archive.Dir,
		Compression: archive.ParseCompressionType(cfg.Archive.Compression),
	}
}

// ToServerConfig converts the server section. Sample and cell defaults come
// from the query section.
func ToServerConfig(cfg *Config) server.Config {
	return server.Config{
		Listen:              cfg.Server.Listen,
		ReadTimeout:         cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:        cfg.Server.WriteTimeout.Duration(),
		RequestTimeout:      cfg.Server.RequestTimeout.Duration(),
		DrainTimeout:        cfg.Server.DrainTimeout.Duration(),
		DefaultLayer:        cfg.Server.DefaultLayer,
		DefaultSamplePoints: cfg.Query.DefaultSamplePoints,
		DefaultCells:        cfg.Query.DefaultCells,
	}
}

// ToServiceOptions converts everything the service facade needs.
func ToServiceOptions(cfg *Config) service.Options {
	return service.Options{
		Limits:          ToLimits(cfg),
		Archive:         ToArchiveOptions(cfg),
		Warm:            WarmDatasets(cfg),
		WarmConcurrency: cfg.Fetch.Concurrency,
	}
}

// WarmDatasets returns the names of datasets marked warm, sorted.
func WarmDatasets(cfg *Config) []string {
	var out []string
	for _, name := range sortedNames(cfg.Datasets) {
		if ds := cfg.Datasets[name]; ds != nil && ds.Warm {
			out = append(out, name)
		}
	}
	return out
}

// UncheckedDatasets returns the names of datasets without a checksum,
// sorted. Their content is trusted as downloaded.
func UncheckedDatasets(cfg *Config) []string {
	var out []string
	for _, name := range sortedNames(cfg.Datasets) {
		if ds := cfg.Datasets[name]; ds != nil && !integrity.Configured(ds.Checksum) {
			out = append(out, name)
		}
	}
	return out
}

func sortedNames(m map[string]*DatasetConfig) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
