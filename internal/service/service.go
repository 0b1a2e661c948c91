// Package service ties the asset cache, the grid store and the query engine
// together behind the operations exposed to callers.
//
// A Service is constructed once per process (or per test) and passed as a
// dependency; it holds no package-level state.
package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/oceangrid/config"
	"github.com/xtxerr/oceangrid/internal/archive"
	"github.com/xtxerr/oceangrid/internal/assets"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/integrity"
	"github.com/xtxerr/oceangrid/internal/logging"
	"github.com/xtxerr/oceangrid/internal/query"
)

var log = logging.Component("service")

// Options configures a Service.
type Options struct {
	Limits  query.Limits
	Archive archive.Options

	// Warm lists datasets loaded by Warmup.
	Warm []string

	// WarmConcurrency bounds parallel loads during Warmup.
	WarmConcurrency int
}

// Service is the query facade.
type Service struct {
	assets *assets.Manager
	store  *grid.Store
	engine *query.Engine

	archive         archive.Options
	warm            []string
	warmConcurrency int

	// Full hotspot results per layer at the default percentile. Grids never
	// change once loaded, so entries never go stale.
	hotspotGroup singleflight.Group
	hotspots     sync.Map

	startTime time.Time
}

// New creates a Service over an asset manager and a grid store that
// resolves through it.
func New(mgr *assets.Manager, store *grid.Store, opts Options) *Service {
	if opts.WarmConcurrency <= 0 {
		opts.WarmConcurrency = config.DefaultFetchConcurrency
	}
	return &Service{
		assets:          mgr,
		store:           store,
		engine:          query.New(opts.Limits),
		archive:         opts.Archive,
		warm:            opts.Warm,
		warmConcurrency: opts.WarmConcurrency,
		startTime:       time.Now(),
	}
}

// Engine returns the query engine.
func (s *Service) Engine() *query.Engine {
	return s.engine
}

// =============================================================================
// Layers
// =============================================================================

// Layer describes one configured dataset and its cache state.
type Layer struct {
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Variable           string     `json:"variable,omitempty"`
	Units              string     `json:"units,omitempty"`
	Filename           string     `json:"filename"`
	Remote             bool       `json:"remote"`
	VerifiedByChecksum bool       `json:"verified_by_checksum"`
	Cached             bool       `json:"cached"`
	Verified           bool       `json:"verified"`
	SizeBytes          int64      `json:"size_bytes,omitempty"`
	State              grid.State `json:"state"`
}

// Layers lists every configured dataset sorted by name.
func (s *Service) Layers() []Layer {
	names := s.store.Names()
	sort.Strings(names)

	out := make([]Layer, 0, len(names))
	for _, name := range names {
		desc, _ := s.store.Descriptor(name)
		ds, _ := s.assets.Dataset(name)
		l := Layer{
			Name:               name,
			Description:        desc.Description,
			Variable:           desc.Variable,
			Units:              desc.Units,
			Filename:           ds.Filename,
			Remote:             ds.Remote,
			VerifiedByChecksum: integrity.Configured(ds.Checksum),
			SizeBytes:          ds.SizeBytes,
			State:              s.store.State(name),
		}
		if e, ok := s.assets.Entry(name); ok {
			l.Cached = true
			l.Verified = e.Verified
			l.SizeBytes = e.Size
		}
		out = append(out, l)
	}
	return out
}

// =============================================================================
// Acquisition
// =============================================================================

// Resolve returns the local path of a verified copy of name.
func (s *Service) Resolve(ctx context.Context, name string) (string, error) {
	return s.assets.Resolve(ctx, name)
}

// Load returns the decoded grid of name.
func (s *Service) Load(ctx context.Context, name string) (*grid.Grid, error) {
	return s.store.Load(ctx, name)
}

// Warmup loads every dataset in the warm list, a few at a time. Failures are
// logged and returned joined; they never stop the other loads.
func (s *Service) Warmup(ctx context.Context) error {
	if len(s.warm) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmConcurrency)
	for _, name := range s.warm {
		g.Go(func() error {
			start := time.Now()
			if _, err := s.store.Load(gctx, name); err != nil {
				log.Warn("warmup failed", "dataset", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return nil
			}
			log.Info("warmup loaded", "dataset", name, "duration", time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// =============================================================================
// Queries
// =============================================================================

// Predict returns the value at the grid point nearest to (lat, lon).
func (s *Service) Predict(ctx context.Context, name string, lat, lon float64, opts query.PredictOptions) (query.Prediction, error) {
	g, err := s.store.Load(ctx, name)
	if err != nil {
		return query.Prediction{}, err
	}
	return s.engine.Predict(g, lat, lon, opts)
}

// Sample returns name downsampled to at most maxPoints cells, and the stride
// used.
func (s *Service) Sample(ctx context.Context, name string, maxPoints int) (*grid.Grid, int, error) {
	g, err := s.store.Load(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	return s.engine.Sample(g, maxPoints)
}

// Hotspots returns the cells of name at or above percentile. The full
// ranking at the engine's default percentile is computed once per layer and
// shared; Limit only trims the returned copy. Other percentiles are
// computed per call.
func (s *Service) Hotspots(ctx context.Context, name string, percentile float64, opts query.HotspotOptions) (query.HotspotResult, error) {
	if opts.Limit < 0 {
		return query.HotspotResult{}, errors.NewInvalidParameter("limit", "must not be negative, got %d", opts.Limit)
	}
	g, err := s.store.Load(ctx, name)
	if err != nil {
		return query.HotspotResult{}, err
	}
	if percentile != s.engine.Limits().DefaultPercentile {
		return s.engine.Hotspots(g, percentile, opts)
	}

	v, ok := s.hotspots.Load(name)
	if !ok {
		v, err, _ = s.hotspotGroup.Do(name, func() (interface{}, error) {
			if v, ok := s.hotspots.Load(name); ok {
				return v, nil
			}
			res, err := s.engine.Hotspots(g, percentile, query.HotspotOptions{})
			if err != nil {
				return nil, err
			}
			s.hotspots.Store(name, res)
			return res, nil
		})
		if err != nil {
			return query.HotspotResult{}, err
		}
	}

	full := v.(query.HotspotResult)
	res := full
	n := len(full.Hotspots)
	if opts.Limit > 0 && n > opts.Limit {
		n = opts.Limit
	}
	res.Hotspots = make([]query.Hotspot, n)
	copy(res.Hotspots, full.Hotspots)
	return res, nil
}

// Cells returns the cells of name strictly above threshold.
func (s *Service) Cells(ctx context.Context, name string, threshold float64, maxFeatures int) (query.CellSet, error) {
	g, err := s.store.Load(ctx, name)
	if err != nil {
		return query.CellSet{}, err
	}
	return s.engine.Cells(g, threshold, maxFeatures)
}

// Summary returns the axis extents and statistics of name.
func (s *Service) Summary(ctx context.Context, name string) (query.Summary, error) {
	g, err := s.store.Load(ctx, name)
	if err != nil {
		return query.Summary{}, err
	}
	return s.engine.Summary(g), nil
}

// =============================================================================
// Export
// =============================================================================

// Export describes a written hotspot archive.
type Export struct {
	Path       string  `json:"path"`
	Layer      string  `json:"layer"`
	Percentile float64 `json:"percentile"`
	Threshold  float64 `json:"threshold"`
	Rows       int     `json:"rows"`
}

// ExportHotspots writes the full hotspot ranking of name at percentile to
// <archive dir>/<name>_p<percentile>.parquet. Only whole percentiles are
// exported, so a layer has at most 101 archive files.
func (s *Service) ExportHotspots(ctx context.Context, name string, percentile float64) (Export, error) {
	if s.archive.Dir == "" {
		return Export{}, fmt.Errorf("%w: archive.dir is not set", errors.ErrInvalidConfig)
	}
	if percentile != math.Trunc(percentile) {
		return Export{}, errors.NewInvalidParameter("percentile", "export needs a whole percentile, got %v", percentile)
	}
	res, err := s.Hotspots(ctx, name, percentile, query.HotspotOptions{})
	if err != nil {
		return Export{}, err
	}

	now := time.Now().UnixMilli()
	rows := make([]archive.HotspotRow, len(res.Hotspots))
	for i, h := range res.Hotspots {
		rows[i] = archive.HotspotRow{
			Layer:        name,
			Percentile:   res.Percentile,
			Threshold:    res.Threshold,
			Rank:         int32(h.Rank),
			Lat:          h.Lat,
			Lon:          h.Lon,
			Value:        h.Value,
			ExportedAtMs: now,
		}
	}

	path := s.archive.Path(name, percentile)
	if err := archive.WriteHotspots(path, rows, s.archive); err != nil {
		return Export{}, errors.Wrapf(err, "export %s", name)
	}
	logging.WithContext(logging.ContextWithDataset(ctx, name)).Info("hotspots exported",
		"path", path, "rows", len(rows), "percentile", percentile)

	return Export{
		Path:       path,
		Layer:      name,
		Percentile: res.Percentile,
		Threshold:  res.Threshold,
		Rows:       len(rows),
	}, nil
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view of the service.
type Status struct {
	Uptime  time.Duration        `json:"uptime"`
	Layers  int                  `json:"layers"`
	Loaded  int                  `json:"loaded"`
	Cache   assets.StatsSnapshot `json:"cache"`
	Entries []assets.Entry       `json:"entries"`
}

// Status reports uptime, load counts and cache counters.
func (s *Service) Status() Status {
	names := s.store.Names()
	loaded := 0
	for _, n := range names {
		if s.store.Loaded(n) {
			loaded++
		}
	}
	return Status{
		Uptime:  time.Since(s.startTime),
		Layers:  len(names),
		Loaded:  loaded,
		Cache:   s.assets.Stats(),
		Entries: s.assets.Entries(),
	}
}
