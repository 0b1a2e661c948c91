package grid

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/logging"
	isync "github.com/xtxerr/oceangrid/internal/sync"
)

var log = logging.Component("grid")

// Resolver materializes a dataset as a verified local file.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// State is the load state of one dataset.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateFailed   State = "failed"
)

// Store decodes each dataset at most once and keeps the result for the
// lifetime of the process.
type Store struct {
	resolver Resolver
	open     Opener
	descs    map[string]Descriptor

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	grid isync.Lazy[*Grid]

	// failed is the sticky format error, nil until one occurs.
	mu     sync.Mutex
	failed error
}

func (e *entry) stickyErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// NewStore creates a store over descs. A nil open means OpenNetCDF.
func NewStore(resolver Resolver, descs []Descriptor, open Opener) *Store {
	if open == nil {
		open = OpenNetCDF
	}
	m := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		m[d.Name] = d
	}
	return &Store{
		resolver: resolver,
		open:     open,
		descs:    m,
		entries:  make(map[string]*entry),
	}
}

// Names returns the configured dataset names, sorted.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.descs))
	for n := range s.descs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns the descriptor for name.
func (s *Store) Descriptor(name string) (Descriptor, bool) {
	d, ok := s.descs[name]
	return d, ok
}

// Load returns the grid for name, decoding it on first use.
//
// Concurrent first callers share one decode. A caller whose ctx ends stops
// waiting; the decode continues and its result is kept. UnreadableFormat
// and NoVariableDetected are remembered and returned without re-reading.
// CacheUnavailable is not remembered.
func (s *Store) Load(ctx context.Context, name string) (*Grid, error) {
	desc, ok := s.descs[name]
	if !ok {
		return nil, errors.NewUnknownDataset(name)
	}
	e := s.entry(name)
	if err := e.stickyErr(); err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	g, err := e.grid.Do(ctx, func() (*Grid, error) {
		return s.build(detached, desc, e)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, &errors.LoadError{
				Kind:    errors.KindCacheUnavailable,
				Dataset: name,
				Reason:  "gave up waiting",
				Err:     &errors.CacheError{Kind: errors.KindFetchFailed, Dataset: name, Err: err},
			}
		}
		return nil, err
	}
	return g, nil
}

func (s *Store) build(ctx context.Context, desc Descriptor, e *entry) (*Grid, error) {
	ctx = logging.ContextWithDataset(ctx, desc.Name)
	l := logging.WithContext(ctx)
	started := time.Now()

	path, err := s.resolver.Resolve(ctx, desc.Name)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownDataset) {
			return nil, err
		}
		return nil, &errors.LoadError{Kind: errors.KindCacheUnavailable, Dataset: desc.Name, Err: err}
	}

	g, err := s.decode(path, desc)
	if err != nil {
		if errors.IsTerminalLoad(err) {
			e.mu.Lock()
			e.failed = err
			e.mu.Unlock()
		}
		l.Error("grid decode failed", "path", path, "error", err)
		return nil, err
	}

	nlat, nlon := g.Shape()
	l.Info("grid loaded",
		"variable", g.Variable,
		"lat", nlat,
		"lon", nlon,
		"valid", g.Stats.CountValid,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return g, nil
}

func (s *Store) decode(path string, desc Descriptor) (*Grid, error) {
	src, err := s.open(path)
	if err != nil {
		return nil, unreadable(desc.Name, "open "+path, err)
	}
	defer src.Close()
	return Decode(src, desc)
}

func (s *Store) entry(name string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &entry{}
		s.entries[name] = e
	}
	return e
}

func (s *Store) lookup(name string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[name]
}

// Loaded reports whether name has been decoded.
func (s *Store) Loaded(name string) bool {
	return s.State(name) == StateLoaded
}

// State returns the load state of name.
func (s *Store) State(name string) State {
	e := s.lookup(name)
	switch {
	case e == nil:
		return StateUnloaded
	case e.grid.Done():
		return StateLoaded
	case e.stickyErr() != nil:
		return StateFailed
	case e.grid.Pending():
		return StateLoading
	default:
		return StateUnloaded
	}
}
