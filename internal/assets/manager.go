// Package assets resolves logical dataset names to verified local files.
//
// A dataset file lives at <root>/<filename>. Resolve returns that path once
// the file exists and passes verification, fetching it from the remote
// release store when it is missing or corrupt. Concurrent Resolve calls for
// one dataset share a single fetch; unrelated datasets never wait on each
// other.
package assets

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/oceangrid/config"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/integrity"
	"github.com/xtxerr/oceangrid/internal/logging"
	isync "github.com/xtxerr/oceangrid/internal/sync"
)

var log = logging.Component("assets")

// Dataset is the acquisition side of a dataset definition.
type Dataset struct {
	Name     string
	Filename string

	// URL overrides the release-store location.
	URL string

	// Remote is false for files that are provisioned locally only.
	Remote bool

	// Checksum is the expected SHA-256 hex digest. Empty disables content
	// verification.
	Checksum string

	// SizeBytes is the expected file size. Zero means unknown.
	SizeBytes int64
}

// Fetcher downloads a URL to a local path atomically.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) error
}

// Options configures a Manager.
type Options struct {
	Root       string
	BaseURL    string
	ReleaseTag string

	// ChecksumRetries is how many extra fetch+verify rounds a checksum
	// mismatch earns.
	ChecksumRetries int
}

// Entry is the cache state of one dataset file.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Verified  bool      `json:"verified"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Size      int64     `json:"size"`
}

// Manager owns the local cache directory.
type Manager struct {
	opts     Options
	fetcher  Fetcher
	datasets map[string]Dataset

	rootOnce isync.ResettableOnce
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry

	stats Stats
}

// NewManager creates a Manager. A negative ChecksumRetries means none.
func NewManager(opts Options, fetcher Fetcher, datasets []Dataset) *Manager {
	if opts.Root == "" {
		opts.Root = config.DefaultCacheDir
	}
	if opts.ChecksumRetries < 0 {
		opts.ChecksumRetries = 0
	}
	m := make(map[string]Dataset, len(datasets))
	for _, d := range datasets {
		m[d.Name] = d
		if d.Remote && !integrity.Configured(d.Checksum) {
			log.Warn("dataset has no checksum, content will not be verified", "dataset", d.Name)
		}
	}
	return &Manager{
		opts:     opts,
		fetcher:  fetcher,
		datasets: m,
		entries:  make(map[string]*Entry),
	}
}

// Root returns the cache directory.
func (m *Manager) Root() string {
	return m.opts.Root
}

// Dataset returns the definition of name.
func (m *Manager) Dataset(name string) (Dataset, bool) {
	d, ok := m.datasets[name]
	return d, ok
}

// Path returns where name is cached, whether or not the file exists.
func (m *Manager) Path(name string) (string, error) {
	d, ok := m.datasets[name]
	if !ok {
		return "", errors.NewUnknownDataset(name)
	}
	return filepath.Join(m.opts.Root, d.Filename), nil
}

// Resolve returns the local path of a verified copy of name.
//
// A caller whose ctx ends gets a FetchFailed CacheError wrapping ctx.Err();
// the resolution itself continues and populates the cache.
func (m *Manager) Resolve(ctx context.Context, name string) (string, error) {
	d, ok := m.datasets[name]
	if !ok {
		return "", errors.NewUnknownDataset(name)
	}

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(name, func() (interface{}, error) {
		return m.resolve(detached, d)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", &errors.CacheError{Kind: errors.KindFetchFailed, Dataset: name, Err: ctx.Err()}
	}
}

// resolve runs under the dataset's single-flight key.
func (m *Manager) resolve(ctx context.Context, d Dataset) (string, error) {
	l := logging.WithContext(logging.ContextWithDataset(ctx, d.Name))

	if err := m.rootOnce.DoWithError(func() error {
		return os.MkdirAll(m.opts.Root, config.DefaultCacheDirMode)
	}); err != nil {
		m.stats.Errors.Add(1)
		return "", &errors.CacheError{Kind: errors.KindDiskWriteFailed, Dataset: d.Name, Err: err}
	}

	path := filepath.Join(m.opts.Root, d.Filename)

	if _, err := os.Stat(path); err == nil {
		ok, verr := m.verify(path, d)
		if ok {
			m.stats.Hits.Add(1)
			m.record(d.Name, path, true, false)
			return path, nil
		}
		m.stats.VerifyFailures.Add(1)
		m.record(d.Name, path, false, false)
		l.Warn("cached file failed verification, refetching", "path", path, "error", verr)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.stats.Errors.Add(1)
			return "", &errors.CacheError{Kind: errors.KindDiskWriteFailed, Dataset: d.Name, Err: err}
		}
	}
	m.stats.Misses.Add(1)

	if !d.Remote {
		m.stats.Errors.Add(1)
		return "", &errors.CacheError{Kind: errors.KindFetchFailed, Dataset: d.Name, Err: errors.ErrNotRemote}
	}

	src, err := m.sourceURL(d)
	if err != nil {
		m.stats.Errors.Add(1)
		return "", &errors.CacheError{Kind: errors.KindFetchFailed, Dataset: d.Name, Err: err}
	}

	for round := 0; round <= m.opts.ChecksumRetries; round++ {
		m.stats.Fetches.Add(1)
		if err := m.fetcher.Fetch(ctx, src, path); err != nil {
			m.stats.Errors.Add(1)
			kind := errors.KindFetchFailed
			if errors.Is(err, errors.ErrDiskWrite) {
				kind = errors.KindDiskWriteFailed
			}
			return "", &errors.CacheError{Kind: kind, Dataset: d.Name, Err: err}
		}

		ok, verr := m.verify(path, d)
		if ok {
			m.record(d.Name, path, true, true)
			l.Info("dataset cached", "path", path, "round", round+1)
			return path, nil
		}
		m.stats.VerifyFailures.Add(1)
		l.Warn("downloaded file failed verification", "path", path, "round", round+1, "error", verr)
		_ = os.Remove(path)
		m.record(d.Name, path, false, false)
	}

	m.stats.Errors.Add(1)
	return "", &errors.CacheError{
		Kind:    errors.KindChecksumMismatch,
		Dataset: d.Name,
		Err:     fmt.Errorf("checksum mismatch after %d fetch(es)", m.opts.ChecksumRetries+1),
	}
}

// verify checks the size first, then the content hash. A read failure is
// reported as not verified with the cause.
func (m *Manager) verify(path string, d Dataset) (bool, error) {
	if d.SizeBytes > 0 {
		fi, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if fi.Size() != d.SizeBytes {
			return false, fmt.Errorf("size %d, expected %d", fi.Size(), d.SizeBytes)
		}
	}
	ok, err := integrity.Verify(path, d.Checksum)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("sha256 does not match %s", integrity.Normalize(d.Checksum))
	}
	return true, nil
}

func (m *Manager) sourceURL(d Dataset) (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if m.opts.BaseURL == "" {
		return "", fmt.Errorf("no url for %s and no remote base_url configured", d.Name)
	}
	if m.opts.ReleaseTag == "" {
		return url.JoinPath(m.opts.BaseURL, d.Filename)
	}
	return url.JoinPath(m.opts.BaseURL, m.opts.ReleaseTag, d.Filename)
}

func (m *Manager) record(name, path string, verified, fetched bool) {
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &Entry{Name: name, Path: path}
		m.entries[name] = e
	}
	e.Verified = verified
	e.Size = size
	if fetched {
		e.FetchedAt = time.Now()
	}
}

// Entries returns a snapshot of every dataset seen so far, sorted by name.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entry returns the cache state of name.
func (m *Manager) Entry(name string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}
