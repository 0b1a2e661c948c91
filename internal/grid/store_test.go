package grid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/oceangrid/internal/errors"
	gridtest "github.com/xtxerr/oceangrid/internal/testing"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	errs  []error
	path  string
	gate  chan struct{}
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) (string, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return r.path, nil
}

func (r *fakeResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func smallSource() *memSource {
	return newMemSource().
		add("lat", []string{"lat"}, []float32{0, 1}, nil).
		add("lon", []string{"lon"}, []float32{0, 1, 2}, nil).
		add("H", []string{"lat", "lon"}, [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}, nil)
}

func countingOpener(opens *atomic.Int32, src func() Source) Opener {
	return func(string) (Source, error) {
		opens.Add(1)
		return src(), nil
	}
}

func TestStore_LoadOnce(t *testing.T) {
	res := &fakeResolver{path: "/cache/h.nc"}
	var opens atomic.Int32
	s := NewStore(res, []Descriptor{{Name: "h"}}, countingOpener(&opens, func() Source { return smallSource() }))

	g1, err := s.Load(context.Background(), "h")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g2, err := s.Load(context.Background(), "h")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if g1 != g2 {
		t.Error("second Load must return the cached grid")
	}
	if opens.Load() != 1 || res.count() != 1 {
		t.Errorf("opens = %d, resolves = %d, want 1/1", opens.Load(), res.count())
	}
	if !s.Loaded("h") || s.State("h") != StateLoaded {
		t.Errorf("state = %s, want loaded", s.State("h"))
	}
}

func TestStore_ConcurrentFirstLoad(t *testing.T) {
	res := &fakeResolver{path: "/cache/h.nc", gate: make(chan struct{})}
	var opens atomic.Int32
	s := NewStore(res, []Descriptor{{Name: "h"}}, countingOpener(&opens, func() Source { return smallSource() }))

	gt := gridtest.NewGoroutineTest(t)
	grids := make([]*Grid, 16)
	for i := range grids {
		i := i
		gt.Go(func() error {
			g, err := s.Load(context.Background(), "h")
			grids[i] = g
			return err
		})
	}

	if err := gridtest.Eventually(time.Second, time.Millisecond, func() bool {
		return s.State("h") == StateLoading
	}); err != nil {
		t.Fatalf("load never started: %v", err)
	}
	close(res.gate)
	gt.Wait()

	if opens.Load() != 1 || res.count() != 1 {
		t.Errorf("opens = %d, resolves = %d, want a single decode", opens.Load(), res.count())
	}
	for i, g := range grids {
		if g != grids[0] {
			t.Errorf("caller %d got a different grid", i)
		}
	}
}

func TestStore_FormatErrorIsSticky(t *testing.T) {
	res := &fakeResolver{path: "/cache/bad.nc"}
	var opens atomic.Int32
	open := func(string) (Source, error) {
		opens.Add(1)
		return nil, fmt.Errorf("not a netcdf file")
	}
	s := NewStore(res, []Descriptor{{Name: "bad"}}, open)

	for i := 0; i < 3; i++ {
		_, err := s.Load(context.Background(), "bad")
		if errors.KindOf(err) != errors.KindUnreadableFormat {
			t.Fatalf("attempt %d: kind = %s, want UnreadableFormat", i, errors.KindOf(err))
		}
	}
	if opens.Load() != 1 {
		t.Errorf("opens = %d, format errors must not re-read", opens.Load())
	}
	if s.State("bad") != StateFailed {
		t.Errorf("state = %s, want failed", s.State("bad"))
	}
}

func TestStore_CacheUnavailableIsNotSticky(t *testing.T) {
	cacheErr := &errors.CacheError{Kind: errors.KindFetchFailed, Dataset: "h", Err: fmt.Errorf("offline")}
	res := &fakeResolver{path: "/cache/h.nc", errs: []error{cacheErr}}
	var opens atomic.Int32
	s := NewStore(res, []Descriptor{{Name: "h"}}, countingOpener(&opens, func() Source { return smallSource() }))

	_, err := s.Load(context.Background(), "h")
	if errors.KindOf(err) != errors.KindCacheUnavailable {
		t.Fatalf("kind = %s, want CacheUnavailable", errors.KindOf(err))
	}
	if !errors.IsTemporary(err) {
		t.Error("CacheUnavailable must be temporary")
	}

	if _, err := s.Load(context.Background(), "h"); err != nil {
		t.Fatalf("retry after cache recovery: %v", err)
	}
	if res.count() != 2 {
		t.Errorf("resolves = %d, want 2", res.count())
	}
}

func TestStore_UnknownDataset(t *testing.T) {
	s := NewStore(&fakeResolver{}, nil, nil)
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, errors.ErrUnknownDataset) {
		t.Errorf("err = %v, want ErrUnknownDataset", err)
	}
	if s.State("nope") != StateUnloaded {
		t.Errorf("state = %s", s.State("nope"))
	}
}

func TestStore_WaitHonorsContext(t *testing.T) {
	res := &fakeResolver{path: "/cache/h.nc", gate: make(chan struct{})}
	var opens atomic.Int32
	s := NewStore(res, []Descriptor{{Name: "h"}}, countingOpener(&opens, func() Source { return smallSource() }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Load(ctx, "h")
	if !errors.IsTemporary(err) {
		t.Fatalf("abandoned wait must be temporary, got %v", err)
	}

	close(res.gate)
	if err := gridtest.Eventually(time.Second, time.Millisecond, func() bool { return s.Loaded("h") }); err != nil {
		t.Fatal("decode must finish after the caller gave up")
	}
	if _, err := s.Load(context.Background(), "h"); err != nil {
		t.Fatal(err)
	}
	if opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", opens.Load())
	}
}

func TestStore_NamesAndDescriptor(t *testing.T) {
	s := NewStore(&fakeResolver{}, []Descriptor{{Name: "b"}, {Name: "a", Units: "m"}}, nil)
	if got := s.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names() = %v", got)
	}
	if d, ok := s.Descriptor("a"); !ok || d.Units != "m" {
		t.Errorf("Descriptor(a) = %+v, %v", d, ok)
	}
}
