package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/fetch"
	gridtest "github.com/xtxerr/oceangrid/internal/testing"
)

var payload = []byte("CDF\x01 habitat suitability payload")

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	srv *gridtest.ArtifactServer
	mgr *Manager
	dir string
}

func newFixture(t *testing.T, retries int, datasets ...Dataset) *fixture {
	t.Helper()
	srv := gridtest.NewArtifactServer(t)
	dir := filepath.Join(t.TempDir(), "cache")
	f := fetch.New(fetch.Options{Sleep: noSleep})
	mgr := NewManager(Options{
		Root:            dir,
		BaseURL:         srv.URL(""),
		ReleaseTag:      "v1",
		ChecksumRetries: retries,
	}, f, datasets)
	return &fixture{srv: srv, mgr: mgr, dir: dir}
}

func habitat() Dataset {
	return Dataset{Name: "habitat", Filename: "habitat.nc", Remote: true, Checksum: sum(payload)}
}

func TestResolve_FetchesOnceThenHits(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	fx.srv.Put("v1/habitat.nc", payload)

	for i := 0; i < 3; i++ {
		path, err := fx.mgr.Resolve(context.Background(), "habitat")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		if want := filepath.Join(fx.dir, "habitat.nc"); path != want {
			t.Fatalf("path = %q, want %q", path, want)
		}
	}

	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 1 {
		t.Errorf("remote hits = %d, want 1", hits)
	}
	st := fx.mgr.Stats()
	if st.Fetches != 1 || st.Hits != 2 || st.Misses != 1 {
		t.Errorf("stats = %+v", st)
	}
	e, ok := fx.mgr.Entry("habitat")
	if !ok || !e.Verified || e.Size != int64(len(payload)) || e.FetchedAt.IsZero() {
		t.Errorf("entry = %+v, ok=%v", e, ok)
	}
}

func TestResolve_SelfHealsCorruptFile(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	fx.srv.Put("v1/habitat.nc", payload)

	path, err := fx.mgr.Resolve(context.Background(), "habitat")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve after corruption: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("file not restored: %q", got)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 2 {
		t.Errorf("remote hits = %d, want 2", hits)
	}
	if vf := fx.mgr.Stats().VerifyFailures; vf != 1 {
		t.Errorf("verify failures = %d, want 1", vf)
	}
}

func TestResolve_SizePrecheck(t *testing.T) {
	ds := habitat()
	ds.Checksum = ""
	ds.SizeBytes = int64(len(payload))
	fx := newFixture(t, 0, ds)
	fx.srv.Put("v1/habitat.nc", payload)

	path, err := fx.mgr.Resolve(context.Background(), "habitat")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := os.WriteFile(path, payload[:4], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 2 {
		t.Errorf("remote hits = %d, want 2", hits)
	}
}

func TestResolve_ConcurrentCallersShareOneFetch(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	fx.srv.Put("v1/habitat.nc", payload)
	release := fx.srv.Hold("v1/habitat.nc")
	defer release()

	const callers = 16
	paths := make(chan string, callers)
	gt := gridtest.NewGoroutineTest(t)
	for i := 0; i < callers; i++ {
		gt.Go(func() error {
			p, err := fx.mgr.Resolve(context.Background(), "habitat")
			if err != nil {
				return err
			}
			paths <- p
			return nil
		})
	}

	if err := gridtest.Eventually(5*time.Second, 5*time.Millisecond, func() bool {
		return fx.srv.Hits("v1/habitat.nc") == 1
	}); err != nil {
		t.Fatalf("fetch never started: %v", err)
	}
	// Give the remaining callers a chance to join the flight.
	time.Sleep(20 * time.Millisecond)
	release()
	gt.Wait()
	close(paths)

	n := 0
	for p := range paths {
		n++
		if p != filepath.Join(fx.dir, "habitat.nc") {
			t.Errorf("path = %q", p)
		}
	}
	if n != callers {
		t.Errorf("got %d paths, want %d", n, callers)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 1 {
		t.Errorf("remote hits = %d, want 1", hits)
	}
}

func TestResolve_ChecksumMismatchAfterRetry(t *testing.T) {
	ds := habitat()
	ds.Checksum = sum([]byte("something else"))
	fx := newFixture(t, 1, ds)
	fx.srv.Put("v1/habitat.nc", payload)

	_, err := fx.mgr.Resolve(context.Background(), "habitat")
	if errors.KindOf(err) != errors.KindChecksumMismatch {
		t.Fatalf("err = %v, want ChecksumMismatch", err)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 2 {
		t.Errorf("remote hits = %d, want 2", hits)
	}
	if _, err := os.Stat(filepath.Join(fx.dir, "habitat.nc")); !os.IsNotExist(err) {
		t.Errorf("mismatching file left in cache: %v", err)
	}
}

func TestResolve_MismatchThenGood(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	fx.srv.Put("v1/habitat.nc", payload)
	fx.srv.Script("v1/habitat.nc", gridtest.Response{Body: []byte("stale mirror")})

	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 2 {
		t.Errorf("remote hits = %d, want 2", hits)
	}
}

func TestResolve_LocalOnly(t *testing.T) {
	ds := habitat()
	ds.Remote = false
	fx := newFixture(t, 1, ds)
	fx.srv.Put("v1/habitat.nc", payload)

	_, err := fx.mgr.Resolve(context.Background(), "habitat")
	if errors.KindOf(err) != errors.KindFetchFailed || !errors.Is(err, errors.ErrNotRemote) {
		t.Fatalf("err = %v, want FetchFailed/ErrNotRemote", err)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 0 {
		t.Errorf("remote hits = %d, want 0", hits)
	}

	// A locally provisioned file is served without the network.
	if err := os.MkdirAll(fx.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fx.dir, "habitat.nc"), payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve local: %v", err)
	}
}

func TestResolve_ExplicitURL(t *testing.T) {
	fx := newFixture(t, 0)
	ds := habitat()
	ds.URL = fx.srv.URL("mirror/other.nc")
	fx.mgr = NewManager(Options{Root: fx.dir}, fetch.New(fetch.Options{Sleep: noSleep}), []Dataset{ds})
	fx.srv.Put("mirror/other.nc", payload)

	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits := fx.srv.Hits("mirror/other.nc"); hits != 1 {
		t.Errorf("remote hits = %d, want 1", hits)
	}
}

func TestResolve_NotFound(t *testing.T) {
	fx := newFixture(t, 1, habitat())

	_, err := fx.mgr.Resolve(context.Background(), "habitat")
	if errors.KindOf(err) != errors.KindFetchFailed {
		t.Fatalf("err = %v, want FetchFailed", err)
	}
	var fe *errors.FetchError
	if !errors.As(err, &fe) || fe.Kind != errors.KindNotFound {
		t.Errorf("cause = %v, want NotFound FetchError", err)
	}
}

func TestResolve_UnknownDataset(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	_, err := fx.mgr.Resolve(context.Background(), "kelp")
	if !errors.Is(err, errors.ErrUnknownDataset) {
		t.Fatalf("err = %v, want ErrUnknownDataset", err)
	}
	if _, err := fx.mgr.Path("kelp"); !errors.Is(err, errors.ErrUnknownDataset) {
		t.Errorf("Path err = %v", err)
	}
}

func TestResolve_DiskFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(Options{Root: filepath.Join(blocker, "cache")},
		fetch.New(fetch.Options{Sleep: noSleep}), []Dataset{habitat()})

	_, err := mgr.Resolve(context.Background(), "habitat")
	if errors.KindOf(err) != errors.KindDiskWriteFailed {
		t.Fatalf("err = %v, want DiskWriteFailed", err)
	}
	if !errors.IsTemporary(err) {
		t.Error("disk failures should be retryable")
	}
}

func TestResolve_CallerTimeoutDoesNotAbortFetch(t *testing.T) {
	fx := newFixture(t, 1, habitat())
	fx.srv.Put("v1/habitat.nc", payload)
	release := fx.srv.Hold("v1/habitat.nc")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fx.mgr.Resolve(ctx, "habitat")
	if errors.KindOf(err) != errors.KindFetchFailed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want FetchFailed wrapping deadline", err)
	}

	release()
	if err := gridtest.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		e, ok := fx.mgr.Entry("habitat")
		return ok && e.Verified
	}); err != nil {
		t.Fatalf("detached fetch did not complete: %v", err)
	}

	if _, err := fx.mgr.Resolve(context.Background(), "habitat"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits := fx.srv.Hits("v1/habitat.nc"); hits != 1 {
		t.Errorf("remote hits = %d, want 1", hits)
	}
}

func TestEntries_Sorted(t *testing.T) {
	b := habitat()
	b.Name, b.Filename = "b", "b.nc"
	a := habitat()
	a.Name, a.Filename = "a", "a.nc"
	fx := newFixture(t, 0, b, a)
	fx.srv.Put("v1/a.nc", payload)
	fx.srv.Put("v1/b.nc", payload)

	for _, n := range []string{"b", "a"} {
		if _, err := fx.mgr.Resolve(context.Background(), n); err != nil {
			t.Fatalf("Resolve %s: %v", n, err)
		}
	}
	es := fx.mgr.Entries()
	if len(es) != 2 || es[0].Name != "a" || es[1].Name != "b" {
		t.Errorf("Entries = %+v", es)
	}
}
