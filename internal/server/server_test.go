package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/oceangrid/internal/archive"
	"github.com/xtxerr/oceangrid/internal/assets"
	"github.com/xtxerr/oceangrid/internal/fetch"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/service"
	gridtest "github.com/xtxerr/oceangrid/internal/testing"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// newTestServer serves a 10x10 habitat grid with cell (0,0) missing and an
// "sst" layer the remote store does not have.
func newTestServer(t *testing.T, archiveDir string) *httptest.Server {
	t.Helper()
	fixture := gridtest.WriteNetCDF(t, "habitat.nc",
		gridtest.HabitatFixture(gridtest.Axis(-45, 0.5, 10), gridtest.Axis(170, 0.5, 10)))
	data, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(data)

	remote := gridtest.NewArtifactServer(t)
	remote.Put("v1/habitat.nc", data)

	mgr := assets.NewManager(assets.Options{
		Root:       filepath.Join(t.TempDir(), "cache"),
		BaseURL:    remote.URL(""),
		ReleaseTag: "v1",
	}, fetch.New(fetch.Options{Sleep: noSleep}), []assets.Dataset{
		{Name: "habitat", Filename: "habitat.nc", Remote: true, Checksum: hex.EncodeToString(h[:])},
		{Name: "sst", Filename: "sst.nc", Remote: true},
	})
	store := grid.NewStore(mgr, []grid.Descriptor{{Name: "habitat"}, {Name: "sst"}}, nil)
	svc := service.New(mgr, store, service.Options{
		Archive: archive.Options{Dir: archiveDir, Compression: archive.CompressionSnappy},
	})

	srv := New(Config{DefaultLayer: "habitat", RequestTimeout: 10 * time.Second}, svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string, wantStatus int) map[string]any {
	t.Helper()
	return do(t, ts, http.MethodGet, path, wantStatus)
}

func do(t *testing.T, ts *httptest.Server, method, path string, wantStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return body
}

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestHealthAndLayers(t *testing.T) {
	ts := newTestServer(t, "")

	health := get(t, ts, "/health", http.StatusOK)
	if health["status"] != "ok" || health["layers"] != float64(2) {
		t.Errorf("health = %v", health)
	}

	layers := get(t, ts, "/data/layers", http.StatusOK)
	if layers["count"] != float64(2) {
		t.Fatalf("layers = %v", layers)
	}
	first := layers["layers"].([]any)[0].(map[string]any)
	if first["name"] != "habitat" || first["verified_by_checksum"] != true {
		t.Errorf("first layer = %v", first)
	}
}

func TestPredict(t *testing.T) {
	ts := newTestServer(t, "")

	p := get(t, ts, "/predict?layer=habitat&lat=-45&lon=170", http.StatusOK)
	idx := p["grid_indices"].(map[string]any)
	if idx["i"] != float64(0) || idx["j"] != float64(1) || p["snapped"] != true {
		t.Errorf("prediction = %v, want snapped to (0,1)", p)
	}
	if p["interpretation"] != "Low potential" {
		t.Errorf("interpretation = %v", p["interpretation"])
	}

	// raw returns the missing cell itself.
	raw := get(t, ts, "/predict?lat=-45&lon=170&raw=true", http.StatusOK)
	if raw["value"] != nil || raw["valid"] != false {
		t.Errorf("raw prediction = %v, want null value", raw)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		path   string
		status int
		kind   string
	}{
		{"/predict?lat=-44", http.StatusBadRequest, "InvalidParameter"},
		{"/predict?lat=abc&lon=170", http.StatusBadRequest, "InvalidParameter"},
		{"/predict?lat=10&lon=170", http.StatusBadRequest, "OutOfBounds"},
		{"/predict?layer=kelp&lat=0&lon=0", http.StatusNotFound, "UnknownDataset"},
		{"/hotspots?percentile=150", http.StatusBadRequest, "InvalidParameter"},
		{"/data/habitat?sample=maybe", http.StatusBadRequest, "InvalidParameter"},
		{"/data/sst/summary", http.StatusServiceUnavailable, "CacheUnavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			body := get(t, ts, tt.path, tt.status)
			if k := errorKind(body); k != tt.kind {
				t.Errorf("kind = %q, want %q", k, tt.kind)
			}
		})
	}
}

func TestLayerData(t *testing.T) {
	ts := newTestServer(t, "")

	full := get(t, ts, "/data/habitat?sample=false", http.StatusOK)
	values := full["values"].([]any)
	if len(values) != 10 {
		t.Fatalf("rows = %d", len(values))
	}
	if values[0].([]any)[0] != nil {
		t.Errorf("missing cell = %v, want null", values[0].([]any)[0])
	}
	stats := full["stats"].(map[string]any)
	if stats["count_valid"] != float64(99) {
		t.Errorf("stats = %v", stats)
	}

	sampled := get(t, ts, "/data/habitat?max_points=100", http.StatusOK)
	if sampled["sampling_factor"] != float64(1) {
		t.Errorf("sampling_factor = %v", sampled["sampling_factor"])
	}
}

func TestCells(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := ts.Client().Get(ts.URL + "/data/habitat/cells?threshold=0.905&max_features=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("content type = %q", ct)
	}

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string         `json:"type"`
				Coordinates [][][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
		Metadata struct {
			Count     int `json:"total_zones"`
			Available int `json:"total_available"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		t.Fatal(err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 5 {
		t.Fatalf("collection = %+v", fc)
	}
	if fc.Metadata.Count != 5 || fc.Metadata.Available != 9 {
		t.Errorf("metadata = %+v", fc.Metadata)
	}
	ring := fc.Features[0].Geometry.Coordinates[0]
	if len(ring) != 5 || ring[0] != ring[4] {
		t.Errorf("ring not closed: %v", ring)
	}
	if w := ring[1][0] - ring[0][0]; w != 0.5 {
		t.Errorf("cell width = %v, want 0.5", w)
	}
}

func TestHotspotsAndMeta(t *testing.T) {
	ts := newTestServer(t, "")

	hs := get(t, ts, "/hotspots?limit=3", http.StatusOK)
	if hs["percentile"] != float64(80) || hs["total"] != float64(20) || hs["count"] != float64(3) {
		t.Errorf("hotspots = %v", hs)
	}

	meta := get(t, ts, "/meta", http.StatusOK)
	lat := meta["lat"].(map[string]any)
	if meta["layer"] != "habitat" || lat["size"] != float64(10) || lat["order"] != "ascending" {
		t.Errorf("meta = %v", meta)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	ts := newTestServer(t, dir)

	exp := do(t, ts, http.MethodPost, "/data/habitat/export?percentile=90", http.StatusCreated)
	if exp["rows"] != float64(10) || exp["path"] != filepath.Join(dir, "habitat_p90.parquet") {
		t.Errorf("export = %v", exp)
	}
	if _, err := os.Stat(filepath.Join(dir, "habitat_p90.parquet")); err != nil {
		t.Error(err)
	}

	// Wrong method on a known route.
	resp, err := ts.Client().Get(ts.URL + "/data/habitat/export")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET export status = %d", resp.StatusCode)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	srv := New(Config{DrainTimeout: time.Second}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gt := gridtest.NewGoroutineTestWithTimeout(t, 5*time.Second)
	gt.Go(func() error { return srv.Serve(ctx, ln) })

	if err := gridtest.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}); err != nil {
		t.Fatal(err)
	}
	cancel()
	gt.Wait()
}
