package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/oceangrid/internal/archive"
	"github.com/xtxerr/oceangrid/internal/assets"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/fetch"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/query"
	gridtest "github.com/xtxerr/oceangrid/internal/testing"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// newTestService serves a 10x10 habitat grid (lat -45..-40.5, lon
// 170..174.5, step 0.5, cell (0,0) missing) and an "sst" layer that the
// remote store does not have.
func newTestService(t *testing.T, opts Options) (*Service, *gridtest.ArtifactServer) {
	t.Helper()
	lat := gridtest.Axis(-45, 0.5, 10)
	lon := gridtest.Axis(170, 0.5, 10)
	fixture := gridtest.WriteNetCDF(t, "habitat.nc", gridtest.HabitatFixture(lat, lon))
	data, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(data)

	srv := gridtest.NewArtifactServer(t)
	srv.Put("v1/habitat.nc", data)

	datasets := []assets.Dataset{
		{Name: "habitat", Filename: "habitat.nc", Remote: true, Checksum: hex.EncodeToString(h[:])},
		{Name: "sst", Filename: "sst.nc", Remote: true},
	}
	mgr := assets.NewManager(assets.Options{
		Root:            filepath.Join(t.TempDir(), "cache"),
		BaseURL:         srv.URL(""),
		ReleaseTag:      "v1",
		ChecksumRetries: 1,
	}, fetch.New(fetch.Options{Sleep: noSleep}), datasets)

	store := grid.NewStore(mgr, []grid.Descriptor{
		{Name: "habitat", Description: "Habitat suitability"},
		{Name: "sst"},
	}, nil)

	return New(mgr, store, opts), srv
}

func cell(k int) float64 {
	return float64(float32(k) / float32(100))
}

func TestLayers(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	layers := svc.Layers()
	if len(layers) != 2 || layers[0].Name != "habitat" || layers[1].Name != "sst" {
		t.Fatalf("layers = %+v", layers)
	}
	if !layers[0].VerifiedByChecksum || layers[1].VerifiedByChecksum {
		t.Errorf("verified_by_checksum = %v/%v, want true/false",
			layers[0].VerifiedByChecksum, layers[1].VerifiedByChecksum)
	}
	if layers[0].State != grid.StateUnloaded || layers[0].Cached {
		t.Errorf("habitat before load = %+v", layers[0])
	}

	if _, err := svc.Load(context.Background(), "habitat"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	layers = svc.Layers()
	if layers[0].State != grid.StateLoaded || !layers[0].Cached || !layers[0].Verified {
		t.Errorf("habitat after load = %+v", layers[0])
	}
	if layers[0].Description != "Habitat suitability" {
		t.Errorf("description = %q", layers[0].Description)
	}
}

func TestPredict_SnapsToValidNeighbour(t *testing.T) {
	svc, srv := newTestService(t, Options{})

	p, err := svc.Predict(context.Background(), "habitat", -45, 170, query.PredictOptions{})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	// (0,1) and (1,0) are equally close; the lower index wins.
	if p.I != 0 || p.J != 1 || !p.Snapped || !p.Valid {
		t.Errorf("prediction = %+v, want snapped to (0,1)", p)
	}
	if p.Value != cell(1) {
		t.Errorf("value = %v, want %v", p.Value, cell(1))
	}
	if p.Label != "Low potential" {
		t.Errorf("label = %q", p.Label)
	}

	if _, err := svc.Predict(context.Background(), "habitat", -40.5, 174.5, query.PredictOptions{}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if hits := srv.Hits("v1/habitat.nc"); hits != 1 {
		t.Errorf("remote hits = %d, want 1", hits)
	}
}

func TestPredict_Errors(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.Predict(ctx, "kelp", 0, 0, query.PredictOptions{})
	if !errors.Is(err, errors.ErrUnknownDataset) {
		t.Errorf("unknown layer err = %v", err)
	}

	_, err = svc.Predict(ctx, "habitat", 999, 170, query.PredictOptions{})
	if errors.KindOf(err) != errors.KindOutOfBounds || !errors.IsClientError(err) {
		t.Errorf("out of bounds err = %v", err)
	}

	_, err = svc.Predict(ctx, "sst", 0, 0, query.PredictOptions{})
	if errors.KindOf(err) != errors.KindCacheUnavailable || !errors.IsTemporary(err) {
		t.Errorf("missing remote err = %v, want temporary CacheUnavailable", err)
	}
}

func TestHotspots_MemoizedAndTrimmed(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	full, err := svc.Hotspots(ctx, "habitat", 80, query.HotspotOptions{})
	if err != nil {
		t.Fatalf("Hotspots: %v", err)
	}
	if full.Total != 20 || len(full.Hotspots) != 20 {
		t.Fatalf("total/len = %d/%d, want 20/20", full.Total, len(full.Hotspots))
	}
	if full.Hotspots[0].Rank != 1 || full.Hotspots[0].Value != cell(99) {
		t.Errorf("top = %+v", full.Hotspots[0])
	}
	for _, h := range full.Hotspots {
		if h.Value < full.Threshold {
			t.Errorf("hotspot %+v below threshold %v", h, full.Threshold)
		}
	}

	// Callers own their copy.
	full.Hotspots[0].Value = -1

	top, err := svc.Hotspots(ctx, "habitat", 80, query.HotspotOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Hotspots: %v", err)
	}
	if top.Total != 20 || len(top.Hotspots) != 5 {
		t.Errorf("total/len = %d/%d, want 20/5", top.Total, len(top.Hotspots))
	}
	if top.Hotspots[0].Value != cell(99) {
		t.Errorf("memoized result was mutated: %+v", top.Hotspots[0])
	}
}

func TestHotspots_OnlyDefaultPercentileShared(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	for k := 0; k < 200; k++ {
		pct := float64(k) / 2
		res, err := svc.Hotspots(ctx, "habitat", pct, query.HotspotOptions{Limit: 1})
		if err != nil {
			t.Fatalf("percentile %v: %v", pct, err)
		}
		if len(res.Hotspots) != 1 || res.Hotspots[0].Value != cell(99) {
			t.Fatalf("percentile %v: %+v", pct, res.Hotspots)
		}
	}

	entries := 0
	svc.hotspots.Range(func(key, value any) bool {
		entries++
		if key != "habitat" || value.(query.HotspotResult).Percentile != 80 {
			t.Errorf("shared entry %v = %+v", key, value)
		}
		return true
	})
	if entries != 1 {
		t.Errorf("shared rankings = %d, want 1", entries)
	}
}

func TestHotspots_InvalidParameters(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	for _, pct := range []float64{-1, 100.5} {
		if _, err := svc.Hotspots(ctx, "habitat", pct, query.HotspotOptions{}); errors.KindOf(err) != errors.KindInvalidParameter {
			t.Errorf("percentile %v: err = %v", pct, err)
		}
	}
	if _, err := svc.Hotspots(ctx, "habitat", 80, query.HotspotOptions{Limit: -1}); errors.KindOf(err) != errors.KindInvalidParameter {
		t.Errorf("limit -1: err = %v", err)
	}
}

func TestSampleCellsSummary(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	g, stride, err := svc.Sample(ctx, "habitat", 100)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if stride != 1 || g.Size() != 100 {
		t.Errorf("stride/size = %d/%d", stride, g.Size())
	}
	if _, _, err := svc.Sample(ctx, "habitat", 5); errors.KindOf(err) != errors.KindInvalidParameter {
		t.Errorf("max_points 5: err = %v", err)
	}

	cells, err := svc.Cells(ctx, "habitat", 0.905, 5)
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	if cells.Available != 9 || len(cells.Cells) != 5 {
		t.Errorf("available/len = %d/%d, want 9/5", cells.Available, len(cells.Cells))
	}
	if c := cells.Cells[0]; c.HalfResLat != 0.25 || c.HalfResLon != 0.25 {
		t.Errorf("half resolution = %v/%v", c.HalfResLat, c.HalfResLon)
	}

	sum, err := svc.Summary(ctx, "habitat")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Lat.Size != 10 || sum.Lat.Min != -45 || sum.Lon.Max != 174.5 {
		t.Errorf("summary axes = %+v / %+v", sum.Lat, sum.Lon)
	}
	if sum.Stats.CountValid != 99 || sum.Variable != "H_index" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestExportHotspots(t *testing.T) {
	dir := t.TempDir()
	svc, _ := newTestService(t, Options{Archive: archive.Options{Dir: dir, Compression: archive.CompressionZstd}})

	exp, err := svc.ExportHotspots(context.Background(), "habitat", 80)
	if err != nil {
		t.Fatalf("ExportHotspots: %v", err)
	}
	if exp.Path != filepath.Join(dir, "habitat_p80.parquet") || exp.Rows != 20 {
		t.Errorf("export = %+v", exp)
	}

	rows, err := archive.ReadHotspots(exp.Path)
	if err != nil {
		t.Fatalf("ReadHotspots: %v", err)
	}
	if len(rows) != 20 {
		t.Fatalf("rows = %d, want 20", len(rows))
	}
	if rows[0].Rank != 1 || rows[0].Layer != "habitat" || rows[0].Value != cell(99) {
		t.Errorf("first row = %+v", rows[0])
	}
}

func TestExportHotspots_WholePercentileOnly(t *testing.T) {
	dir := t.TempDir()
	svc, _ := newTestService(t, Options{Archive: archive.Options{Dir: dir}})

	_, err := svc.ExportHotspots(context.Background(), "habitat", 80.25)
	if errors.KindOf(err) != errors.KindInvalidParameter {
		t.Errorf("err = %v, want InvalidParameter", err)
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("archive dir has %d files, want 0", len(files))
	}
}

func TestExportHotspots_NoArchiveDir(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	_, err := svc.ExportHotspots(context.Background(), "habitat", 80)
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWarmup(t *testing.T) {
	svc, _ := newTestService(t, Options{Warm: []string{"habitat", "sst"}, WarmConcurrency: 2})

	err := svc.Warmup(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sst") {
		t.Fatalf("err = %v, want sst failure", err)
	}
	if strings.Contains(err.Error(), "habitat") {
		t.Errorf("habitat should have loaded: %v", err)
	}

	st := svc.Status()
	if st.Layers != 2 || st.Loaded != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Cache.Fetches != 2 {
		t.Errorf("fetches = %d, want 2", st.Cache.Fetches)
	}
}
