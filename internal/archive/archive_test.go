package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleRows() []HotspotRow {
	return []HotspotRow{
		{Layer: "habitat", Percentile: 80, Threshold: 0.82, Rank: 1, Lat: -41.5, Lon: 173.25, Value: 0.97, ExportedAtMs: 1700000000000},
		{Layer: "habitat", Percentile: 80, Threshold: 0.82, Rank: 2, Lat: -40.0, Lon: 172.0, Value: 0.91, ExportedAtMs: 1700000000000},
		{Layer: "habitat", Percentile: 80, Threshold: 0.82, Rank: 3, Lat: -39.5, Lon: 174.5, Value: 0.82, ExportedAtMs: 1700000000000},
	}
}

func TestWriteAndReadHotspots(t *testing.T) {
	for _, codec := range []string{"zstd", "snappy", "gzip", "lz4", "none"} {
		t.Run(codec, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", FileName("habitat", 80))
			opts := Options{Compression: ParseCompressionType(codec)}

			if err := WriteHotspots(path, sampleRows(), opts); err != nil {
				t.Fatalf("WriteHotspots: %v", err)
			}
			got, err := ReadHotspots(path)
			if err != nil {
				t.Fatalf("ReadHotspots: %v", err)
			}
			want := sampleRows()
			if len(got) != len(want) {
				t.Fatalf("got %d rows, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestWriteHotspots_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	if err := WriteHotspots(path, nil, DefaultOptions()); err != nil {
		t.Fatalf("WriteHotspots: %v", err)
	}
	got, err := ReadHotspots(path)
	if err != nil {
		t.Fatalf("ReadHotspots: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d rows, want 0", len(got))
	}
}

func TestWriteHotspots_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName("habitat", 90))

	if err := WriteHotspots(path, sampleRows(), DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	if err := WriteHotspots(path, sampleRows()[:1], DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	info, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.NumRows != 1 {
		t.Errorf("NumRows = %d, want 1", info.NumRows)
	}
	if info.Size == 0 {
		t.Error("file should not be empty")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, want only the export", names)
	}
}

func TestWriteHotspots_BadDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteHotspots(filepath.Join(blocker, "x.parquet"), sampleRows(), DefaultOptions()); err == nil {
		t.Fatal("expected an error writing below a regular file")
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		layer string
		pct   float64
		want  string
	}{
		{"habitat", 80, "habitat_p80.parquet"},
		{"habitat", 97.5, "habitat_p97.5.parquet"},
		{"sst", 0, "sst_p0.parquet"},
	}
	for _, tt := range tests {
		if got := FileName(tt.layer, tt.pct); got != tt.want {
			t.Errorf("FileName(%q, %v) = %q, want %q", tt.layer, tt.pct, got, tt.want)
		}
	}
	o := Options{Dir: "/srv/exports"}
	if got := o.Path("habitat", 80); got != "/srv/exports/habitat_p80.parquet" {
		t.Errorf("Path = %q", got)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"zstd":   CompressionZstd,
		"ZSTD":   CompressionZstd,
		"snappy": CompressionSnappy,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"none":   CompressionNone,
		"":       CompressionNone,
		"brotli": CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
	if ValidCompression("brotli") {
		t.Error("brotli should not be valid")
	}
	if !ValidCompression("lz4") {
		t.Error("lz4 should be valid")
	}
}
