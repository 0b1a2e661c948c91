// Package archive persists hotspot extractions as Parquet files.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/oceangrid/config"
)

// Options configures the Parquet writer.
type Options struct {
	// Dir is where exports are written.
	Dir string

	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{
		Compression: ParseCompressionType(config.DefaultArchiveCompression),
	}
}

// ParseCompressionType parses a compression type string. Unknown names fall
// back to zstd.
func ParseCompressionType(s string) CompressionType {
	switch strings.ToLower(s) {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// ValidCompression reports whether s names a known codec.
func ValidCompression(s string) bool {
	switch strings.ToLower(s) {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
		return true
	}
	return false
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// HotspotRow is one hotspot in Parquet form.
type HotspotRow struct {
	Layer        string  `parquet:"layer,zstd"`
	Percentile   float64 `parquet:"percentile"`
	Threshold    float64 `parquet:"threshold"`
	Rank         int32   `parquet:"rank"`
	Lat          float64 `parquet:"lat"`
	Lon          float64 `parquet:"lon"`
	Value        float64 `parquet:"value"`
	ExportedAtMs int64   `parquet:"exported_at_ms"`
}

// FileName returns the export file name for a layer and percentile, e.g.
// "habitat_p80.parquet" or "habitat_p97.5.parquet".
func FileName(layer string, percentile float64) string {
	return fmt.Sprintf("%s_p%s.parquet", layer, strconv.FormatFloat(percentile, 'f', -1, 64))
}

// Path returns where the export for layer and percentile lives under Dir.
func (o Options) Path(layer string, percentile float64) string {
	return filepath.Join(o.Dir, FileName(layer, percentile))
}

// WriteHotspots writes rows to path. The file appears complete or not at
// all: rows go to a temp file in the same directory which is renamed over
// path once the footer is written.
func WriteHotspots(path string, rows []HotspotRow, opts Options) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	writerOpts := []parquet.WriterOption{
		parquet.Compression(codec(opts.Compression)),
	}
	w := parquet.NewGenericWriter[HotspotRow](f, writerOpts...)

	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ReadHotspots reads every row of a hotspot export.
func ReadHotspots(path string) ([]HotspotRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[HotspotRow](f)
	defer r.Close()

	rows := make([]HotspotRow, r.NumRows())
	n := 0
	for n < len(rows) {
		k, err := r.Read(rows[n:])
		n += k
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if k == 0 {
			break
		}
	}
	return rows[:n], nil
}

// FileInfo holds information about an export file.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	NumRows int64     `json:"num_rows"`
	ModTime time.Time `json:"mod_time"`
}

// Stat returns information about an export file.
func Stat(path string) (*FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := parquet.NewGenericReader[HotspotRow](f)
	defer r.Close()

	return &FileInfo{
		Path:    path,
		Size:    st.Size(),
		NumRows: r.NumRows(),
		ModTime: st.ModTime(),
	}, nil
}
