// Package grid decodes gridded datasets into immutable in-memory grids and
// caches them per dataset name.
//
// A Grid is a 2-D lat × lon array of float64 values. Missing cells are NaN.
// Grids are never mutated after they are built and may be shared freely
// between goroutines without locking.
package grid

import (
	"fmt"
	"math"
)

// Grid is a decoded dataset.
type Grid struct {
	Name     string
	Variable string
	Units    string
	LongName string

	// Lat and Lon are the axis coordinates. Values[i][j] is the cell at
	// (Lat[i], Lon[j]).
	Lat    []float64
	Lon    []float64
	Values [][]float64

	Stats      Stats
	Bounds     Bounds
	Classifier Classifier

	// SamplingFactor is the stride this grid was derived with; 1 for a
	// full-resolution grid.
	SamplingFactor int

	LatOrder AxisOrder
	LonOrder AxisOrder
}

// New builds a full-resolution grid with computed stats, axis-extent
// bounds and the default classifier.
func New(name, variable string, lat, lon []float64, values [][]float64) (*Grid, error) {
	g := &Grid{
		Name:           name,
		Variable:       variable,
		Lat:            lat,
		Lon:            lon,
		Values:         values,
		Bounds:         AxisBounds(lat, lon),
		Classifier:     DefaultClassifier(),
		SamplingFactor: 1,
		LatOrder:       OrderOf(lat),
		LonOrder:       OrderOf(lon),
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g.Stats = ComputeStats(values)
	return g, nil
}

// Shape returns (len(Lat), len(Lon)).
func (g *Grid) Shape() (int, int) {
	return len(g.Lat), len(g.Lon)
}

// Size returns the number of cells.
func (g *Grid) Size() int {
	return len(g.Lat) * len(g.Lon)
}

// Validate checks the shape invariant.
func (g *Grid) Validate() error {
	if len(g.Lat) == 0 || len(g.Lon) == 0 {
		return fmt.Errorf("grid %s: empty axis (lat=%d, lon=%d)", g.Name, len(g.Lat), len(g.Lon))
	}
	if len(g.Values) != len(g.Lat) {
		return fmt.Errorf("grid %s: %d rows for %d latitudes", g.Name, len(g.Values), len(g.Lat))
	}
	for i, row := range g.Values {
		if len(row) != len(g.Lon) {
			return fmt.Errorf("grid %s: row %d has %d cells for %d longitudes", g.Name, i, len(row), len(g.Lon))
		}
	}
	return nil
}

// AxisOrder describes the monotonicity of an axis.
type AxisOrder int

const (
	Unordered AxisOrder = iota
	Ascending
	Descending
)

func (o AxisOrder) String() string {
	switch o {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "unordered"
	}
}

// OrderOf classifies axis. Axes of length 0 or 1 are Ascending.
func OrderOf(axis []float64) AxisOrder {
	asc, desc := true, true
	for k := 1; k < len(axis); k++ {
		if !(axis[k] > axis[k-1]) {
			asc = false
		}
		if !(axis[k] < axis[k-1]) {
			desc = false
		}
	}
	switch {
	case asc:
		return Ascending
	case desc:
		return Descending
	default:
		return Unordered
	}
}

// =============================================================================
// Bounds
// =============================================================================

// Bounds is a closed lat/lon bounding box.
type Bounds struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Contains reports whether (lat, lon) lies inside b, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}

// AxisBounds returns the extent of the given axes.
func AxisBounds(lat, lon []float64) Bounds {
	latMin, latMax := extent(lat)
	lonMin, lonMax := extent(lon)
	return Bounds{LatMin: latMin, LatMax: latMax, LonMin: lonMin, LonMax: lonMax}
}

func extent(axis []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range axis {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// =============================================================================
// Classification
// =============================================================================

// Classifier maps a value to a labelled band.
//
// Thresholds are ascending. A value strictly greater than Thresholds[k]
// belongs to band k+1; anything at or below Thresholds[0] is band 0.
// len(Labels) == len(Thresholds)+1.
type Classifier struct {
	Thresholds []float64 `json:"thresholds"`
	Labels     []string  `json:"labels"`
}

// NoDataLabel is the label of a NaN value.
const NoDataLabel = "no data"

// DefaultClassifier returns the habitat suitability bands.
func DefaultClassifier() Classifier {
	return Classifier{
		Thresholds: []float64{0.4, 0.7},
		Labels:     []string{"Low potential", "Moderate potential", "High potential"},
	}
}

// Classify returns the band label and ordinal of v. NaN yields
// (NoDataLabel, -1).
func (c Classifier) Classify(v float64) (string, int) {
	if math.IsNaN(v) {
		return NoDataLabel, -1
	}
	band := 0
	for k, t := range c.Thresholds {
		if v > t {
			band = k + 1
		}
	}
	if band < len(c.Labels) {
		return c.Labels[band], band
	}
	return fmt.Sprintf("band %d", band), band
}

// Validate checks ordering and label count.
func (c Classifier) Validate() error {
	if len(c.Labels) != len(c.Thresholds)+1 {
		return fmt.Errorf("classifier: %d labels for %d thresholds, want %d",
			len(c.Labels), len(c.Thresholds), len(c.Thresholds)+1)
	}
	for k := 1; k < len(c.Thresholds); k++ {
		if !(c.Thresholds[k] > c.Thresholds[k-1]) {
			return fmt.Errorf("classifier: thresholds must be strictly ascending (%g after %g)",
				c.Thresholds[k], c.Thresholds[k-1])
		}
	}
	return nil
}

// =============================================================================
// Descriptor
// =============================================================================

// Axes names the latitude and longitude coordinate variables. Empty names
// are probed from DefaultLatNames and DefaultLonNames.
type Axes struct {
	Lat string
	Lon string
}

var (
	DefaultLatNames = []string{"lat", "latitude", "y"}
	DefaultLonNames = []string{"lon", "longitude", "x"}
)

// Descriptor is the decoding side of a dataset definition.
type Descriptor struct {
	Name string

	// Variable is the data variable to read. Empty means auto-detect.
	Variable string

	Axes Axes

	// Bounds overrides the accepted query box. Nil means the axis extent.
	Bounds *Bounds

	// Classifier overrides DefaultClassifier.
	Classifier *Classifier

	Units       string
	Description string
}
