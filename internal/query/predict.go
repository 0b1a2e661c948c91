package query

import (
	"math"
	"sort"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
)

// PredictOptions adjusts Predict.
type PredictOptions struct {
	// IncludeInvalid returns the nearest cell even if it is missing.
	IncludeInvalid bool
}

// Prediction is the result of a nearest-point lookup.
type Prediction struct {
	Lat float64
	Lon float64

	MatchedLat float64
	MatchedLon float64
	I          int
	J          int

	Value float64
	Valid bool

	// Snapped is set when the nearest cell was missing and a valid
	// neighbour was returned instead.
	Snapped bool

	Label   string
	Ordinal int
}

// Predict returns the cell nearest to (lat, lon).
//
// The nearest index is found on each axis independently; an exact tie
// resolves to the lower index. If that cell is missing, the rings of cells
// around it are searched outward up to Limits.MaxRingRadius and the first
// ring holding a valid cell decides: its valid cell closest in coordinate
// space wins, ties resolving to the lower (i, j). With no valid cell in
// reach the nearest cell is returned with Valid == false.
func (e *Engine) Predict(g *grid.Grid, lat, lon float64, opts PredictOptions) (Prediction, error) {
	if err := finite("lat", lat); err != nil {
		return Prediction{}, err
	}
	if err := finite("lon", lon); err != nil {
		return Prediction{}, err
	}
	b := g.Bounds
	if lat < b.LatMin || lat > b.LatMax {
		return Prediction{}, errors.NewOutOfBounds("lat", lat, b.LatMin, b.LatMax)
	}
	if lon < b.LonMin || lon > b.LonMax {
		return Prediction{}, errors.NewOutOfBounds("lon", lon, b.LonMin, b.LonMax)
	}

	i := Nearest(g.Lat, g.LatOrder, lat)
	j := Nearest(g.Lon, g.LonOrder, lon)

	p := Prediction{Lat: lat, Lon: lon}
	v := g.Values[i][j]
	if !math.IsNaN(v) || opts.IncludeInvalid {
		p.fill(g, i, j)
		return p, nil
	}

	if ni, nj, ok := e.nearestValid(g, i, j, lat, lon); ok {
		p.fill(g, ni, nj)
		p.Snapped = true
		return p, nil
	}
	p.fill(g, i, j)
	return p, nil
}

func (p *Prediction) fill(g *grid.Grid, i, j int) {
	p.I, p.J = i, j
	p.MatchedLat, p.MatchedLon = g.Lat[i], g.Lon[j]
	p.Value = g.Values[i][j]
	p.Valid = !math.IsNaN(p.Value)
	p.Label, p.Ordinal = g.Classifier.Classify(p.Value)
}

func (e *Engine) nearestValid(g *grid.Grid, ci, cj int, lat, lon float64) (int, int, bool) {
	nlat, nlon := g.Shape()
	for r := 1; r <= e.limits.MaxRingRadius; r++ {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := ci - r; i <= ci+r; i++ {
			if i < 0 || i >= nlat {
				continue
			}
			for j := cj - r; j <= cj+r; j++ {
				if j < 0 || j >= nlon {
					continue
				}
				if abs(i-ci) != r && abs(j-cj) != r {
					continue
				}
				if math.IsNaN(g.Values[i][j]) {
					continue
				}
				dlat, dlon := g.Lat[i]-lat, g.Lon[j]-lon
				d := dlat*dlat + dlon*dlon
				// Row-major iteration visits lower (i, j) first, so a
				// strict comparison keeps it on ties.
				if d < best {
					bi, bj, best = i, j, d
				}
			}
		}
		if bi >= 0 {
			return bi, bj, true
		}
	}
	return 0, 0, false
}

// Nearest returns the index of the axis value closest to x. Ties resolve
// to the lower index. Ordered axes are searched in O(log n).
func Nearest(axis []float64, order grid.AxisOrder, x float64) int {
	n := len(axis)
	if n <= 1 {
		return 0
	}
	switch order {
	case grid.Ascending:
		k := sort.SearchFloat64s(axis, x) // first axis[k] >= x
		return closer(axis, k, x)
	case grid.Descending:
		k := sort.Search(n, func(k int) bool { return axis[k] <= x })
		return closer(axis, k, x)
	default:
		best, bestD := 0, math.Abs(axis[0]-x)
		for k := 1; k < n; k++ {
			if d := math.Abs(axis[k] - x); d < bestD {
				best, bestD = k, d
			}
		}
		return best
	}
}

// closer picks between k-1 and k, preferring k-1 on a tie.
func closer(axis []float64, k int, x float64) int {
	switch {
	case k <= 0:
		return 0
	case k >= len(axis):
		return len(axis) - 1
	}
	if math.Abs(axis[k-1]-x) <= math.Abs(axis[k]-x) {
		return k - 1
	}
	return k
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
