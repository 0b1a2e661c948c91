package query

import (
	"math"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
)

// Sample returns g reduced to at most maxPoints cells by keeping every
// s-th row and column, and the stride s. When g already fits, g itself is
// returned with stride 1. The result depends only on g and maxPoints.
func (e *Engine) Sample(g *grid.Grid, maxPoints int) (*grid.Grid, int, error) {
	if maxPoints < e.limits.MinSamplePoints || maxPoints > e.limits.MaxSamplePoints {
		return nil, 0, errors.NewInvalidParameter("max_points",
			"must be in [%d, %d], got %d", e.limits.MinSamplePoints, e.limits.MaxSamplePoints, maxPoints)
	}

	nlat, nlon := g.Shape()
	s := Stride(nlat, nlon, maxPoints)
	if s == 1 {
		return g, 1, nil
	}

	lat := every(g.Lat, s)
	lon := every(g.Lon, s)
	values := make([][]float64, len(lat))
	for i := range values {
		src := g.Values[i*s]
		row := make([]float64, len(lon))
		for j := range row {
			row[j] = src[j*s]
		}
		values[i] = row
	}

	out := &grid.Grid{
		Name:           g.Name,
		Variable:       g.Variable,
		Units:          g.Units,
		LongName:       g.LongName,
		Lat:            lat,
		Lon:            lon,
		Values:         values,
		Stats:          grid.ComputeStats(values),
		Bounds:         g.Bounds,
		Classifier:     g.Classifier,
		SamplingFactor: g.SamplingFactor * s,
		LatOrder:       g.LatOrder,
		LonOrder:       g.LonOrder,
	}
	return out, s, nil
}

// Stride returns the smallest uniform stride s, starting from
// ceil(sqrt(nlat*nlon/maxPoints)), with ceil(nlat/s)*ceil(nlon/s) <= maxPoints.
func Stride(nlat, nlon, maxPoints int) int {
	if maxPoints <= 0 {
		return max(nlat, nlon, 1)
	}
	if nlat*nlon <= maxPoints {
		return 1
	}
	s := int(math.Ceil(math.Sqrt(float64(nlat) * float64(nlon) / float64(maxPoints))))
	if s < 1 {
		s = 1
	}
	for ceilDiv(nlat, s)*ceilDiv(nlon, s) > maxPoints {
		s++
	}
	return s
}

func every(axis []float64, s int) []float64 {
	out := make([]float64, 0, ceilDiv(len(axis), s))
	for k := 0; k < len(axis); k += s {
		out = append(out, axis[k])
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
