package query

import (
	"math"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
)

// Cell is a grid cell with its half extent on each axis, enough to draw it
// as a rectangle.
type Cell struct {
	Lat        float64
	Lon        float64
	Value      float64
	HalfResLat float64
	HalfResLon float64
	Label      string
}

// CellSet is the result of Cells.
type CellSet struct {
	Threshold   float64
	MaxFeatures int

	// Available counts every matching cell, before MaxFeatures.
	Available int
	Cells     []Cell
}

// Cells returns the cells with a value strictly above threshold in
// row-major order, at most maxFeatures of them.
func (e *Engine) Cells(g *grid.Grid, threshold float64, maxFeatures int) (CellSet, error) {
	if err := finite("threshold", threshold); err != nil {
		return CellSet{}, err
	}
	if maxFeatures < 1 || maxFeatures > e.limits.MaxCells {
		return CellSet{}, errors.NewInvalidParameter("max_features",
			"must be in [1, %d], got %d", e.limits.MaxCells, maxFeatures)
	}

	halfLat := halfSteps(g.Lat)
	halfLon := halfSteps(g.Lon)

	set := CellSet{Threshold: threshold, MaxFeatures: maxFeatures, Cells: []Cell{}}
	for i, row := range g.Values {
		for j, v := range row {
			if !usable(v) || !(v > threshold) {
				continue
			}
			set.Available++
			if len(set.Cells) >= maxFeatures {
				continue
			}
			label, _ := g.Classifier.Classify(v)
			set.Cells = append(set.Cells, Cell{
				Lat:        g.Lat[i],
				Lon:        g.Lon[j],
				Value:      v,
				HalfResLat: halfLat[i],
				HalfResLon: halfLon[j],
				Label:      label,
			})
		}
	}
	return set, nil
}

// halfSteps returns, per axis index, half the distance to the next
// coordinate (the previous one for the last index).
func halfSteps(axis []float64) []float64 {
	out := make([]float64, len(axis))
	if len(axis) < 2 {
		return out
	}
	for k := range axis {
		var d float64
		if k+1 < len(axis) {
			d = axis[k+1] - axis[k]
		} else {
			d = axis[k] - axis[k-1]
		}
		out[k] = math.Abs(d) / 2
	}
	return out
}

// AxisSummary describes one coordinate axis.
type AxisSummary struct {
	Size  int
	Min   float64
	Max   float64
	Order grid.AxisOrder
}

// Summary describes a grid without its values.
type Summary struct {
	Name           string
	Variable       string
	Units          string
	LongName       string
	Lat            AxisSummary
	Lon            AxisSummary
	Stats          grid.Stats
	Bounds         grid.Bounds
	SamplingFactor int
}

// Summary returns the axis extents and stats of g.
func (e *Engine) Summary(g *grid.Grid) Summary {
	ext := grid.AxisBounds(g.Lat, g.Lon)
	return Summary{
		Name:     g.Name,
		Variable: g.Variable,
		Units:    g.Units,
		LongName: g.LongName,
		Lat: AxisSummary{
			Size:  len(g.Lat),
			Min:   ext.LatMin,
			Max:   ext.LatMax,
			Order: g.LatOrder,
		},
		Lon: AxisSummary{
			Size:  len(g.Lon),
			Min:   ext.LonMin,
			Max:   ext.LonMax,
			Order: g.LonOrder,
		},
		Stats:          g.Stats,
		Bounds:         g.Bounds,
		SamplingFactor: g.SamplingFactor,
	}
}
