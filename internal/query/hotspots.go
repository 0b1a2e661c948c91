package query

import (
	"math"
	"sort"

	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/grid"
)

// Hotspot is one cell at or above the percentile threshold.
type Hotspot struct {
	Rank  int     `json:"rank"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// HotspotOptions adjusts Hotspots.
type HotspotOptions struct {
	// Limit caps the number of returned records. Zero means all.
	Limit int
}

// HotspotResult is the outcome of a top-percentile extraction.
type HotspotResult struct {
	Percentile float64
	Threshold  float64

	// Total counts every cell at or above Threshold, before Limit.
	Total    int
	Hotspots []Hotspot
}

// Hotspots returns the finite cells whose value is at or above the given
// percentile of all finite values, ordered by value descending, then lat
// ascending, then lon ascending. Ranks are 1-based.
//
// The threshold interpolates linearly between order statistics. A grid
// without valid cells yields an empty result with a NaN threshold.
func (e *Engine) Hotspots(g *grid.Grid, percentile float64, opts HotspotOptions) (HotspotResult, error) {
	if math.IsNaN(percentile) || percentile < 0 || percentile > 100 {
		return HotspotResult{}, errors.NewInvalidParameter("percentile", "must be in [0, 100], got %v", percentile)
	}
	if opts.Limit < 0 {
		return HotspotResult{}, errors.NewInvalidParameter("limit", "must not be negative, got %d", opts.Limit)
	}

	valid := make([]float64, 0, g.Stats.CountValid)
	for _, row := range g.Values {
		for _, v := range row {
			if usable(v) {
				valid = append(valid, v)
			}
		}
	}
	res := HotspotResult{Percentile: percentile, Threshold: math.NaN(), Hotspots: []Hotspot{}}
	if len(valid) == 0 {
		return res, nil
	}
	sort.Float64s(valid)
	res.Threshold = Percentile(valid, percentile)

	var out []Hotspot
	for i, row := range g.Values {
		for j, v := range row {
			if usable(v) && v >= res.Threshold {
				out = append(out, Hotspot{Lat: g.Lat[i], Lon: g.Lon[j], Value: v})
			}
		}
	}
	sort.Slice(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if x.Value != y.Value {
			return x.Value > y.Value
		}
		if x.Lat != y.Lat {
			return x.Lat < y.Lat
		}
		return x.Lon < y.Lon
	})

	res.Total = len(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	for k := range out {
		out[k].Rank = k + 1
	}
	res.Hotspots = out
	return res, nil
}

// Percentile returns the p-th percentile (0..100) of sorted, interpolating
// linearly between the two nearest order statistics. sorted must be
// ascending and non-empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	v := sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
	// Rounding must not push the threshold past the upper order statistic.
	return math.Min(v, sorted[hi])
}
