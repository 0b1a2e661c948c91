package grid

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/oceangrid/config"
)

// Stats summarizes the valid (non-NaN) cells of a grid. Percentiles are
// approximate with the relative accuracy of config.DefaultStatsAccuracy.
// With no valid cells every float field is NaN.
type Stats struct {
	Min        float64
	Max        float64
	Mean       float64
	CountValid int
	CountTotal int

	P50 float64
	P90 float64
	P99 float64
}

// accumulator maintains running statistics over a stream of cells.
type accumulator struct {
	count int
	total int
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

func newAccumulator() *accumulator {
	acc := &accumulator{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	sketch, err := ddsketch.NewDefaultDDSketch(config.DefaultStatsAccuracy)
	if err == nil {
		acc.sketch = sketch
	}
	return acc
}

func (a *accumulator) add(v float64) {
	a.total++
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	a.count++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	if a.sketch != nil {
		_ = a.sketch.Add(v)
	}
}

func (a *accumulator) result() Stats {
	s := Stats{
		CountValid: a.count,
		CountTotal: a.total,
		Min:        math.NaN(),
		Max:        math.NaN(),
		Mean:       math.NaN(),
		P50:        math.NaN(),
		P90:        math.NaN(),
		P99:        math.NaN(),
	}
	if a.count == 0 {
		return s
	}
	s.Min = a.min
	s.Max = a.max
	s.Mean = a.sum / float64(a.count)

	if a.sketch != nil {
		s.P50 = a.quantile(0.50)
		s.P90 = a.quantile(0.90)
		s.P99 = a.quantile(0.99)
	}
	return s
}

// quantile clamps the sketch estimate into [min, max].
func (a *accumulator) quantile(q float64) float64 {
	v, err := a.sketch.GetValueAtQuantile(q)
	if err != nil {
		return math.NaN()
	}
	return math.Max(a.min, math.Min(a.max, v))
}

// ComputeStats scans values once.
func ComputeStats(values [][]float64) Stats {
	acc := newAccumulator()
	for _, row := range values {
		for _, v := range row {
			acc.add(v)
		}
	}
	return acc.result()
}
