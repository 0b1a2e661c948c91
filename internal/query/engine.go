// Package query implements read-only spatial operations over decoded grids:
// nearest-point lookup, bounded downsampling, top-percentile extraction,
// threshold cell listing and axis summaries.
//
// Every operation is pure. Grids are never modified; a downsampled grid is
// a new value.
package query

import (
	"math"

	"github.com/xtxerr/oceangrid/config"
	"github.com/xtxerr/oceangrid/internal/errors"
)

// Limits bounds the parameters accepted by the engine.
type Limits struct {
	MinSamplePoints   int
	MaxSamplePoints   int
	DefaultPercentile float64

	// MaxRingRadius is how far, in cells, Predict looks for a valid
	// neighbour of a missing cell.
	MaxRingRadius int

	MaxCells int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		MinSamplePoints:   config.DefaultMinSamplePoints,
		MaxSamplePoints:   config.DefaultMaxSamplePoints,
		DefaultPercentile: config.DefaultHotspotPercentile,
		MaxRingRadius:     config.DefaultMaxRingRadius,
		MaxCells:          config.DefaultMaxCells,
	}
}

// Engine runs queries under a fixed set of limits. It holds no state
// besides its limits and is safe for concurrent use.
type Engine struct {
	limits Limits
}

// New creates an Engine. Zero fields in l take their defaults.
func New(l Limits) *Engine {
	d := DefaultLimits()
	if l.MinSamplePoints <= 0 {
		l.MinSamplePoints = d.MinSamplePoints
	}
	if l.MaxSamplePoints <= 0 {
		l.MaxSamplePoints = d.MaxSamplePoints
	}
	if l.DefaultPercentile == 0 {
		l.DefaultPercentile = d.DefaultPercentile
	}
	if l.MaxRingRadius < 0 {
		l.MaxRingRadius = 0
	} else if l.MaxRingRadius == 0 {
		l.MaxRingRadius = d.MaxRingRadius
	}
	if l.MaxCells <= 0 {
		l.MaxCells = d.MaxCells
	}
	return &Engine{limits: l}
}

// Limits returns the limits in effect.
func (e *Engine) Limits() Limits {
	return e.limits
}

// usable reports whether a cell value takes part in rankings and cell sets.
// Infinite values are excluded like missing ones, matching grid.Stats.
func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finite(param string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.NewInvalidParameter(param, "must be a finite number, got %v", v)
	}
	return nil
}
