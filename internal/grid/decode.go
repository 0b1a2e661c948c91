package grid

import (
	"fmt"
	"math"
	"strings"

	"github.com/xtxerr/oceangrid/internal/errors"
)

// Decode builds a Grid from src according to desc. Every failure is a
// *errors.LoadError of kind UnreadableFormat or NoVariableDetected.
func Decode(src Source, desc Descriptor) (*Grid, error) {
	vars, err := src.Variables()
	if err != nil {
		return nil, unreadable(desc.Name, "list variables", err)
	}

	latVar, err := findAxis(desc.Name, vars, desc.Axes.Lat, DefaultLatNames, "latitude")
	if err != nil {
		return nil, err
	}
	lonVar, err := findAxis(desc.Name, vars, desc.Axes.Lon, DefaultLonNames, "longitude")
	if err != nil {
		return nil, err
	}
	latDim, lonDim := latVar.Dims[0], lonVar.Dims[0]
	if latDim == lonDim {
		return nil, unreadable(desc.Name, fmt.Sprintf("latitude and longitude share dimension %q", latDim), nil)
	}

	name, err := SelectVariable(desc.Name, vars, desc.Variable, latDim, lonDim, latVar.Name, lonVar.Name)
	if err != nil {
		return nil, err
	}

	lat, err := readAxis(src, desc.Name, latVar.Name)
	if err != nil {
		return nil, err
	}
	lon, err := readAxis(src, desc.Name, lonVar.Name)
	if err != nil {
		return nil, err
	}

	raw, err := src.Read(name)
	if err != nil {
		return nil, unreadable(desc.Name, "read "+name, err)
	}
	values, err := extract(raw, latDim, lonDim, len(lat), len(lon))
	if err != nil {
		return nil, unreadable(desc.Name, name, err)
	}

	units := attrString(raw.Attrs, "units")
	if units == "" {
		units = desc.Units
	}

	g, err := New(desc.Name, name, lat, lon, values)
	if err != nil {
		return nil, unreadable(desc.Name, "shape", err)
	}
	g.Units = units
	g.LongName = attrString(raw.Attrs, "long_name")
	if desc.Bounds != nil {
		g.Bounds = *desc.Bounds
	}
	if desc.Classifier != nil {
		g.Classifier = *desc.Classifier
	}
	return g, nil
}

// findAxis locates a 1-D coordinate variable by configured name or alias.
func findAxis(dataset string, vars []VarInfo, configured string, aliases []string, what string) (VarInfo, error) {
	tryNames := aliases
	if configured != "" {
		tryNames = []string{configured}
	}
	for _, n := range tryNames {
		for _, v := range vars {
			if !strings.EqualFold(v.Name, n) {
				continue
			}
			if len(v.Dims) != 1 {
				return VarInfo{}, unreadable(dataset,
					fmt.Sprintf("%s axis %q has %d dimensions, want 1", what, v.Name, len(v.Dims)), nil)
			}
			return v, nil
		}
	}
	return VarInfo{}, unreadable(dataset,
		fmt.Sprintf("no %s axis (tried %s)", what, strings.Join(tryNames, ", ")), nil)
}

func readAxis(src Source, dataset, name string) ([]float64, error) {
	raw, err := src.Read(name)
	if err != nil {
		return nil, unreadable(dataset, "read axis "+name, err)
	}
	flat, shape, err := flatten(raw.Values)
	if err != nil {
		return nil, unreadable(dataset, "axis "+name, err)
	}
	if len(shape) != 1 || len(flat) == 0 {
		return nil, unreadable(dataset, fmt.Sprintf("axis %s is empty or not 1-D", name), nil)
	}
	for _, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, unreadable(dataset, fmt.Sprintf("axis %s has non-finite coordinates", name), nil)
		}
	}
	return flat, nil
}

// extract reshapes raw into lat × lon, transposing if the file stores
// (lon, lat) and dropping degenerate dimensions. Packed values are unpacked
// and fill values become NaN.
func extract(raw *RawVar, latDim, lonDim string, nlat, nlon int) ([][]float64, error) {
	flat, shape, err := flatten(raw.Values)
	if err != nil {
		return nil, err
	}
	if len(shape) != len(raw.Dims) {
		return nil, fmt.Errorf("%d dimensions declared, %d stored", len(raw.Dims), len(shape))
	}

	latPos, lonPos := -1, -1
	for k, d := range raw.Dims {
		switch {
		case d == latDim:
			latPos = k
		case d == lonDim:
			lonPos = k
		case shape[k] != 1:
			return nil, fmt.Errorf("dimension %s has length %d; only 2-D slices are supported", d, shape[k])
		}
	}
	if latPos < 0 || lonPos < 0 {
		return nil, fmt.Errorf("dimensions %v do not include (%s, %s)", raw.Dims, latDim, lonDim)
	}
	if shape[latPos] != nlat || shape[lonPos] != nlon {
		return nil, fmt.Errorf("shape %v does not match axes (%d, %d)", shape, nlat, nlon)
	}

	// Row-major strides; degenerate dimensions contribute index 0.
	strides := make([]int, len(shape))
	step := 1
	for k := len(shape) - 1; k >= 0; k-- {
		strides[k] = step
		step *= shape[k]
	}

	unpack := newUnpacker(raw.Attrs)
	values := make([][]float64, nlat)
	for i := range values {
		row := make([]float64, nlon)
		for j := range row {
			row[j] = unpack(flat[i*strides[latPos]+j*strides[lonPos]])
		}
		values[i] = row
	}
	return values, nil
}

// newUnpacker returns the CF decoding for a variable: fill and missing
// values map to NaN, everything else to raw*scale_factor + add_offset.
func newUnpacker(attrs map[string]any) func(float64) float64 {
	scale, hasScale := attrFloat(attrs, "scale_factor")
	if !hasScale {
		scale = 1
	}
	offset, _ := attrFloat(attrs, "add_offset")
	fill, hasFill := attrFloat(attrs, "_FillValue")
	missing, hasMissing := attrFloat(attrs, "missing_value")

	return func(raw float64) float64 {
		if math.IsNaN(raw) {
			return raw
		}
		if (hasFill && raw == fill) || (hasMissing && raw == missing) {
			return math.NaN()
		}
		return raw*scale + offset
	}
}

func unreadable(dataset, reason string, err error) error {
	return &errors.LoadError{
		Kind:    errors.KindUnreadableFormat,
		Dataset: dataset,
		Reason:  reason,
		Err:     err,
	}
}
