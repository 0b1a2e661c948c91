package grid

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// VarInfo describes one variable of a source without its values.
type VarInfo struct {
	Name  string
	Dims  []string
	Shape []int
}

// RawVar is a variable as stored: nested slices of a numeric type plus its
// attributes.
type RawVar struct {
	VarInfo
	Values any
	Attrs  map[string]any
}

// Source is an opened dataset file.
type Source interface {
	// Variables lists every variable, sorted by name.
	Variables() ([]VarInfo, error)

	// Read returns the variable's values and attributes.
	Read(name string) (*RawVar, error)

	Close()
}

// Opener opens the file at path.
type Opener func(path string) (Source, error)

// OpenNetCDF opens a NetCDF (classic CDF or HDF5-based) file.
func OpenNetCDF(path string) (Source, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	return &netcdfSource{nc: nc, vars: make(map[string]*RawVar)}, nil
}

// netcdfSource reads variables on demand and keeps them for the lifetime
// of the source, so detection and decoding read each variable once.
type netcdfSource struct {
	nc   api.Group
	vars map[string]*RawVar
}

func (s *netcdfSource) Variables() ([]VarInfo, error) {
	names := s.nc.ListVariables()
	sort.Strings(names)

	out := make([]VarInfo, 0, len(names))
	for _, name := range names {
		v, err := s.Read(name)
		if err != nil {
			return nil, err
		}
		out = append(out, v.VarInfo)
	}
	return out, nil
}

func (s *netcdfSource) Read(name string) (*RawVar, error) {
	if v, ok := s.vars[name]; ok {
		return v, nil
	}
	nv, err := s.nc.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	shape := shapeOf(nv.Values)
	if len(shape) != len(nv.Dimensions) {
		// Scalars and strings have no dimensions of their own.
		shape = make([]int, len(nv.Dimensions))
	}
	v := &RawVar{
		VarInfo: VarInfo{Name: name, Dims: nv.Dimensions, Shape: shape},
		Values:  nv.Values,
		Attrs:   attributes(nv.Attributes),
	}
	s.vars[name] = v
	return v, nil
}

func (s *netcdfSource) Close() {
	s.nc.Close()
}

func attributes(am api.AttributeMap) map[string]any {
	out := make(map[string]any)
	if am == nil {
		return out
	}
	for _, k := range am.Keys() {
		if v, ok := am.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// Reflection helpers
// =============================================================================

// shapeOf returns the dimensions of a nested numeric slice. A non-slice
// value has shape [].
func shapeOf(values any) []int {
	var shape []int
	rv := reflect.ValueOf(values)
	for rv.IsValid() && rv.Kind() == reflect.Slice {
		shape = append(shape, rv.Len())
		if rv.Len() == 0 {
			break
		}
		rv = rv.Index(0)
	}
	return shape
}

// flatten copies a nested numeric slice into row-major order and returns it
// with its shape. Ragged or non-numeric input is an error.
func flatten(values any) ([]float64, []int, error) {
	shape := shapeOf(values)
	n := 1
	for _, d := range shape {
		n *= d
	}
	out := make([]float64, 0, n)
	if err := appendFlat(&out, reflect.ValueOf(values), shape); err != nil {
		return nil, nil, err
	}
	return out, shape, nil
}

func appendFlat(out *[]float64, rv reflect.Value, shape []int) error {
	if len(shape) == 0 {
		f, ok := toFloat(rv)
		if !ok {
			return fmt.Errorf("non-numeric element of type %s", rv.Type())
		}
		*out = append(*out, f)
		return nil
	}
	if rv.Kind() != reflect.Slice || rv.Len() != shape[0] {
		return fmt.Errorf("ragged array: expected %d elements", shape[0])
	}
	for i := 0; i < rv.Len(); i++ {
		if err := appendFlat(out, rv.Index(i), shape[1:]); err != nil {
			return err
		}
	}
	return nil
}

func toFloat(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Interface:
		if rv.IsNil() {
			return 0, false
		}
		return toFloat(rv.Elem())
	default:
		return 0, false
	}
}

// attrFloat reads a numeric attribute. Single-element arrays are accepted.
func attrFloat(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return 0, false
		}
		rv = rv.Index(0)
	}
	return toFloat(rv)
}

// attrString reads a text attribute.
func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
