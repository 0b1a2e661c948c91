package testing

import (
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

// Var describes one variable of a NetCDF fixture.
type Var struct {
	Dims   []string
	Values any // []float32, [][]float32, [][][]int16, ...
	Attrs  map[string]any
}

// Fixture is a NetCDF file layout. Axis variables are written first, in
// the order of AxisNames, then the remaining variables sorted by name.
type Fixture struct {
	AxisNames []string
	Vars      map[string]Var
}

// WriteNetCDF writes fx as a classic CDF file under the test's temp dir and
// returns the path.
func WriteNetCDF(t *testing.T, name string, fx Fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)

	cw, err := cdf.OpenWriter(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	names := make([]string, 0, len(fx.Vars))
	for n := range fx.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	order := append([]string(nil), fx.AxisNames...)
	for _, n := range names {
		if !contains(fx.AxisNames, n) {
			order = append(order, n)
		}
	}

	for _, n := range order {
		v, ok := fx.Vars[n]
		if !ok {
			continue
		}
		attrs, err := orderedAttrs(v.Attrs)
		if err != nil {
			t.Fatalf("attributes of %s: %v", n, err)
		}
		err = cw.AddVar(n, api.Variable{
			Values:     v.Values,
			Dimensions: v.Dims,
			Attributes: attrs,
		})
		if err != nil {
			t.Fatalf("add var %s: %v", n, err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return path
}

// HabitatFixture is a small lat/lon grid of H_index values in [0, 1] with
// one missing cell at (0, 0).
func HabitatFixture(lat, lon []float32) Fixture {
	values := make([][]float32, len(lat))
	for i := range lat {
		values[i] = make([]float32, len(lon))
		for j := range lon {
			values[i][j] = float32(i*len(lon)+j) / float32(len(lat)*len(lon))
		}
	}
	values[0][0] = float32(math.NaN())

	return Fixture{
		AxisNames: []string{"lat", "lon"},
		Vars: map[string]Var{
			"lat": {Dims: []string{"lat"}, Values: lat, Attrs: map[string]any{"units": "degrees_north"}},
			"lon": {Dims: []string{"lon"}, Values: lon, Attrs: map[string]any{"units": "degrees_east"}},
			"H_index": {
				Dims:   []string{"lat", "lon"},
				Values: values,
				Attrs:  map[string]any{"units": "1", "long_name": "Habitat suitability index"},
			},
		},
	}
}

// Axis returns n evenly spaced values starting at start.
func Axis(start, step float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + step*float32(i)
	}
	return out
}

func orderedAttrs(m map[string]any) (api.AttributeMap, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return util.NewOrderedMap(keys, m)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
