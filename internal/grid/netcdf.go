package grid

import (
	"context"
	"fmt"
	"reflect"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"odds/internal/types"
)

// NetCDFOpener opens local NetCDF (classic or HDF5-based) files.
type NetCDFOpener struct{}

// Open implements Opener.
func (NetCDFOpener) Open(_ context.Context, path string) (Dataset, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("open %s", path), err)
	}
	return &netcdfDataset{path: path, nc: nc}, nil
}

type netcdfDataset struct {
	path string
	nc   api.Group
}

func (d *netcdfDataset) getter(name string) (api.VarGetter, error) {
	vg, err := d.nc.GetVarGetter(name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("%s: no variable %q", d.path, name), err)
	}
	return vg, nil
}

func (d *netcdfDataset) Shape(name string) ([]int, error) {
	vg, err := d.getter(name)
	if err != nil {
		return nil, err
	}
	shape := vg.Shape()
	out := make([]int, len(shape))
	for i, s := range shape {
		out[i] = int(s)
	}
	return out, nil
}

func (d *netcdfDataset) Attributes(name string) Attributes {
	vg, err := d.nc.GetVarGetter(name)
	if err != nil {
		return Attributes{}
	}
	attrs := vg.Attributes()
	out := make(Attributes)
	for _, key := range attrs.Keys() {
		v, ok := attrs.Get(key)
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr {
			out[key] = Attr{Text: s}
			continue
		}
		out[key] = Attr{Numbers: flatten(reflect.ValueOf(v))}
	}
	return out
}

func (d *netcdfDataset) Values(_ context.Context, name string) ([]float64, error) {
	vg, err := d.getter(name)
	if err != nil {
		return nil, err
	}
	v, err := vg.Values()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("%s: read %q", d.path, name), err)
	}
	return flatten(reflect.ValueOf(v)), nil
}

// Cell slices only the leading dimension, so a 3-D probe reads one time step.
func (d *netcdfDataset) Cell(_ context.Context, name string, index ...int) (float64, bool, error) {
	if len(index) == 0 {
		return 0, false, fmt.Errorf("cell %q: no index", name)
	}
	vg, err := d.getter(name)
	if err != nil {
		return 0, false, err
	}
	slab, err := vg.GetSlice(int64(index[0]), int64(index[0])+1)
	if err != nil {
		return 0, false, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("%s: slice %q", d.path, name), err)
	}
	v := reflect.ValueOf(slab).Index(0)
	for _, i := range index[1:] {
		if v.Kind() != reflect.Slice || i >= v.Len() {
			return 0, false, fmt.Errorf("cell %q: index %v out of range", name, index)
		}
		v = v.Index(i)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false, fmt.Errorf("cell %q: non-numeric type %s", name, v.Type())
	}
	return f, false, nil
}

func (d *netcdfDataset) Close() error {
	d.nc.Close()
	return nil
}

// flatten converts a scalar or (nested) slice of any numeric type to float64s.
func flatten(v reflect.Value) []float64 {
	if f, ok := toFloat(v); ok {
		return []float64{f}
	}
	if v.Kind() != reflect.Slice {
		return nil
	}
	var out []float64
	for i := 0; i < v.Len(); i++ {
		out = append(out, flatten(v.Index(i))...)
	}
	return out
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Interface:
		return toFloat(v.Elem())
	}
	return 0, false
}
