package grid

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odds/internal/types"
)

// fakeDataset is a 3x3 grid over lat 48..50, lon -124..-122.
type fakeDataset struct {
	lats, lons []float64
	shape      []int
	cells      map[[2]int]float64
	flagged    map[[2]int]bool
	attrs      Attributes
	closed     *bool
}

func (f *fakeDataset) Shape(string) ([]int, error) { return f.shape, nil }
func (f *fakeDataset) Attributes(string) Attributes { return f.attrs }
func (f *fakeDataset) Values(_ context.Context, name string) ([]float64, error) {
	if name == "lat" {
		return f.lats, nil
	}
	return f.lons, nil
}
func (f *fakeDataset) Cell(_ context.Context, _ string, index ...int) (float64, bool, error) {
	k := [2]int{index[len(index)-2], index[len(index)-1]}
	return f.cells[k], f.flagged[k], nil
}
func (f *fakeDataset) Close() error {
	if f.closed != nil {
		*f.closed = true
	}
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	datasets map[string]*fakeDataset
	opened   []string
}

func (o *fakeOpener) Open(_ context.Context, location string) (Dataset, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, location)
	ds, ok := o.datasets[location]
	if !ok {
		return nil, errors.New("no such dataset")
	}
	return ds, nil
}

func newGrid(rank int) *fakeDataset {
	shape := []int{3, 3}
	if rank == 3 {
		shape = []int{12, 3, 3}
	}
	return &fakeDataset{
		lats:  []float64{48, 49, 50},
		lons:  []float64{-124, -123, -122},
		shape: shape,
		cells: map[[2]int]float64{
			{0, 0}: 1.0, {0, 1}: 1.0, {0, 2}: 1.0,
			{1, 0}: 1e20, {1, 1}: -9999, {1, 2}: math.NaN(),
			{2, 0}: 1.0, {2, 1}: 1.0, {2, 2}: 1.0,
		},
		flagged: map[[2]int]bool{{2, 2}: true},
		attrs: Attributes{
			"_FillValue":    {Numbers: []float64{1e20}},
			"missing_value": {Numbers: []float64{-9999, -8888}},
		},
	}
}

func TestPointInMask(t *testing.T) {
	for _, rank := range []int{2, 3} {
		opener := &fakeOpener{datasets: map[string]*fakeDataset{"mask.nc": newGrid(rank)}}
		c := NewChecker(opener, nil, nil)
		ctx := context.Background()

		tests := []struct {
			name string
			p    types.Point
			want bool
		}{
			{"unmasked interior", types.Point{Lat: 48.1, Lon: -123.9}, true},
			{"fill value", types.Point{Lat: 49.1, Lon: -124}, false},
			{"missing value", types.Point{Lat: 49, Lon: -123}, false},
			{"nan", types.Point{Lat: 49, Lon: -122.2}, false},
			{"backend mask flag", types.Point{Lat: 49.9, Lon: -122.1}, false},
			{"north of envelope", types.Point{Lat: 50.01, Lon: -123}, false},
			{"west of envelope", types.Point{Lat: 49, Lon: -124.5}, false},
			{"edge is inside", types.Point{Lat: 48, Lon: -124}, true},
		}
		for _, tt := range tests {
			got, err := c.PointInMask(ctx, "mask.nc", "pr", tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "rank %d: %s", rank, tt.name)
		}
	}
}

func TestPointInMask_ClosesDataset(t *testing.T) {
	closed := false
	ds := newGrid(2)
	ds.closed = &closed
	c := NewChecker(&fakeOpener{datasets: map[string]*fakeDataset{"m": ds}}, nil, nil)

	_, err := c.PointInMask(context.Background(), "m", "pr", types.Point{Lat: 48, Lon: -124})
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestPointInMask_BadRank(t *testing.T) {
	ds := newGrid(2)
	ds.shape = []int{9}
	c := NewChecker(&fakeOpener{datasets: map[string]*fakeDataset{"m": ds}}, nil, nil)

	_, err := c.PointInMask(context.Background(), "m", "pr", types.Point{Lat: 48, Lon: -124})
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamDataUnavailable))
}

func TestIsValid_NoCaching(t *testing.T) {
	opener := &fakeOpener{datasets: map[string]*fakeDataset{"bc.nc": newGrid(2)}}
	c := NewChecker(opener, map[string]Reference{RefBC: {Name: RefBC, URL: "bc.nc", Variable: "pr"}}, nil)

	for i := 0; i < 3; i++ {
		_, err := c.IsValid(context.Background(), types.Point{Lat: 48, Lon: -124}, RefBC)
		require.NoError(t, err)
	}
	assert.Len(t, opener.opened, 3)

	_, err := c.IsValid(context.Background(), types.Point{}, "Mars")
	assert.Error(t, err)
}

func TestIsMasked_Precedence(t *testing.T) {
	attrs := Attributes{"_FillValue": {Numbers: []float64{-1}}}
	assert.True(t, IsMasked(-1, false, attrs))
	assert.True(t, IsMasked(math.NaN(), false, nil))
	assert.True(t, IsMasked(3, true, nil))
	assert.False(t, IsMasked(3, false, attrs))
}

func TestDefaultReferences(t *testing.T) {
	refs := DefaultReferences("https://host/dodsC/datasets", "")
	assert.Equal(t, "https://host/dodsC/datasets/storage/data/climate/PRISM/dataportal/pr_monClim_PRISM_historical_run1_198101-201012.nc", refs[RefBC].URL)

	local := DefaultReferences("https://host/dodsC/datasets", "/data/grids")
	assert.Equal(t, "/data/grids/pr_monClim_Canada_mosaic_30arcsec_198101-201012.nc", local[RefCanada].URL)
	assert.True(t, IsLocal(local[RefCanada].URL))
}

type fakeResolver struct {
	urls  map[types.Variable]string
	calls []types.Variable
}

func (r *fakeResolver) ResolveSourceURL(_ context.Context, _ types.DatasetSelector, v types.Variable) (string, error) {
	r.calls = append(r.calls, v)
	return r.urls[v], nil
}

func policyFixture() (*LocationPolicy, *fakeResolver) {
	bc := newGrid(2)
	canada := newGrid(2)
	// BC covers only the southern row.
	bc.cells[[2]int{2, 0}] = 1e20
	opener := &fakeOpener{datasets: map[string]*fakeDataset{
		"bc.nc":     bc,
		"canada.nc": canada,
		"tasmax.nc": newGrid(3),
		"pr.nc":     newGrid(3),
	}}
	checker := NewChecker(opener, map[string]Reference{
		RefBC:     {Name: RefBC, URL: "bc.nc", Variable: "pr"},
		RefCanada: {Name: RefCanada, URL: "canada.nc", Variable: "pr"},
	}, nil)
	res := &fakeResolver{urls: map[types.Variable]string{
		types.VarTasmax:        "tasmax.nc",
		types.VarPrecipitation: "pr.nc",
	}}
	return NewLocationPolicy(checker, res), res
}

func TestLocationPolicy_Apply(t *testing.T) {
	pol, _ := policyFixture()
	ctx := context.Background()

	pl, err := pol.Apply(ctx, types.Point{Lat: 48, Lon: -124})
	require.NoError(t, err)
	assert.True(t, pl.InBC)
	assert.Equal(t, []types.Dataset{types.DatasetBlend, types.DatasetEnsemble}, pl.Datasets())

	pl, err = pol.Apply(ctx, types.Point{Lat: 50, Lon: -124})
	require.NoError(t, err)
	assert.False(t, pl.InBC)
	assert.Equal(t, []types.Dataset{types.DatasetEnsemble}, pl.Datasets())

	_, err = pol.Apply(ctx, types.Point{Lat: 60, Lon: -124})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationPointOutOfBounds))
}

func TestLocationPolicy_InModelGrid(t *testing.T) {
	pol, res := policyFixture()
	ctx := context.Background()
	sel := types.DatasetSelector{Dataset: types.DatasetEnsemble}

	ok, err := pol.InModelGrid(ctx, types.Point{Lat: 48, Lon: -124}, sel,
		[]types.Variable{types.VarTasmax, types.VarTasmean, types.VarPrecipitation})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []types.Variable{types.VarTasmax, types.VarPrecipitation}, res.calls)

	ok, err = pol.InModelGrid(ctx, types.Point{Lat: 49, Lon: -123}, sel, []types.Variable{types.VarTasmean})
	require.NoError(t, err)
	assert.False(t, ok)
}
