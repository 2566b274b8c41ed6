package grid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"odds/internal/subset"
	"odds/internal/types"
)

// Names of the reference grids a point can be checked against.
const (
	RefBC     = "BC"
	RefCanada = "Canada"
)

// Reference is a dataset whose masked cells mark invalid locations.
type Reference struct {
	Name     string
	URL      string
	Variable string
}

// DefaultReferences builds the BC (PRISM) and Canada mosaic references under
// the given OPeNDAP root. When localDir is set the files are read from there
// instead, by their remote file names.
func DefaultReferences(dodsBase, localDir string) map[string]Reference {
	refs := map[string]Reference{
		RefBC: {
			Name:     RefBC,
			URL:      dodsBase + "/storage/data/climate/PRISM/dataportal/pr_monClim_PRISM_historical_run1_198101-201012.nc",
			Variable: "pr",
		},
		RefCanada: {
			Name:     RefCanada,
			URL:      dodsBase + "/storage/data/climate/observations/gridded/Canada_mosaic_30arcsec/pr_monClim_Canada_mosaic_30arcsec_198101-201012.nc",
			Variable: "pr",
		},
	}
	if localDir != "" {
		for k, r := range refs {
			r.URL = path.Join(localDir, path.Base(r.URL))
			refs[k] = r
		}
	}
	return refs
}

// Checker tests points against reference grids. Every call opens and closes
// its datasets; nothing is cached.
type Checker struct {
	opener Opener
	refs   map[string]Reference
	logger *slog.Logger
}

// NewChecker creates a Checker over the named references.
func NewChecker(opener Opener, refs map[string]Reference, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{opener: opener, refs: refs, logger: logger}
}

// IsValid reports whether p falls on an unmasked cell of the named grid.
func (c *Checker) IsValid(ctx context.Context, p types.Point, ref string) (bool, error) {
	r, ok := c.refs[ref]
	if !ok {
		return false, fmt.Errorf("unknown reference grid %q", ref)
	}
	return c.PointInMask(ctx, r.URL, r.Variable, p)
}

// ValidIn checks p against several grids concurrently.
func (c *Checker) ValidIn(ctx context.Context, p types.Point, refs ...string) (map[string]bool, error) {
	results := make([]bool, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			ok, err := c.IsValid(gctx, p, ref)
			if err != nil {
				return err
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(refs))
	for i, ref := range refs {
		out[ref] = results[i]
	}
	return out, nil
}

// PointInMask opens location and tests p against variable. The point must lie
// inside the lat/lon envelope, and the nearest cell (independently per axis)
// must not be masked. 3-D variables are probed at time index 0.
func (c *Checker) PointInMask(ctx context.Context, location, variable string, p types.Point) (bool, error) {
	ds, err := c.opener.Open(ctx, location)
	if err != nil {
		return false, err
	}
	defer ds.Close()

	lats, err := ds.Values(ctx, "lat")
	if err != nil {
		return false, err
	}
	lons, err := ds.Values(ctx, "lon")
	if err != nil {
		return false, err
	}
	if len(lats) == 0 || len(lons) == 0 {
		return false, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, location+": empty coordinates", nil)
	}

	if p.Lat < floats.Min(lats) || p.Lat > floats.Max(lats) || p.Lon < floats.Min(lons) || p.Lon > floats.Max(lons) {
		return false, nil
	}

	latIdx := subset.Nearest(lats, p.Lat)
	lonIdx := subset.Nearest(lons, p.Lon)

	shape, err := ds.Shape(variable)
	if err != nil {
		return false, err
	}
	var index []int
	switch len(shape) {
	case 2:
		index = []int{latIdx, lonIdx}
	case 3:
		index = []int{0, latIdx, lonIdx}
	default:
		return false, types.NewAppError(types.ErrCodeUpstreamDataUnavailable,
			fmt.Sprintf("%s: variable %q has rank %d, want 2 or 3", location, variable, len(shape)), nil)
	}

	value, masked, err := ds.Cell(ctx, variable, index...)
	if err != nil {
		return false, err
	}
	valid := !IsMasked(value, masked, ds.Attributes(variable))
	c.logger.DebugContext(ctx, "grid probe",
		"location", path.Base(location),
		"lat_index", latIdx,
		"lon_index", lonIdx,
		"valid", valid,
	)
	return valid, nil
}

// IsMasked applies the mask precedence: _FillValue, then missing_value
// (scalar or list), then NaN, then the backend's own mask flag.
func IsMasked(value float64, flagged bool, attrs Attributes) bool {
	if fv, ok := attrs["_FillValue"]; ok {
		for _, f := range fv.Numbers {
			if value == f {
				return true
			}
		}
	}
	if mv, ok := attrs["missing_value"]; ok {
		for _, m := range mv.Numbers {
			if value == m {
				return true
			}
		}
	}
	if math.IsNaN(value) {
		return true
	}
	return flagged
}
