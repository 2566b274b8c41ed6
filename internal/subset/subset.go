// Package subset computes the boxes around a selected point and turns them
// into OPeNDAP constraint expressions against a dataset's coordinate arrays.
package subset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"odds/internal/cftime"
	"odds/internal/types"
)

// Box half-widths in degrees. The model box is always the larger one.
const (
	ObsHalfWidth   = 0.25
	ModelHalfWidth = 0.5

	// ShiftStep is how far one d-pad press moves the point.
	ShiftStep = 0.5
)

// ComputeSubdomain returns the observation and model boxes centred on p.
func ComputeSubdomain(p types.Point) types.Subdomain {
	return types.Subdomain{
		Obs:   box(p, ObsHalfWidth),
		Model: box(p, ModelHalfWidth),
	}
}

func box(p types.Point, half float64) types.BoundingBox {
	return types.BoundingBox{
		LatMin: round5(p.Lat - half),
		LatMax: round5(p.Lat + half),
		LonMin: round5(p.Lon - half),
		LonMax: round5(p.Lon + half),
	}
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// Shift moves p by the given number of d-pad steps in each direction.
func Shift(p types.Point, latSteps, lonSteps int) types.Point {
	return p.Shift(float64(latSteps)*ShiftStep, float64(lonSteps)*ShiftStep)
}

// Range is an inclusive index range along one dimension.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	return fmt.Sprintf("[%d:%d]", r.Start, r.End)
}

// Full is the range covering all n entries.
func Full(n int) Range {
	return Range{Start: 0, End: n - 1}
}

// IndexRange returns the indices of the coordinate values nearest to lo and
// hi. Each bound is searched independently and ties resolve to the first
// index. When coords is descending the two indices are swapped so the range
// stays ordered.
func IndexRange(coords []float64, lo, hi float64) (Range, error) {
	if len(coords) == 0 {
		return Range{}, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, "empty coordinate array", nil)
	}
	r := Range{Start: Nearest(coords, lo), End: Nearest(coords, hi)}
	if r.Start > r.End {
		r.Start, r.End = r.End, r.Start
	}
	return r, nil
}

// Nearest returns the index of the coordinate closest to v. Ties resolve to
// the first index. coords must not be empty.
func Nearest(coords []float64, v float64) int {
	diff := make([]float64, len(coords))
	copy(diff, coords)
	floats.AddConst(-v, diff)
	for i, d := range diff {
		diff[i] = math.Abs(d)
	}
	return floats.MinIdx(diff)
}

// TimeMeta is the time coordinate of a dataset together with its CF
// encoding attributes.
type TimeMeta struct {
	Units    string
	Calendar string
	Values   []float64
}

// TimeBounds converts the period "YYYY-YYYY" into numeric bounds in the
// dataset's own units and calendar: Jan 1 of the first year through the last
// day of the final year.
func TimeBounds(meta TimeMeta, period string) (float64, float64, error) {
	cal, err := cftime.ParseCalendar(meta.Calendar)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, err.Error(), err)
	}
	units, err := cftime.ParseUnits(meta.Units)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, err.Error(), err)
	}
	start, end, err := cftime.YearBounds(period, cal)
	if err != nil {
		return 0, 0, err
	}
	return cftime.DateToNum(start, units, cal), cftime.DateToNum(end, units, cal), nil
}

// TimeIndexRange maps a period onto the nearest indices of the time
// coordinate.
func TimeIndexRange(meta TimeMeta, period string) (Range, error) {
	lo, hi, err := TimeBounds(meta, period)
	if err != nil {
		return Range{}, err
	}
	return IndexRange(meta.Values, lo, hi)
}

// ModelQuery is the constraint expression for a model file:
// url?time[t],lat[y],lon[x],var[t][y][x].
func ModelQuery(url, variable string, t, lat, lon Range) string {
	return fmt.Sprintf("%s?time%s,lat%s,lon%s,%s%s%s%s", url, t, lat, lon, variable, t, lat, lon)
}

// ObservationQuery is the constraint expression for an observation
// climatology, which also carries its climatology bounds and projection.
func ObservationQuery(url, variable string, t, lat, lon Range) string {
	return fmt.Sprintf("%s?time%s,lat%s,lon%s,climatology_bounds,crs,%s%s%s%s", url, t, lat, lon, variable, t, lat, lon)
}
