package grid

import (
	"context"
	"fmt"

	"odds/internal/types"
)

// SourceResolver finds the model file for a variable under a selector.
type SourceResolver interface {
	ResolveSourceURL(ctx context.Context, sel types.DatasetSelector, v types.Variable) (string, error)
}

// Placement is where a point falls relative to the reference grids.
type Placement struct {
	InBC     bool `json:"in_bc"`
	InCanada bool `json:"in_canada"`
}

// Datasets lists the datasets selectable at this placement. Outside BC only
// the ensemble covers the point.
func (p Placement) Datasets() []types.Dataset {
	if p.InBC {
		return []types.Dataset{types.DatasetBlend, types.DatasetEnsemble}
	}
	return []types.Dataset{types.DatasetEnsemble}
}

// LocationPolicy decides whether a clicked point is usable: it must be on
// the Canada grid, and the BC grid decides which datasets are offered.
type LocationPolicy struct {
	checker  *Checker
	resolver SourceResolver
}

// NewLocationPolicy creates a policy over checker. resolver is used for model
// grid checks.
func NewLocationPolicy(checker *Checker, resolver SourceResolver) *LocationPolicy {
	return &LocationPolicy{checker: checker, resolver: resolver}
}

// Apply checks p against both reference grids. A point off the Canada grid
// fails with ErrCodeValidationPointOutOfBounds.
func (l *LocationPolicy) Apply(ctx context.Context, p types.Point) (Placement, error) {
	res, err := l.checker.ValidIn(ctx, p, RefCanada, RefBC)
	if err != nil {
		return Placement{}, err
	}
	pl := Placement{InCanada: res[RefCanada], InBC: res[RefBC]}
	if !pl.InCanada {
		return pl, types.NewAppErrorWithDetails(types.ErrCodeValidationPointOutOfBounds,
			fmt.Sprintf("Point %s is outside the available domain.", p), nil,
			map[string]any{"lat": p.Lat, "lon": p.Lon})
	}
	return pl, nil
}

// InModelGrid checks p against the model grid of every variable under sel.
// Mean temperature is checked through its tasmax proxy and each model
// variable is checked once.
func (l *LocationPolicy) InModelGrid(ctx context.Context, p types.Point, sel types.DatasetSelector, vars []types.Variable) (bool, error) {
	seen := make(map[types.Variable]bool)
	for _, v := range vars {
		mv := v.ModelProxy()
		if seen[mv] {
			continue
		}
		seen[mv] = true

		url, err := l.resolver.ResolveSourceURL(ctx, sel, mv)
		if err != nil {
			return false, err
		}
		ok, err := l.checker.PointInMask(ctx, url, string(mv), p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
