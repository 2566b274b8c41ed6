package wizard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"odds/internal/params"
	"odds/internal/subset"
	"odds/internal/types"
)

// Ensemble defaults applied when the user switches to it.
const (
	DefaultTechnique = types.TechniqueUnivariate
	DefaultModel     = "ACCESS-CM2"
	DefaultScenario  = "ssp126"
	DefaultPeriod    = "1950-2010"
	DefaultRun       = "r1i1p2f1"
)

var validate = validator.New()

// ParameterUpdate changes region and dataset fields. Nil fields are left as
// they are. Ensemble-only fields are ignored while the blend is selected.
type ParameterUpdate struct {
	Region    *string           `json:"region,omitempty"`
	Dataset   *types.Dataset    `json:"dataset,omitempty" validate:"omitempty,oneof=PCIC-Blend CanDCS"`
	Technique *types.Technique  `json:"technique,omitempty" validate:"omitempty,oneof=Univariate Multivariate"`
	Model     *string           `json:"model,omitempty" validate:"omitempty,min=1"`
	Run       *string           `json:"run,omitempty"`
	Scenario  *string           `json:"scenario,omitempty" validate:"omitempty,oneof=ssp126 ssp245 ssp585"`
	Period    *string           `json:"period,omitempty" validate:"omitempty,oneof=1950-2010 1981-2100 1950-2100"`
	Variables *[]types.Variable `json:"variables,omitempty"`
}

// IndexSelection is one index the user ticked, with its resolution and
// optional threshold.
type IndexSelection struct {
	Index      string `json:"index" validate:"required"`
	Resolution string `json:"resolution"`
	Threshold  string `json:"threshold,omitempty"`
}

func invalidField(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"Invalid value for: "+strings.Join(fields, ", "), err,
			map[string]any{"fields": fields})
	}
	return types.NewAppError(types.ErrCodeValidationInvalidField, err.Error(), err)
}

func validatePoint(p types.Point) error {
	err := validate.Struct(p)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	code, msg := types.ErrCodeValidationInvalidLon, "Longitude must be between -180 and 180."
	if verrs[0].Field() == "Lat" {
		code, msg = types.ErrCodeValidationInvalidLat, "Latitude must be between -90 and 90."
	}
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"lat": p.Lat, "lon": p.Lon})
}

func wrongStep(st *state, want Step) error {
	if st.step == want {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidStep,
		fmt.Sprintf("This is edited on the %s step; the session is on the %s step.", want, st.step),
		nil, map[string]any{"step": st.step.String(), "required_step": want.String()})
}

// SelectPoint records the clicked map point. Points off the Canada grid are
// refused with a warning and no state change. Outside BC the dataset is
// locked to the ensemble.
func (s *Session) SelectPoint(ctx context.Context, p types.Point) error {
	p = p.Rounded()
	if err := validatePoint(p); err != nil {
		return err
	}
	if err := s.update(func(st *state) (bool, error) { return false, wrongStep(st, StepRegion) }); err != nil {
		return err
	}

	placement, err := s.deps.Locator.Apply(ctx, p)
	if err != nil {
		if types.IsCode(err, types.ErrCodeValidationPointOutOfBounds) {
			s.Notify(types.NoticeWarning, "Please select a point within Canada.")
		}
		return err
	}

	return s.update(func(st *state) (bool, error) {
		sub := subset.ComputeSubdomain(p)
		st.point = &p
		st.subdomain = &sub
		st.placement = placement

		inside := placement.InBC
		if !inside {
			if st.selector.Dataset != types.DatasetEnsemble {
				s.setDatasetLocked(st, types.DatasetEnsemble)
			}
			if st.insideBC == nil || *st.insideBC {
				s.notifyLocked(types.NoticeLight, "Outside BC: dataset locked to **CanDCS**.")
			}
		} else if st.insideBC != nil && !*st.insideBC {
			s.notifyLocked(types.NoticeLight, "Back in BC: **PCIC-Blend** is available again.")
		}
		st.insideBC = &inside
		return true, nil
	})
}

// Shift moves the selected point by whole box widths and re-applies the
// location rules.
func (s *Session) Shift(ctx context.Context, latSteps, lonSteps int) error {
	var next types.Point
	err := s.update(func(st *state) (bool, error) {
		if err := wrongStep(st, StepRegion); err != nil {
			return false, err
		}
		if st.point == nil {
			return false, types.NewMissingFieldsError([]string{"Map location"})
		}
		next = subset.Shift(*st.point, latSteps, lonSteps)
		return false, nil
	})
	if err != nil {
		return err
	}
	return s.SelectPoint(ctx, next)
}

// setDatasetLocked switches dataset and tells the user.
func (s *Session) setDatasetLocked(st *state, d types.Dataset) {
	st.selector = datasetDefaults(d)
	s.notifyLocked(types.NoticeInfo, "Dataset changed to: "+string(d))
}

// datasetDefaults is the selector a dataset starts from: the ensemble
// defaults, or no ensemble fields for the blend.
func datasetDefaults(d types.Dataset) types.DatasetSelector {
	if !d.IsEnsemble() {
		return types.DatasetSelector{Dataset: d}
	}
	return types.DatasetSelector{
		Dataset:   d,
		Technique: DefaultTechnique,
		Model:     DefaultModel,
		Scenario:  DefaultScenario,
		Period:    DefaultPeriod,
	}
}

// UpdateParameters applies u atomically: either every field is applied or
// none is.
func (s *Session) UpdateParameters(u ParameterUpdate) error {
	if err := validate.Struct(u); err != nil {
		return invalidField(err)
	}
	var vars []types.Variable
	if u.Variables != nil {
		var err error
		if vars, err = normalizeVariables(*u.Variables); err != nil {
			return err
		}
	}

	return s.update(func(st *state) (bool, error) {
		if err := wrongStep(st, StepRegion); err != nil {
			return false, err
		}
		if u.Dataset != nil && *u.Dataset == types.DatasetBlend && st.point != nil && !st.placement.InBC {
			return false, types.NewAppError(types.ErrCodeValidationPointOutOfBounds,
				"PCIC-Blend only covers British Columbia. Move the point into BC to use it.", nil)
		}

		sel := st.selector
		datasetChanged := u.Dataset != nil && *u.Dataset != sel.Dataset
		if datasetChanged {
			sel = datasetDefaults(*u.Dataset)
		}
		if sel.Dataset.IsEnsemble() {
			if u.Technique != nil {
				sel.Technique = *u.Technique
			}
			if u.Model != nil && *u.Model != sel.Model {
				sel.Model = *u.Model
				sel.Run = ""
				if sel.Model == types.MultiRunModel {
					sel.Run = DefaultRun
				}
			}
			if u.Run != nil {
				switch {
				case sel.Model != types.MultiRunModel && *u.Run != "":
					return false, types.NewAppError(types.ErrCodeValidationInvalidField,
						"A run is only chosen for "+types.MultiRunModel+".", nil)
				case *u.Run != "" && !slices.Contains(types.CanESM5Runs(), *u.Run):
					return false, types.NewAppError(types.ErrCodeValidationInvalidField,
						fmt.Sprintf("Unknown %s run %q.", types.MultiRunModel, *u.Run), nil)
				}
				sel.Run = *u.Run
			}
			if u.Scenario != nil {
				sel.Scenario = *u.Scenario
			}
			if u.Period != nil {
				sel.Period = *u.Period
			}
		}
		if datasetChanged {
			s.notifyLocked(types.NoticeInfo, "Dataset changed to: "+string(sel.Dataset))
		}
		st.selector = sel

		if u.Region != nil {
			st.region = strings.TrimSpace(*u.Region)
		}
		if u.Variables != nil {
			st.variables = vars
			s.pruneIndicesLocked(st)
		}
		return true, nil
	})
}

// normalizeVariables validates vars and returns them deduplicated in
// display order.
func normalizeVariables(vars []types.Variable) ([]types.Variable, error) {
	for _, v := range vars {
		if !v.Valid() {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidVariable,
				fmt.Sprintf("Unknown climate variable %q.", v), nil, map[string]any{"variable": string(v)})
		}
	}
	out := make([]types.Variable, 0, len(vars))
	for _, v := range types.ClimateVariables {
		if slices.Contains(vars, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// indexScopeLocked lists the groups indices may be chosen from: the selected
// variables plus the groups enabled by selected session outputs.
func (s *Session) indexScopeLocked(st *state) []types.Variable {
	scope := inScope(st.variables)
	for _, g := range s.results.EnabledGroups() {
		if !slices.Contains(scope, g) {
			scope = append(scope, g)
		}
	}
	return scope
}

// pruneIndicesLocked drops selected indices whose variable is no longer in
// scope.
func (s *Session) pruneIndicesLocked(st *state) {
	scope := s.indexScopeLocked(st)
	var dropped []string
	kept := st.indices[:0:0]
	for _, idx := range st.indices {
		if slices.Contains(scope, idx.Group) {
			kept = append(kept, idx)
			continue
		}
		dropped = append(dropped, idx.Name)
	}
	st.indices = kept
	if len(dropped) > 0 {
		s.notifyLocked(types.NoticeInfo, "Removed indices no longer in scope: "+strings.Join(dropped, ", "))
	}
}

// SetIntent records what the launch should deliver.
func (s *Session) SetIntent(intent types.OutputIntent) error {
	if !intent.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("Unknown output intent %q.", intent), nil)
	}
	return s.update(func(st *state) (bool, error) {
		if err := wrongStep(st, StepIntent); err != nil {
			return false, err
		}
		st.intent = intent
		return true, nil
	})
}

// SelectIndices replaces the index selection. At most eight indices may be
// chosen, each from a group in scope.
func (s *Session) SelectIndices(sel []IndexSelection) error {
	if len(sel) > params.MaxSelectedIndices {
		msg := fmt.Sprintf("You can select up to %d indices.", params.MaxSelectedIndices)
		s.Notify(types.NoticeWarning, msg)
		return types.NewAppErrorWithDetails(types.ErrCodeValidationTooManyIndices, msg, nil,
			map[string]any{"max": params.MaxSelectedIndices, "selected": len(sel)})
	}
	for _, item := range sel {
		if err := validate.Struct(item); err != nil {
			return invalidField(err)
		}
	}

	return s.update(func(st *state) (bool, error) {
		if err := wrongStep(st, StepIndices); err != nil {
			return false, err
		}
		scope := s.indexScopeLocked(st)
		table := params.Indices()

		reqs := make([]types.IndexRequest, 0, len(sel))
		for _, item := range sel {
			def, ok := table.Lookup(item.Index)
			if !ok {
				return false, types.NewAppError(types.ErrCodeValidationInvalidIndex,
					fmt.Sprintf("Unknown index %q.", item.Index), nil)
			}
			if !slices.Contains(scope, def.Group) {
				return false, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidIndex,
					fmt.Sprintf("%s needs %s, which is not selected.", def.Name, def.Group.Label()),
					nil, map[string]any{"index": def.ID, "variable": string(def.Group)})
			}
			req := types.IndexRequest{
				Name:       def.Name,
				Identifier: def.ID,
				Group:      def.Group,
				Resolution: item.Resolution,
				Threshold:  item.Threshold,
			}
			if req.Resolution == "" {
				req.Resolution = params.Resolutions[0]
			}
			if th, ok := table.Threshold(def.Threshold); ok && req.Threshold == "" {
				req.Threshold = th.Default
			}
			if _, err := table.Assemble(req); err != nil {
				return false, err
			}
			if !slices.Contains(reqs, req) {
				reqs = append(reqs, req)
			}
		}
		st.indices = reqs
		return true, nil
	})
}

// missingRegionFields lists the labels of required step 1 inputs that are
// not set, in display order.
func missingRegionFields(st *state) []string {
	var missing []string
	if st.point == nil {
		missing = append(missing, "Map location")
	}
	if st.region == "" {
		missing = append(missing, "Study Area")
	}
	if len(st.variables) == 0 {
		missing = append(missing, "Climate Variable")
	}
	sel := st.selector
	if sel.Dataset.IsEnsemble() {
		if sel.Technique == "" {
			missing = append(missing, "Technique")
		}
		if sel.Model == "" {
			missing = append(missing, "Model")
		}
		if sel.Scenario == "" {
			missing = append(missing, "Scenario")
		}
		if sel.Period == "" {
			missing = append(missing, "Period")
		}
		if sel.NeedsRun() && sel.Run == "" {
			missing = append(missing, "CanESM5 Run")
		}
	}
	return missing
}

// Continue validates the current step and advances. On a validation failure
// a warning notice is recorded and the step does not change.
func (s *Session) Continue(ctx context.Context) error {
	var (
		check   bool
		version int
		point   types.Point
		sel     types.DatasetSelector
		vars    []types.Variable
	)
	err := s.update(func(st *state) (bool, error) {
		switch st.step {
		case StepAuth:
			if st.identity == nil || !st.identity.Authenticated {
				return false, types.NewAppError(types.ErrCodeAuthSessionMissing, "Please sign in to continue.", nil)
			}
			st.step = StepRegion
			return true, nil

		case StepRegion:
			if missing := missingRegionFields(st); len(missing) > 0 {
				s.notifyLocked(types.NoticeWarning, "⚠️ Please fill: "+strings.Join(missing, ", "))
				return true, types.NewMissingFieldsError(missing)
			}
			if !st.selector.Dataset.IsEnsemble() {
				st.step = StepIntent
				return true, nil
			}
			check, version = true, st.version
			point, sel, vars = *st.point, st.selector, slices.Clone(st.variables)
			return false, nil

		case StepIntent:
			if !st.intent.WantsIndices() {
				st.indices = nil
				st.step = StepSummary
				return true, nil
			}
			s.pruneIndicesLocked(st)
			st.step = StepIndices
			return true, nil

		case StepIndices:
			if st.intent == types.IntentIndices && len(st.indices) == 0 {
				s.notifyLocked(types.NoticeWarning, "⚠️ Please fill: Climate Index")
				return true, types.NewMissingFieldsError([]string{"Climate Index"})
			}
			st.step = StepSummary
			return true, nil
		}
		return false, types.NewAppError(types.ErrCodeValidationInvalidStep, "Use Launch to submit the request.", nil)
	})
	if err != nil || !check {
		return err
	}

	ok, err := s.deps.Locator.InModelGrid(ctx, point, sel, vars)
	if err != nil {
		s.Notify(types.NoticeDanger, "❌ "+userMessage(err))
		return err
	}
	return s.update(func(st *state) (bool, error) {
		if st.version != version {
			return false, types.NewAppError(types.ErrCodeValidationInvalidStep,
				"The session changed while the point was being checked. Please continue again.", nil)
		}
		if !ok {
			s.notifyLocked(types.NoticeWarning, fmt.Sprintf("The selected point is outside the %s model grid. Please choose another point.", sel.Model))
			return true, types.NewAppErrorWithDetails(types.ErrCodeValidationPointOutOfBounds,
				fmt.Sprintf("Point %s is outside the %s grid.", point, sel.Model), nil,
				map[string]any{"lat": point.Lat, "lon": point.Lon, "model": sel.Model})
		}
		st.step = StepIntent
		return true, nil
	})
}

// Back returns to the previous step, skipping index selection when the
// intent excludes indices.
func (s *Session) Back() error {
	return s.update(func(st *state) (bool, error) {
		switch {
		case st.step == StepAuth:
			return false, types.NewAppError(types.ErrCodeValidationInvalidStep, "Already at the first step.", nil)
		case st.step == StepSummary && !st.intent.WantsIndices():
			st.step = StepIntent
		default:
			st.step--
		}
		return true, nil
	})
}

func userMessage(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
