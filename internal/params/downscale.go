// Package params assembles the payloads of downscaling and index jobs and
// derives their output names.
package params

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"odds/internal/external"
	"odds/internal/types"
)

// Fixed downscaling settings.
const (
	MaxGB            = 0.5
	CalibrationStart = "1981-01-01"
	CalibrationEnd   = "2010-12-31"
	BlendPeriod      = "1945-2012"
	PrecipUnits      = "mm/day"

	// MeanTempProcess is the finch process deriving daily mean temperature
	// from tasmax and tasmin.
	MeanTempProcess = "tg"
	// DownscaleProcess is the chickadee climate imprint process.
	DownscaleProcess = "ci"
)

// Downscaling is the chickadee ci payload.
type Downscaling struct {
	GCMFile    string  `json:"gcm_file"`
	ObsFile    string  `json:"obs_file"`
	GCMVarname string  `json:"gcm_varname"`
	ObsVarname string  `json:"obs_varname"`
	MaxGB      float64 `json:"max_gb"`
	StartDate  string  `json:"start_date"`
	EndDate    string  `json:"end_date"`
	UnitsBool  *bool   `json:"units_bool,omitempty"`
	PrUnits    string  `json:"pr_units,omitempty"`
	OutFile    string  `json:"out_file"`
}

// Sources are the subset URLs a downscaling job reads. For mean temperature
// GCMFile is the output of the tg pre-step.
type Sources struct {
	GCMFile string
	ObsFile string
}

// AssembleDownscaling builds the ci payload for req.
func AssembleDownscaling(req types.DownscaleRequest, src Sources) (Downscaling, error) {
	if err := ValidateDownscale(req); err != nil {
		return Downscaling{}, err
	}
	out, err := OutputFileName(req.Variable, req.Selector, req.Region)
	if err != nil {
		return Downscaling{}, err
	}

	d := Downscaling{
		GCMFile:    src.GCMFile,
		ObsFile:    src.ObsFile,
		GCMVarname: GCMVarname(req.Variable),
		ObsVarname: req.Variable.ObservationName(),
		MaxGB:      MaxGB,
		StartDate:  CalibrationStart,
		EndDate:    CalibrationEnd,
		OutFile:    out,
	}
	if req.Variable == types.VarPrecipitation || req.Variable == types.VarTasmean {
		f := false
		d.UnitsBool = &f
	}
	if req.Variable == types.VarPrecipitation {
		d.PrUnits = PrecipUnits
	}
	return d, nil
}

// GCMVarname is the variable name inside the model input file.
func GCMVarname(v types.Variable) string {
	if v == types.VarTasmean {
		return MeanTempProcess
	}
	return string(v)
}

// ValidateDownscale checks the fields a downscaling job cannot run without.
func ValidateDownscale(req types.DownscaleRequest) error {
	if !req.Variable.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidVariable, fmt.Sprintf("unknown variable %q", req.Variable), nil)
	}
	var missing []string
	if strings.TrimSpace(req.Region) == "" {
		missing = append(missing, "Study Area")
	}
	sel := req.Selector
	if sel.Dataset == "" {
		missing = append(missing, "Dataset")
	}
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
	if len(missing) > 0 {
		return types.NewMissingFieldsError(missing)
	}
	return nil
}

// RegionName normalizes a study area name for file names.
func RegionName(region string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(region)), " ", "-")
}

// OutputFileName derives the downscaled output file name.
func OutputFileName(v types.Variable, sel types.DatasetSelector, region string) (string, error) {
	r := RegionName(region)
	if r == "" {
		return "", types.NewMissingFieldsError([]string{"Study Area"})
	}
	if !sel.Dataset.IsEnsemble() {
		return fmt.Sprintf("%s_%s_%s_%s.nc", v, sel.Dataset.Internal(), BlendPeriod, r), nil
	}
	tokens := []string{string(v), sel.Dataset.Internal(), sel.Technique.Internal(), sel.Model}
	if sel.Model == types.MultiRunModel && sel.Run != "" {
		tokens = append(tokens, sel.Run)
	}
	tokens = append(tokens, sel.Scenario, sel.Period, r)
	return strings.Join(tokens, "_") + ".nc", nil
}

// VariableOf is the variable token of an output file name or URL.
func VariableOf(url string) types.Variable {
	name := path.Base(url)
	v, _, _ := strings.Cut(name, "_")
	return types.Variable(v)
}

// SameParameters reports whether two outputs differ only in their variable
// token.
func SameParameters(a, b string) bool {
	_, pa, okA := strings.Cut(path.Base(a), "_")
	_, pb, okB := strings.Cut(path.Base(b), "_")
	return okA && okB && pa == pb
}

// CheckSameParameters rejects a multivariate input pair whose selectors,
// periods or regions differ.
func CheckSameParameters(a, b string) error {
	if SameParameters(a, b) {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationIncompatibleInput,
		"The selected tasmax and tasmin outputs were downscaled with different parameters.",
		nil, map[string]any{"first": path.Base(a), "second": path.Base(b)})
}

// WPSInputs renders the payload as ci inputs.
func (d Downscaling) WPSInputs() []external.WPSInput {
	in := []external.WPSInput{
		external.Reference("gcm_file", d.GCMFile),
		external.Reference("obs_file", d.ObsFile),
		external.Literal("gcm_varname", d.GCMVarname),
		external.Literal("obs_varname", d.ObsVarname),
		external.Literal("max_gb", strconv.FormatFloat(d.MaxGB, 'f', -1, 64)),
		external.Literal("start_date", d.StartDate),
		external.Literal("end_date", d.EndDate),
	}
	if d.UnitsBool != nil {
		in = append(in, external.Literal("units_bool", strconv.FormatBool(*d.UnitsBool)))
	}
	if d.PrUnits != "" {
		in = append(in, external.Literal("pr_units", d.PrUnits))
	}
	return append(in, external.Literal("out_file", d.OutFile))
}

// MeanTempInputs are the tg inputs for a tasmax subset URL; the tasmin
// subset is the same request with the variable swapped.
func MeanTempInputs(tasmaxSubset string) []external.WPSInput {
	return []external.WPSInput{
		external.Reference("tasmax", tasmaxSubset),
		external.Reference("tasmin", strings.ReplaceAll(tasmaxSubset, "tasmax", "tasmin")),
		external.Literal("output_name", string(types.VarTasmean)),
	}
}

// Locations rewrites WPS output URLs onto the THREDDS server.
type Locations struct {
	// DodsBase is the OPeNDAP dataset root.
	DodsBase string
}

const (
	wpsOutputs  = "wpsoutputs"
	outputsDir  = "/ODDS_outputs"
	dodsSeg     = "dodsC"
	fileSrvrSeg = "fileServer"
)

// OPeNDAP is the location finch reads the output from.
func (l Locations) OPeNDAP(url string) string {
	if _, rest, ok := strings.Cut(url, wpsOutputs); ok {
		return strings.TrimRight(l.DodsBase, "/") + outputsDir + rest
	}
	return strings.Replace(url, fileSrvrSeg, dodsSeg, 1)
}

// FileServer is the download location shared with users.
func (l Locations) FileServer(url string) string {
	if _, rest, ok := strings.Cut(url, wpsOutputs); ok {
		return strings.Replace(strings.TrimRight(l.DodsBase, "/"), dodsSeg, fileSrvrSeg, 1) + outputsDir + rest
	}
	return strings.Replace(url, dodsSeg, fileSrvrSeg, 1)
}
