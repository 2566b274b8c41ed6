package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Variable is a climate variable a user can downscale.
type Variable string

const (
	VarPrecipitation Variable = "pr"
	VarTasmax        Variable = "tasmax"
	VarTasmin        Variable = "tasmin"
	VarTasmean       Variable = "tasmean"

	// GroupMultivar is the pseudo-variable grouping indices that need both
	// tasmin and tasmax.
	GroupMultivar Variable = "multivar"
)

// ClimateVariables lists the downscalable variables in display order.
var ClimateVariables = []Variable{VarPrecipitation, VarTasmax, VarTasmin, VarTasmean}

var variableLabels = map[Variable]string{
	VarPrecipitation: "Precipitation",
	VarTasmax:        "Maximum Temperature",
	VarTasmin:        "Minimum Temperature",
	VarTasmean:       "Mean Temperature",
	GroupMultivar:    "Multivariate",
}

var observationNames = map[Variable]string{
	VarPrecipitation: "pr",
	VarTasmax:        "tmax",
	VarTasmin:        "tmin",
	VarTasmean:       "tas",
}

// Valid reports whether v is one of the downscalable variables.
func (v Variable) Valid() bool {
	_, ok := observationNames[v]
	return ok
}

// Label is the human readable name.
func (v Variable) Label() string {
	if l, ok := variableLabels[v]; ok {
		return l
	}
	return string(v)
}

// ObservationName is the variable name used by the observational climatology.
func (v Variable) ObservationName() string {
	return observationNames[v]
}

// ModelProxy is the model variable used to bound and fetch v. Mean
// temperature has no stored model series and is derived from tasmax/tasmin.
func (v Variable) ModelProxy() Variable {
	if v == VarTasmean {
		return VarTasmax
	}
	return v
}

// Dataset is the user-facing driving dataset.
type Dataset string

const (
	DatasetBlend    Dataset = "PCIC-Blend"
	DatasetEnsemble Dataset = "CanDCS"
)

// Internal is the dataset token used in catalog paths and output names.
func (d Dataset) Internal() string {
	switch d {
	case DatasetBlend:
		return "PNWNAmet"
	case DatasetEnsemble:
		return "CMIP6"
	}
	return string(d)
}

// IsEnsemble reports whether the dataset requires model/scenario/period.
func (d Dataset) IsEnsemble() bool { return d == DatasetEnsemble }

// Technique is the user-facing downscaling technique.
type Technique string

const (
	TechniqueUnivariate   Technique = "Univariate"
	TechniqueMultivariate Technique = "Multivariate"
)

// Internal is the technique token used in catalog paths and output names.
func (t Technique) Internal() string {
	switch t {
	case TechniqueUnivariate:
		return "BCCAQv2"
	case TechniqueMultivariate:
		return "MBCn"
	}
	return string(t)
}

// CatalogDir is the top-level catalog directory for the technique.
func (t Technique) CatalogDir() string {
	if t == TechniqueUnivariate {
		return "BCCAQ2"
	}
	return "MBCn"
}

// ModelDir is the per-model catalog directory. Multivariate outputs live in
// a "_10" suffixed directory.
func (t Technique) ModelDir(model string) string {
	if t == TechniqueUnivariate {
		return model
	}
	return model + "_10"
}

// MultiRunModel is the one model with several realizations in the catalog.
const MultiRunModel = "CanESM5"

// CanESM5Runs lists the realization ids r1i1p2f1..r10i1p2f1.
func CanESM5Runs() []string {
	runs := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		runs = append(runs, fmt.Sprintf("r%di1p2f1", i))
	}
	return runs
}

// Option is a label/value pair offered to clients.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Scenarios are the emission scenarios available for the ensemble dataset.
var Scenarios = []Option{
	{Label: "SSP1-2.6", Value: "ssp126"},
	{Label: "SSP2-4.5", Value: "ssp245"},
	{Label: "SSP5-8.5", Value: "ssp585"},
}

// Periods are the selectable projection periods.
var Periods = []string{"1950-2010", "1981-2100", "1950-2100"}

// ValidScenario reports whether s is a known scenario value.
func ValidScenario(s string) bool {
	for _, o := range Scenarios {
		if o.Value == s {
			return true
		}
	}
	return false
}

// ParsePeriod splits "YYYY-YYYY" into its start and end years.
func ParsePeriod(period string) (int, int, error) {
	start, end, ok := strings.Cut(period, "-")
	if !ok {
		return 0, 0, NewAppError(ErrCodeValidationInvalidPeriod, fmt.Sprintf("period %q is not YYYY-YYYY", period), nil)
	}
	y0, err0 := strconv.Atoi(start)
	y1, err1 := strconv.Atoi(end)
	if err0 != nil || err1 != nil || len(start) != 4 || len(end) != 4 {
		return 0, 0, NewAppError(ErrCodeValidationInvalidPeriod, fmt.Sprintf("period %q is not YYYY-YYYY", period), nil)
	}
	if y1 < y0 {
		return 0, 0, NewAppError(ErrCodeValidationInvalidPeriod, fmt.Sprintf("period %q ends before it starts", period), nil)
	}
	return y0, y1, nil
}

// Point is a geographic location in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Rounded returns p rounded to 5 decimal places.
func (p Point) Rounded() Point {
	return Point{Lat: round5(p.Lat), Lon: round5(p.Lon)}
}

// Shift returns p moved by the given deltas, rounded to 5 decimal places.
func (p Point) Shift(dLat, dLon float64) Point {
	return Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}.Rounded()
}

func (p Point) String() string {
	return fmt.Sprintf("(%g, %g)", p.Lat, p.Lon)
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// BoundingBox is an axis-aligned latitude/longitude box.
type BoundingBox struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Contains reports whether p lies inside the box, edges inclusive.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lat >= b.LatMin && p.Lat <= b.LatMax && p.Lon >= b.LonMin && p.Lon <= b.LonMax
}

// Subdomain holds the two boxes centred on the selected point: the
// high-resolution observation box and the larger model box.
type Subdomain struct {
	Obs   BoundingBox `json:"obs"`
	Model BoundingBox `json:"model"`
}

// DatasetSelector identifies a downscaling source.
type DatasetSelector struct {
	Dataset   Dataset   `json:"dataset"`
	Technique Technique `json:"technique,omitempty"`
	Model     string    `json:"model,omitempty"`
	Run       string    `json:"run,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Period    string    `json:"period,omitempty"`
}

// NeedsRun reports whether the selected model requires a realization id.
func (s DatasetSelector) NeedsRun() bool {
	return s.Dataset.IsEnsemble() && s.Model == MultiRunModel
}

// OutputIntent is what the user wants back from a launch.
type OutputIntent string

const (
	IntentIndices   OutputIntent = "indices"
	IntentDownscale OutputIntent = "downscale"
	IntentBoth      OutputIntent = "both"
)

// Valid reports whether i is a known intent.
func (i OutputIntent) Valid() bool {
	return i == IntentIndices || i == IntentDownscale || i == IntentBoth
}

// WantsIndices reports whether indices are computed for this intent.
func (i OutputIntent) WantsIndices() bool { return i == IntentIndices || i == IntentBoth }

// WantsDownscaling reports whether downscaled files are delivered for this intent.
func (i OutputIntent) WantsDownscaling() bool { return i == IntentDownscale || i == IntentBoth }

// JobStatus is the normalized lifecycle state of a remote job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// WPSJobRef identifies a WPS job a launched request submitted, so that it can
// be found again outside the worker running it.
type WPSJobRef struct {
	JobID          string    `json:"job_id"`
	Server         string    `json:"server"`
	Process        string    `json:"process"`
	StatusLocation string    `json:"status_location"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// NoticeLevel is the severity of a user-facing message.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeDanger  NoticeLevel = "danger"
	NoticeLight   NoticeLevel = "light"
)

// Notice is a message surfaced to the wizard user.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// DownscaleRequest is one downscaling job inside a launched request.
type DownscaleRequest struct {
	Variable  Variable        `json:"clim_var"`
	Selector  DatasetSelector `json:"selector"`
	Region    string          `json:"region"`
	Point     Point           `json:"center_point"`
	Subdomain Subdomain       `json:"bounds"`
}

// IndexRequest is one index job inside a launched request.
type IndexRequest struct {
	Name       string   `json:"index_name"`
	Identifier string   `json:"func_name"`
	Group      Variable `json:"variable"`
	Resolution string   `json:"resolution,omitempty"`
	Threshold  string   `json:"threshold,omitempty"`
}

// JobRequest is the payload handed to the task queue at launch.
type JobRequest struct {
	ID            string             `json:"id"`
	OutputIntent  OutputIntent       `json:"output_intent"`
	DownscaleJobs []DownscaleRequest `json:"downscale_jobs"`
	IndexJobs     []IndexRequest     `json:"index_jobs"`
	// PreviousOutputs are completed outputs selected in the session. Index
	// jobs read them alongside the outputs this request downscales.
	PreviousOutputs []string  `json:"previous_outputs,omitempty"`
	UserEmail       string    `json:"user_email"`
	Summary         string    `json:"summary,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// EmailMessage is one plain-text notification.
type EmailMessage struct {
	To          string
	From        string
	Subject     string
	Body        string
	ReferenceID string
}
