package params

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"odds/internal/external"
	"odds/internal/types"
)

//go:embed indices.toml
var indicesTOML []byte

// MaxSelectedIndices caps how many indices one launch may request.
const MaxSelectedIndices = 8

// Resolutions offered for every index. Indices with Indexing set also accept
// any of Months or Seasons.
var (
	Resolutions = []string{"Annual", "Monthly", "Seasonal"}
	Months      = []string{
		"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December",
	}
	Seasons = []string{"Winter-DJF", "Spring-MAM", "Summer-JJA", "Fall-SON"}
)

// Threshold is a family of threshold choices such as "1 day".."10 days".
type Threshold struct {
	Label   string `toml:"label" json:"label"`
	Min     int    `toml:"min" json:"min"`
	Max     int    `toml:"max" json:"max"`
	Unit    string `toml:"unit" json:"unit"`
	Single  string `toml:"single" json:"-"`
	Default string `toml:"default" json:"default"`
	// Integer passes the bare number to finch instead of the full string.
	Integer bool `toml:"integer" json:"-"`
}

// Options lists the valid choices in ascending order.
func (t Threshold) Options() []string {
	out := make([]string, 0, t.Max-t.Min+1)
	for i := t.Min; i <= t.Max; i++ {
		if i == 1 && t.Single != "" {
			out = append(out, "1 "+t.Single)
			continue
		}
		out = append(out, fmt.Sprintf("%d %s", i, t.Unit))
	}
	return out
}

// Valid reports whether s is one of the options.
func (t Threshold) Valid(s string) bool {
	for _, o := range t.Options() {
		if o == s {
			return true
		}
	}
	return false
}

// Input binds a finch process input to the downscaled variable feeding it.
type Input struct {
	Name     string         `toml:"name" json:"name"`
	Variable types.Variable `toml:"variable" json:"variable"`
}

// IndexDef describes one finch index process.
type IndexDef struct {
	ID           string            `toml:"id" json:"id"`
	Name         string            `toml:"name" json:"name"`
	Group        types.Variable    `toml:"group" json:"group"`
	Inputs       []Input           `toml:"inputs" json:"inputs"`
	Threshold    string            `toml:"threshold" json:"threshold,omitempty"`
	ParamKey     string            `toml:"param_key" json:"-"`
	OutputPrefix string            `toml:"output_prefix" json:"-"`
	Overrides    map[string]string `toml:"overrides" json:"-"`
	Indexing     bool              `toml:"indexing" json:"-"`
}

// ResolutionOptions lists the resolutions the index accepts.
func (d IndexDef) ResolutionOptions() []string {
	out := append([]string(nil), Resolutions...)
	if d.Indexing {
		out = append(out, Months...)
		out = append(out, Seasons...)
	}
	return out
}

// IndexTable is the parsed index catalog.
type IndexTable struct {
	thresholds map[string]Threshold
	defs       []IndexDef
	byID       map[string]int
}

type tableFile struct {
	Threshold map[string]Threshold `toml:"threshold"`
	Index     []IndexDef           `toml:"index"`
}

// LoadIndexTable parses a TOML index table.
func LoadIndexTable(data []byte) (*IndexTable, error) {
	var f tableFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("decode index table: %w", err)
	}
	t := &IndexTable{thresholds: f.Threshold, defs: f.Index, byID: make(map[string]int, len(f.Index))}
	for i, d := range f.Index {
		if d.ID == "" || d.Name == "" || len(d.Inputs) == 0 {
			return nil, fmt.Errorf("index table entry %d is incomplete", i)
		}
		if _, dup := t.byID[d.ID]; dup {
			return nil, fmt.Errorf("index %q listed twice", d.ID)
		}
		if d.Threshold != "" {
			if _, ok := f.Threshold[d.Threshold]; !ok {
				return nil, fmt.Errorf("index %q uses unknown threshold %q", d.ID, d.Threshold)
			}
		}
		if d.Group != types.GroupMultivar && !d.Group.Valid() {
			return nil, fmt.Errorf("index %q has unknown group %q", d.ID, d.Group)
		}
		t.byID[d.ID] = i
	}
	return t, nil
}

var defaultTable = sync.OnceValues(func() (*IndexTable, error) {
	return LoadIndexTable(indicesTOML)
})

// Indices returns the embedded index table.
func Indices() *IndexTable {
	t, err := defaultTable()
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup finds an index by finch identifier, falling back to display name.
func (t *IndexTable) Lookup(key string) (IndexDef, bool) {
	if i, ok := t.byID[key]; ok {
		return t.defs[i], true
	}
	for _, d := range t.defs {
		if d.Name == key {
			return d, true
		}
	}
	return IndexDef{}, false
}

// All returns every index in table order.
func (t *IndexTable) All() []IndexDef {
	return append([]IndexDef(nil), t.defs...)
}

// Group returns the indices of one variable group in table order.
func (t *IndexTable) Group(g types.Variable) []IndexDef {
	var out []IndexDef
	for _, d := range t.defs {
		if d.Group == g {
			out = append(out, d)
		}
	}
	return out
}

// Threshold returns a named threshold family.
func (t *IndexTable) Threshold(name string) (Threshold, bool) {
	th, ok := t.thresholds[name]
	return th, ok
}

// Thresholds returns every threshold family by name.
func (t *IndexTable) Thresholds() map[string]Threshold {
	out := make(map[string]Threshold, len(t.thresholds))
	for k, v := range t.thresholds {
		out[k] = v
	}
	return out
}

// IndexJob is a fully resolved finch index invocation.
type IndexJob struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Group      types.Variable    `json:"group"`
	Inputs     []Input           `json:"inputs"`
	Params     map[string]string `json:"params"`
	OutputName string            `json:"output_name"`
}

// AssembleIndex resolves req against the embedded table.
func AssembleIndex(req types.IndexRequest) (IndexJob, error) {
	return Indices().Assemble(req)
}

// Assemble maps the resolution to finch freq/month/season inputs and the
// threshold to the index's parameter key, and derives the output name.
func (t *IndexTable) Assemble(req types.IndexRequest) (IndexJob, error) {
	key := req.Identifier
	if key == "" {
		key = req.Name
	}
	def, ok := t.Lookup(key)
	if !ok {
		return IndexJob{}, types.NewAppError(types.ErrCodeValidationInvalidIndex, fmt.Sprintf("unknown index %q", key), nil)
	}

	job := IndexJob{
		Identifier: def.ID,
		Name:       def.Name,
		Group:      def.Group,
		Inputs:     def.Inputs,
		Params:     make(map[string]string),
	}

	suffix, err := applyResolution(def, req.Resolution, job.Params)
	if err != nil {
		return IndexJob{}, err
	}

	var num string
	switch {
	case len(def.Overrides) > 0:
		for k, v := range def.Overrides {
			job.Params[k] = v
		}
	case def.Threshold != "":
		th := t.thresholds[def.Threshold]
		value := req.Threshold
		if value == "" {
			value = th.Default
		}
		if !th.Valid(value) {
			return IndexJob{}, types.NewAppErrorWithDetails(types.ErrCodeValidationThreshold,
				fmt.Sprintf("%s: threshold %q is not one of %s..%s", def.Name, value, th.Options()[0], th.Options()[len(th.Options())-1]),
				nil, map[string]any{"index": def.ID, "threshold": value})
		}
		num, _, _ = strings.Cut(value, " ")
		if th.Integer {
			n, err := strconv.Atoi(num)
			if err != nil {
				return IndexJob{}, types.NewAppError(types.ErrCodeValidationThreshold, "threshold is not a whole number", err)
			}
			job.Params[def.ParamKey] = strconv.Itoa(n)
		} else {
			job.Params[def.ParamKey] = value
		}
	case req.Threshold != "":
		return IndexJob{}, types.NewAppError(types.ErrCodeValidationThreshold, def.Name+" takes no threshold", nil)
	}

	prefix := strings.ReplaceAll(def.ID, "_", "")
	if def.OutputPrefix != "" {
		prefix = strings.ReplaceAll(def.OutputPrefix, "{num}", num)
	}
	job.OutputName = prefix + "_" + suffix
	return job, nil
}

func applyResolution(def IndexDef, resolution string, params map[string]string) (string, error) {
	switch resolution {
	case "":
		return "annual", nil
	case "Annual":
		params["freq"] = "YS"
		return "annual", nil
	case "Monthly":
		params["freq"] = "MS"
		return "monthly", nil
	case "Seasonal":
		params["freq"] = "QS-DEC"
		return "seasonal", nil
	}
	if def.Indexing {
		for i, m := range Months {
			if m == resolution {
				params["freq"] = "YS"
				params["month"] = strconv.Itoa(i + 1)
				return strings.ToLower(m[:3]), nil
			}
		}
		for _, s := range Seasons {
			if s == resolution {
				_, code, _ := strings.Cut(s, "-")
				params["freq"] = "YS"
				params["season"] = code
				return strings.ToLower(code), nil
			}
		}
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidResolution,
		fmt.Sprintf("%s does not support resolution %q", def.Name, resolution), nil,
		map[string]any{"index": def.ID, "resolution": resolution})
}

// WPSInputs binds the job's inputs to OPeNDAP URLs keyed by downscaled
// variable and appends the literal parameters and output name.
func (j IndexJob) WPSInputs(urls map[types.Variable]string) ([]external.WPSInput, error) {
	inputs := make([]external.WPSInput, 0, len(j.Inputs)+len(j.Params)+1)
	for _, in := range j.Inputs {
		u, ok := urls[in.Variable]
		if !ok || u == "" {
			return nil, types.NewAppError(types.ErrCodeNotFoundOutput,
				fmt.Sprintf("%s: no %s input file", j.Name, in.Variable), nil)
		}
		inputs = append(inputs, external.Reference(in.Name, u))
	}
	keys := make([]string, 0, len(j.Params))
	for k := range j.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inputs = append(inputs, external.Literal(k, j.Params[k]))
	}
	inputs = append(inputs, external.Literal("output_name", j.OutputName))
	return inputs, nil
}
