// Package results collects the downscaled outputs of one session and decides
// which index groups they can feed.
package results

import (
	"fmt"
	"strings"
	"sync"

	"odds/internal/jobs"
	"odds/internal/params"
	"odds/internal/types"
)

// Output is a read-only view of one tracked output.
type Output struct {
	ID          string          `json:"id"`
	Variable    types.Variable  `json:"variable"`
	Status      types.JobStatus `json:"status"`
	URL         string          `json:"url,omitempty"`
	Selected    bool            `json:"selected"`
	Precomputed bool            `json:"precomputed"`
}

type entry struct {
	variable types.Variable
	handle   jobs.Handle
	selected bool
}

func (e *entry) view() Output {
	url, _ := e.handle.Result()
	_, pre := e.handle.(jobs.PrecomputedResult)
	return Output{
		ID:          e.handle.ID(),
		Variable:    e.variable,
		Status:      e.handle.Status(),
		URL:         url,
		Selected:    e.selected,
		Precomputed: pre,
	}
}

func (e *entry) url() string {
	url, ok := e.handle.Result()
	if !ok {
		return ""
	}
	return url
}

// Aggregator holds the outputs of one session keyed by variable. It is safe
// for concurrent use.
type Aggregator struct {
	locs params.Locations

	mu      sync.Mutex
	entries []*entry
}

// New creates an empty aggregator. locs rewrites output URLs into the
// OPeNDAP locations index jobs read from.
func New(locs params.Locations) *Aggregator {
	return &Aggregator{locs: locs}
}

// Track adds a job whose output is variable v.
func (a *Aggregator) Track(v types.Variable, h jobs.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, &entry{variable: v, handle: h})
}

// AddPrevious adds outputs computed in an earlier session. The variable is
// taken from the file-name prefix. URLs already present are skipped; the
// returned slice lists the ones actually added.
func (a *Aggregator) AddPrevious(urls []string) ([]string, error) {
	var bad []string
	for _, u := range urls {
		if !params.VariableOf(strings.TrimSpace(u)).Valid() {
			bad = append(bad, u)
		}
	}
	if len(bad) > 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidVariable,
			"File names must start with pr_, tasmax_, tasmin_ or tasmean_.",
			nil, map[string]any{"urls": bad})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var added []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if a.findLocked(u) != nil {
			continue
		}
		a.entries = append(a.entries, &entry{
			variable: params.VariableOf(u),
			handle:   jobs.PrecomputedResult{URL: u},
		})
		added = append(added, u)
	}
	return added, nil
}

func (a *Aggregator) findLocked(url string) *entry {
	for _, e := range a.entries {
		if e.url() == url {
			return e
		}
	}
	return nil
}

// Outputs lists every tracked output in the order it was added.
func (a *Aggregator) Outputs() []Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Output, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.view())
	}
	return out
}

// Completed lists the outputs that can be selected as index inputs.
func (a *Aggregator) Completed() []Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Output
	for _, e := range a.entries {
		if e.url() != "" {
			out = append(out, e.view())
		}
	}
	return out
}

// Select marks a completed output as an index input, or clears the mark.
func (a *Aggregator) Select(url string, selected bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.findLocked(url)
	if e == nil {
		return types.NewAppError(types.ErrCodeNotFoundOutput,
			fmt.Sprintf("%s is not a completed output of this session", url), nil)
	}
	e.selected = selected
	return nil
}

// SelectAll marks every completed output as selected.
func (a *Aggregator) SelectAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.url() != "" {
			e.selected = true
		}
	}
}

// Selected lists the URLs of the selected completed outputs in the order
// they were added.
func (a *Aggregator) Selected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var urls []string
	for _, e := range a.entries {
		if u := e.url(); e.selected && u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (a *Aggregator) selectedLocked(v types.Variable) []string {
	var urls []string
	for _, e := range a.entries {
		if e.selected && e.variable == v {
			if u := e.url(); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// EnabledGroups lists the index groups the current selection can feed, in
// display order. The multivariate group needs a selected tasmax and tasmin
// pair downscaled with identical parameters.
func (a *Aggregator) EnabledGroups() []types.Variable {
	a.mu.Lock()
	defer a.mu.Unlock()
	var groups []types.Variable
	for _, v := range types.ClimateVariables {
		if len(a.selectedLocked(v)) > 0 {
			groups = append(groups, v)
		}
	}
	if len(a.pairsLocked()) > 0 {
		groups = append(groups, types.GroupMultivar)
	}
	return groups
}

type pair struct{ tasmax, tasmin string }

func (a *Aggregator) pairsLocked() []pair {
	var pairs []pair
	for _, mx := range a.selectedLocked(types.VarTasmax) {
		for _, mn := range a.selectedLocked(types.VarTasmin) {
			if params.SameParameters(mx, mn) {
				pairs = append(pairs, pair{tasmax: mx, tasmin: mn})
			}
		}
	}
	return pairs
}

// IndexInputs returns one input set per index job to run for group: one per
// selected output of that variable, or one per compatible tasmax/tasmin pair.
// URLs are OPeNDAP locations.
func (a *Aggregator) IndexInputs(group types.Variable) ([]map[types.Variable]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if group != types.GroupMultivar {
		urls := a.selectedLocked(group)
		if len(urls) == 0 {
			return nil, noInput(group)
		}
		sets := make([]map[types.Variable]string, 0, len(urls))
		for _, u := range urls {
			sets = append(sets, map[types.Variable]string{group: a.locs.OPeNDAP(u)})
		}
		return sets, nil
	}

	maxes := a.selectedLocked(types.VarTasmax)
	mins := a.selectedLocked(types.VarTasmin)
	if len(maxes) == 0 || len(mins) == 0 {
		return nil, noInput(group)
	}
	pairs := a.pairsLocked()
	if len(pairs) == 0 {
		return nil, params.CheckSameParameters(maxes[0], mins[0])
	}
	sets := make([]map[types.Variable]string, 0, len(pairs))
	for _, p := range pairs {
		sets = append(sets, map[types.Variable]string{
			types.VarTasmin: a.locs.OPeNDAP(p.tasmin),
			types.VarTasmax: a.locs.OPeNDAP(p.tasmax),
		})
	}
	return sets, nil
}

func noInput(group types.Variable) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundOutput,
		fmt.Sprintf("No input file selected for %s indices", group.Label()),
		nil, map[string]any{"variable": string(group)})
}
