// Package catalog resolves dataset selectors to remote source files by
// reading THREDDS HTML catalog listings.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"odds/internal/external"
	"odds/internal/types"
)

const maxListing = 8 << 20

// excluded are listing entries that are never data directories or files.
var excluded = map[string]bool{
	"AgroClimate/":          true,
	"CMIP6_BCCAQv2":         true,
	"CWEC2020_Factors/":     true,
	"Degree_Climatologies/": true,
	"Ensemble_Averages/":    true,
	"nobackup/":             true,
	"--":                    true,
	"":                      true,
}

// Options tunes catalog access.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	// StrictMatch fails resolution when more than one entry matches instead
	// of taking the first.
	StrictMatch bool
}

// Resolver finds source files for downscaling.
type Resolver struct {
	base        *external.BaseClient
	limiter     *rate.Limiter
	dodsBase    string
	catalogBase string
	strict      bool
	logger      *slog.Logger
}

// NewResolver creates a Resolver. dodsBase is the OPeNDAP dataset root and
// catalogBase the HTML catalog root of the same THREDDS server.
func NewResolver(base *external.BaseClient, dodsBase, catalogBase string, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Resolver{
		base:        base,
		limiter:     rate.NewLimiter(limit, burst),
		dodsBase:    strings.TrimRight(dodsBase, "/"),
		catalogBase: strings.TrimRight(catalogBase, "/"),
		strict:      opts.StrictMatch,
		logger:      logger,
	}
}

// ObservationURL is the PRISM 1981-2010 monthly climatology for v.
func (r *Resolver) ObservationURL(v types.Variable) string {
	return fmt.Sprintf("%s/storage/data/climate/PRISM/dataportal/%s_monClim_PRISM_historical_run1_198101-201012.nc",
		r.dodsBase, v.ObservationName())
}

// BlendURL is the reference blend file for v. No listing is consulted.
func (r *Resolver) BlendURL(v types.Variable) string {
	return fmt.Sprintf("%s/storage/data/projects/dataportal/data/vic-gen2-forcing/PNWNAmet_%s_invert_lat.nc",
		r.dodsBase, v.ModelProxy())
}

func ensembleDir(sel types.DatasetSelector) string {
	return fmt.Sprintf("storage/data/climate/downscale/%s/CMIP6_%s/%s",
		sel.Technique.CatalogDir(), sel.Technique.Internal(), sel.Technique.ModelDir(sel.Model))
}

// Match is the outcome of matching a listing against a selector.
type Match struct {
	URL        string   `json:"url"`
	Candidates []string `json:"candidates"`
}

// ResolveSourceURL returns the model file for v under sel. Mean temperature
// resolves to its tasmax proxy.
func (r *Resolver) ResolveSourceURL(ctx context.Context, sel types.DatasetSelector, v types.Variable) (string, error) {
	m, err := r.Resolve(ctx, sel, v)
	if err != nil {
		return "", err
	}
	return m.URL, nil
}

// Resolve is ResolveSourceURL with every matching candidate reported. The
// first listed match wins; several matches are logged, or rejected with
// ErrCodeConflictAmbiguousSource in strict mode.
func (r *Resolver) Resolve(ctx context.Context, sel types.DatasetSelector, v types.Variable) (Match, error) {
	mv := v.ModelProxy()
	if !sel.Dataset.IsEnsemble() {
		u := r.BlendURL(mv)
		return Match{URL: u, Candidates: []string{u}}, nil
	}
	if err := checkSelector(sel); err != nil {
		return Match{}, err
	}

	dir := ensembleDir(sel)
	entries, err := r.Listing(ctx, r.catalogBase+"/"+dir+"/catalog.html")
	if err != nil {
		return Match{}, err
	}

	var names []string
	for _, name := range entries {
		if excluded[name] || strings.HasSuffix(name, "/") {
			continue
		}
		if !strings.Contains(name, string(mv)) || !strings.Contains(name, sel.Scenario) {
			continue
		}
		if sel.NeedsRun() && !strings.Contains(name, sel.Run) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return Match{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSourceFile,
			fmt.Sprintf("No CMIP6 file for var=%s, scenario=%s, model=%s, tech=%s.", mv, sel.Scenario, sel.Model, sel.Technique.Internal()),
			nil, map[string]any{"variable": string(mv), "model": sel.Model, "scenario": sel.Scenario})
	}

	m := Match{Candidates: make([]string, len(names))}
	for i, name := range names {
		m.Candidates[i] = r.dodsBase + "/" + dir + "/" + name
	}
	m.URL = m.Candidates[0]

	if len(names) > 1 {
		if r.strict {
			return m, types.NewAppErrorWithDetails(types.ErrCodeConflictAmbiguousSource,
				fmt.Sprintf("%d files match var=%s, scenario=%s, model=%s", len(names), mv, sel.Scenario, sel.Model),
				nil, map[string]any{"candidates": names})
		}
		r.logger.WarnContext(ctx, "ambiguous catalog match, using first listed",
			"variable", string(mv),
			"model", sel.Model,
			"scenario", sel.Scenario,
			"candidates", names,
		)
	}
	return m, nil
}

func checkSelector(sel types.DatasetSelector) error {
	var missing []string
	if sel.Technique == "" {
		missing = append(missing, "Downscaling Technique")
	}
	if sel.Model == "" {
		missing = append(missing, "Model")
	}
	if sel.Scenario == "" {
		missing = append(missing, "Emission Scenario")
	}
	if sel.NeedsRun() && sel.Run == "" {
		missing = append(missing, "Run")
	}
	if len(missing) > 0 {
		return types.NewMissingFieldsError(missing)
	}
	return nil
}

// Models lists the CMIP6 models that have downscaled outputs, sorted.
func (r *Resolver) Models(ctx context.Context) ([]string, error) {
	entries, err := r.Listing(ctx, r.catalogBase+"/storage/data/climate/downscale/BCCAQ2/CMIP6_BCCAQv2/catalog.html")
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range entries {
		if excluded[e] || !strings.HasSuffix(e, "/") {
			continue
		}
		models = append(models, strings.TrimSuffix(e, "/"))
	}
	sort.Strings(models)
	return models, nil
}

// Listing fetches a catalog page and returns its entries in listing order.
func (r *Resolver) Listing(ctx context.Context, url string) ([]string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCatalogUnavailable, "rate limit wait canceled", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create catalog request", err)
	}
	resp, err := r.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCatalogUnavailable, "catalog request failed: "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamCatalogUnavailable,
			fmt.Sprintf("catalog %s returned %d", url, resp.StatusCode), nil,
			map[string]any{"status_code": resp.StatusCode})
	}

	entries, err := ParseListing(io.LimitReader(resp.Body, maxListing))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCatalogUnavailable, "failed to parse catalog listing", err)
	}
	r.logger.DebugContext(ctx, "catalog listing", "url", url, "entries", len(entries))
	return entries, nil
}

// ParseListing returns the trimmed text of every <tt> element in document
// order. Empty and "--" entries are dropped.
func ParseListing(body io.Reader) ([]string, error) {
	z := html.NewTokenizer(body)
	var (
		out   []string
		depth int
		text  strings.Builder
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return out, nil
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "tt" {
				if depth == 0 {
					text.Reset()
				}
				depth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "tt" && depth > 0 {
				depth--
				if depth == 0 {
					entry := strings.TrimSpace(text.String())
					if entry != "" && entry != "--" {
						out = append(out, entry)
					}
				}
			}
		case html.TextToken:
			if depth > 0 {
				text.Write(z.Text())
			}
		}
	}
}
