package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"odds/internal/core"
	"odds/internal/params"
	"odds/internal/types"
	"odds/internal/wizard"
)

// ModelLister lists the CMIP6 models with downscaled outputs.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// CatalogHandler serves the choices offered by the wizard forms.
type CatalogHandler struct {
	models  ModelLister
	indices *params.IndexTable
	logger  *slog.Logger
}

// NewCatalogHandler creates a CatalogHandler.
func NewCatalogHandler(models ModelLister, indices *params.IndexTable, logger *slog.Logger) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{models: models, indices: indices, logger: logger}
}

// RegisterRoutes mounts /catalog.
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Route("/catalog", func(r chi.Router) {
		r.Get("/models", h.HandleModels)
		r.Get("/options", h.HandleOptions)
	})
}

// HandleModels handles GET /v1/catalog/models.
func (h *CatalogHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.Models(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{
		"models":  models,
		"default": wizard.DefaultModel,
	})
}

type indexOption struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Group       types.Variable `json:"group"`
	Resolutions []string       `json:"resolutions"`
	Threshold   *thresholdView `json:"threshold,omitempty"`
}

type thresholdView struct {
	Label   string   `json:"label"`
	Options []string `json:"options"`
	Default string   `json:"default"`
}

type variableOption struct {
	Value types.Variable `json:"value"`
	Label string         `json:"label"`
}

type optionsResponse struct {
	Datasets    []types.Dataset     `json:"datasets"`
	Techniques  []types.Technique   `json:"techniques"`
	Variables   []variableOption    `json:"variables"`
	Runs        map[string][]string `json:"runs"`
	DefaultRun  string              `json:"default_run"`
	Scenarios   []types.Option      `json:"scenarios"`
	Periods     []string            `json:"periods"`
	Resolutions []string            `json:"resolutions"`
	Months      []string            `json:"months"`
	Seasons     []string            `json:"seasons"`
	MaxIndices  int                 `json:"max_indices"`
	Indices     []indexOption       `json:"indices"`
}

// HandleOptions handles GET /v1/catalog/options: runs, scenarios, periods,
// resolutions and the index catalog.
func (h *CatalogHandler) HandleOptions(w http.ResponseWriter, r *http.Request) {
	resp := optionsResponse{
		Datasets:    []types.Dataset{types.DatasetBlend, types.DatasetEnsemble},
		Techniques:  []types.Technique{types.TechniqueUnivariate, types.TechniqueMultivariate},
		Runs:        map[string][]string{types.MultiRunModel: types.CanESM5Runs()},
		DefaultRun:  wizard.DefaultRun,
		Scenarios:   types.Scenarios,
		Periods:     types.Periods,
		Resolutions: params.Resolutions,
		Months:      params.Months,
		Seasons:     params.Seasons,
		MaxIndices:  params.MaxSelectedIndices,
	}
	for _, v := range types.ClimateVariables {
		resp.Variables = append(resp.Variables, variableOption{Value: v, Label: v.Label()})
	}
	for _, def := range h.indices.All() {
		opt := indexOption{
			ID:          def.ID,
			Name:        def.Name,
			Group:       def.Group,
			Resolutions: def.ResolutionOptions(),
		}
		if def.Threshold != "" {
			if th, ok := h.indices.Threshold(def.Threshold); ok {
				opt.Threshold = &thresholdView{Label: th.Label, Options: th.Options(), Default: th.Default}
			}
		}
		resp.Indices = append(resp.Indices, opt)
	}
	core.JSON(w, r, http.StatusOK, resp)
}
