package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"odds/internal/subset"
	"odds/internal/types"
	"odds/internal/worker"
)

var (
	lat, lon     float64
	dLat, dLon   int
	variableName string
	variableList []string
	sel          selectorFlags
)

// selectorFlags are the dataset selector fields shared by several commands.
type selectorFlags struct {
	dataset, technique, model, run, scenario, period string
}

func (s *selectorFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&s.dataset, "dataset", string(types.DatasetEnsemble), "driving dataset (PCIC-Blend or CanDCS)")
	f.StringVar(&s.technique, "technique", string(types.TechniqueUnivariate), "downscaling technique (Univariate or Multivariate)")
	f.StringVar(&s.model, "model", "", "climate model")
	f.StringVar(&s.run, "run", "", "model realization, for models with several runs")
	f.StringVar(&s.scenario, "scenario", "", "emissions scenario")
	f.StringVar(&s.period, "period", "", "period as YYYY-YYYY")
}

func (s *selectorFlags) selector() types.DatasetSelector {
	return types.DatasetSelector{
		Dataset:   types.Dataset(s.dataset),
		Technique: types.Technique(s.technique),
		Model:     s.model,
		Run:       s.run,
		Scenario:  s.scenario,
		Period:    s.period,
	}
}

func parseVariable(name string) (types.Variable, error) {
	v := types.Variable(name)
	if !v.Valid() {
		return "", fmt.Errorf("unknown variable %q", name)
	}
	return v, nil
}

func point() types.Point {
	return types.Point{Lat: lat, Lon: lon}.Rounded()
}

func pointFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude in degrees north")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude in degrees east")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
}

var subdomainCmd = &cobra.Command{
	Use:               "subdomain",
	Short:             "Print the observation and model boxes around a point",
	Args:              cobra.NoArgs,
	PersistentPreRunE: offline,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := point()
		return printJSON(cmd, map[string]any{
			"center_point": p,
			"bounds":       subset.ComputeSubdomain(p),
		})
	},
}

var shiftCmd = &cobra.Command{
	Use:               "shift",
	Short:             "Move a point by whole subdomain steps and print the new subdomain",
	Args:              cobra.NoArgs,
	PersistentPreRunE: offline,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := subset.Shift(point(), dLat, dLon)
		return printJSON(cmd, map[string]any{
			"center_point": p,
			"bounds":       subset.ComputeSubdomain(p),
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models published in the ensemble catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		models, err := services().Resolver.Models(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, models)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the model file of a variable under a dataset selector",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVariable(variableName)
		if err != nil {
			return err
		}
		m, err := services().Resolver.Resolve(cmd.Context(), sel.selector(), v)
		if err != nil {
			return err
		}
		return printJSON(cmd, m)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a point against the reference grids and, with --model, the model grids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		bh := services()
		p := point()

		out := map[string]any{"center_point": p}
		placement, err := bh.Policy.Apply(ctx, p)
		if err != nil && !types.IsCode(err, types.ErrCodeValidationPointOutOfBounds) {
			return err
		}
		out["placement"] = placement
		if err == nil {
			out["datasets"] = placement.Datasets()
		}

		if sel.model != "" {
			vars := make([]types.Variable, 0, len(variableList))
			for _, name := range variableList {
				v, err := parseVariable(name)
				if err != nil {
					return err
				}
				vars = append(vars, v)
			}
			ok, err := bh.Policy.InModelGrid(ctx, p, sel.selector(), vars)
			if err != nil {
				return err
			}
			out["in_model_grid"] = ok
		}
		return printJSON(cmd, out)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the constrained OPeNDAP URLs a downscaling job would read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVariable(variableName)
		if err != nil {
			return err
		}
		bh := services()
		p := point()
		src, err := worker.Subsets(cmd.Context(), bh.Resolver, bh.Opener, types.DownscaleRequest{
			Variable:  v,
			Selector:  sel.selector(),
			Point:     p,
			Subdomain: subset.ComputeSubdomain(p),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]string{
			"gcm_file": src.GCMFile,
			"obs_file": src.ObsFile,
		})
	},
}

func init() {
	pointFlags(subdomainCmd)

	pointFlags(shiftCmd)
	shiftCmd.Flags().IntVar(&dLat, "d-lat", 0, "latitude steps")
	shiftCmd.Flags().IntVar(&dLon, "d-lon", 0, "longitude steps")

	sel.bind(resolveCmd)
	resolveCmd.Flags().StringVar(&variableName, "variable", string(types.VarPrecipitation), "climate variable")

	pointFlags(checkCmd)
	sel.bind(checkCmd)
	checkCmd.Flags().StringSliceVar(&variableList, "variables", []string{string(types.VarPrecipitation)}, "variables whose model grids are checked")

	pointFlags(queryCmd)
	sel.bind(queryCmd)
	queryCmd.Flags().StringVar(&variableName, "variable", string(types.VarPrecipitation), "climate variable")
}
