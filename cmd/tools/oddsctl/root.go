package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"odds/internal/config"
	"odds/internal/metrics"
	"odds/internal/platform"
)

var (
	logLevel string

	// cfg holds the configuration loaded by the root pre-run.
	cfg    *config.Config
	logger *slog.Logger

	birdhouse *platform.Birdhouse
)

// RootCmd is the main command.
var RootCmd = &cobra.Command{
	Use:   "oddsctl",
	Short: "Operator tool for the odds downscaling service.",
	Long: `oddsctl runs the steps of an odds request by hand against the configured
Birdhouse deployment and manages the job store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return startup()
	},
}

func init() {
	RootCmd.AddCommand(subdomainCmd, shiftCmd, modelsCmd, resolveCmd, checkCmd, queryCmd, wpsCmd, jobsCmd, maintenanceCmd)

	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr (debug, info, warn, error)")
}

// startup loads the configuration and the stderr logger.
func startup() error {
	c, err := config.LoadConfig(platform.SecretProvider())
	if err != nil {
		return err
	}
	cfg = c
	logger = newLogger(os.Stderr, logLevel)
	return nil
}

// offline replaces the root pre-run for commands that need no configuration.
func offline(cmd *cobra.Command, args []string) error { return nil }

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// services builds the Birdhouse clients on first use.
func services() *platform.Birdhouse {
	if birdhouse == nil {
		birdhouse = platform.NewBirdhouse(cfg, metrics.Noop{}, logger)
	}
	return birdhouse
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
