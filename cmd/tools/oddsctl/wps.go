package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"odds/internal/external"
	"odds/internal/jobs"
)

const cancelTimeout = 30 * time.Second

var (
	wpsServer  string
	wpsProcess string
	literals   []string
	references []string
)

var wpsCmd = &cobra.Command{
	Use:   "wps",
	Short: "Run WPS processes on chickadee or finch",
}

var wpsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a process, wait for its output and cancel it on interrupt",
	Long: `run submits the process and polls it until it finishes, printing the
output URL. Interrupting a running job asks the server to cancel it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager(wpsServer)
		if err != nil {
			return err
		}
		inputs, err := parseInputs(literals, references)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		job, err := mgr.Submit(ctx, wpsProcess, inputs)
		if err != nil {
			return err
		}
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "submitted %s to %s: %s\n", job.ID(), mgr.Server(), job.StatusLocation())

		w := mgr.Watch(ctx, job, func(cancellable bool) {
			if cancellable {
				fmt.Fprintln(errOut, "job running; interrupt to cancel")
			}
		})
		defer w.Stop()

		url, err := mgr.Wait(ctx, job)
		if err != nil && ctx.Err() != nil && !job.Status().Terminal() {
			cctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			msg, cerr := mgr.Cancel(cctx, job)
			if cerr != nil {
				return fmt.Errorf("interrupted, cancel failed: %w", cerr)
			}
			return fmt.Errorf("interrupted, job %s cancelled: %s", job.ID(), msg)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

func manager(server string) (*jobs.Manager, error) {
	switch server {
	case "chickadee":
		return services().Chickadee, nil
	case "finch":
		return services().Finch, nil
	}
	return nil, fmt.Errorf("unknown WPS server %q (want chickadee or finch)", server)
}

// parseInputs turns id=value pairs into literal inputs and id=url pairs into
// OPeNDAP references. An id may repeat.
func parseInputs(lits, refs []string) ([]external.WPSInput, error) {
	inputs := make([]external.WPSInput, 0, len(lits)+len(refs))
	for _, kv := range lits {
		id, value, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, external.Literal(id, value))
	}
	for _, kv := range refs {
		id, href, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, external.Reference(id, href))
	}
	return inputs, nil
}

func splitPair(kv string) (string, string, error) {
	id, value, ok := strings.Cut(kv, "=")
	if !ok || id == "" {
		return "", "", fmt.Errorf("input %q is not id=value", kv)
	}
	return id, value, nil
}

func init() {
	wpsCmd.AddCommand(wpsRunCmd)

	f := wpsRunCmd.Flags()
	f.StringVar(&wpsServer, "server", "finch", "WPS server (chickadee or finch)")
	f.StringVar(&wpsProcess, "process", "", "process identifier")
	f.StringArrayVar(&literals, "input", nil, "literal input as id=value (repeatable)")
	f.StringArrayVar(&references, "ref", nil, "OPeNDAP reference input as id=url (repeatable)")
	_ = wpsRunCmd.MarkFlagRequired("process")
}
