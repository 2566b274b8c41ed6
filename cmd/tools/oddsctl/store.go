package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"odds/internal/db"
	"odds/internal/scheduler"
)

var (
	jobsEmail string
	jobsLimit int
	task      string
	refTime   string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the most recent jobs of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		records, err := repo.ListByEmail(cmd.Context(), jobsEmail, jobsLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, records)
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run a job store maintenance task",
	Long: `maintenance runs fail_stale_jobs, expire_job_results or all. Unlike the
scheduled function it does not take the hourly task lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := maintenancePayload(task, refTime)
		if err != nil {
			return err
		}
		repo, closeDB, err := openRepo(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		svc := scheduler.NewMaintenanceService(repo, cfg.Jobs.JobTimeout+time.Hour, cfg.Jobs.ResultTTL, logger)
		summary, err := svc.Run(cmd.Context(), payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	},
}

func maintenancePayload(task, at string) (scheduler.MaintenancePayload, error) {
	payload := scheduler.MaintenancePayload{Task: scheduler.TaskType(task)}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return payload, fmt.Errorf("reference time: %w", err)
		}
		payload.ReferenceTime = &t
	}
	return payload, nil
}

func openRepo(cmd *cobra.Command) (*db.JobsRepository, func(), error) {
	if cfg.Database.URL.IsZero() {
		return nil, nil, fmt.Errorf("DATABASE_URL is not set")
	}
	pool, err := db.NewPool(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db.NewJobsRepository(pool), pool.Close, nil
}

func init() {
	jobsCmd.Flags().StringVar(&jobsEmail, "email", "", "user email")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")
	_ = jobsCmd.MarkFlagRequired("email")

	maintenanceCmd.Flags().StringVar(&task, "task", string(scheduler.TaskAll), "task to run")
	maintenanceCmd.Flags().StringVar(&refTime, "reference-time", "", "RFC 3339 instant used as now")
}
