// Package scheduler implements the periodic housekeeping of the job store.
//
// EventBridge rules (or an operator through oddsctl) send a MaintenancePayload
// naming the task; Run routes it to the matching service method. Every method
// takes the reference time explicitly so runs are deterministic and can be
// replayed for a past instant.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskType identifies a maintenance task.
type TaskType string

const (
	// TaskFailStaleJobs fails jobs left running by a worker that died.
	TaskFailStaleJobs TaskType = "fail_stale_jobs"
	// TaskExpireResults deletes finished jobs past the result retention.
	TaskExpireResults TaskType = "expire_job_results"
	// TaskAll runs every task above in order.
	TaskAll TaskType = "all"
)

// MaintenancePayload is the event that triggers a maintenance run.
//
//	{
//	  "task": "fail_stale_jobs",
//	  "reference_time": "2026-05-01T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now". If nil, the service clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// MaintenanceDB is the part of the job store housekeeping needs.
// *db.JobsRepository satisfies it.
type MaintenanceDB interface {
	// FailStale marks jobs running since before cutoff as failed.
	FailStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	// DeleteFinishedBefore removes terminal jobs last updated before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintenanceService runs housekeeping tasks against the job store.
type MaintenanceService struct {
	db MaintenanceDB
	// staleAfter is how long a job may stay running. It should exceed the
	// worker's own request timeout.
	staleAfter time.Duration
	retention  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewMaintenanceService creates a service. staleAfter and retention must be
// positive.
func NewMaintenanceService(db MaintenanceDB, staleAfter, retention time.Duration, logger *slog.Logger) *MaintenanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{
		db:         db,
		staleAfter: staleAfter,
		retention:  retention,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// FailStaleJobs fails jobs running for longer than the stale threshold.
func (s *MaintenanceService) FailStaleJobs(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.FailStale(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "failed stale jobs", "count", n, "stale_after", s.staleAfter.String())
	}
	return n, nil
}

// ExpireResults deletes finished jobs older than the retention period.
func (s *MaintenanceService) ExpireResults(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.DeleteFinishedBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("expiring job results: %w", err)
	}
	return n, nil
}

// Run executes the task named by payload and returns a one-line report.
func (s *MaintenanceService) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	now := s.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	s.logger.InfoContext(ctx, "maintenance task started",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	items, err := s.dispatch(ctx, payload.Task, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance task failed",
			"task", string(payload.Task),
			"items_before_error", items,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, items)
	s.logger.InfoContext(ctx, result, "task", string(payload.Task), "items", items)
	return result, nil
}

func (s *MaintenanceService) dispatch(ctx context.Context, task TaskType, now time.Time) (int64, error) {
	switch task {
	case TaskFailStaleJobs:
		return s.FailStaleJobs(ctx, now)
	case TaskExpireResults:
		return s.ExpireResults(ctx, now)
	case TaskAll:
		stale, err := s.FailStaleJobs(ctx, now)
		if err != nil {
			return 0, err
		}
		expired, err := s.ExpireResults(ctx, now)
		return stale + expired, err
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}
