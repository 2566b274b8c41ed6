// Package main is the entry point for the maintenance Lambda function.
//
// EventBridge rules send a scheduler.MaintenancePayload naming the task. The
// handler takes an hourly lease on the task so overlapping triggers run it
// once, then hands the payload to scheduler.MaintenanceService.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"odds/internal/config"
	"odds/internal/db"
	"odds/internal/platform"
	"odds/internal/scheduler"
)

const (
	// lockTTL covers one Lambda execution with margin.
	lockTTL = 15 * time.Minute
	// staleMargin is added to the worker's job timeout before a running job
	// counts as abandoned.
	staleMargin = time.Hour
)

// Runner executes one maintenance payload.
type Runner interface {
	Run(ctx context.Context, payload scheduler.MaintenancePayload) (string, error)
}

// Locker grants expiring task leases. *db.TaskLocks satisfies it.
type Locker interface {
	Acquire(ctx context.Context, lockID, holder string, now time.Time, ttl time.Duration) (bool, error)
}

// Handler serves maintenance events.
type Handler struct {
	Runner   Runner
	Locks    Locker
	WorkerID string
	Logger   *slog.Logger
	now      func() time.Time
}

// Handle runs payload unless another invocation holds this hour's lease.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	now := time.Now().UTC()
	if h.now != nil {
		now = h.now()
	}
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.Locks.Acquire(ctx, lockID, h.WorkerID, now, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring task lock %s: %w", lockID, err)
	}
	if !acquired {
		h.Logger.InfoContext(ctx, "task lock held by another run", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	return h.Runner.Run(ctx, payload)
}

func main() {
	cfg, err := config.LoadConfig(platform.SecretProvider())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := platform.NewLogger(cfg.LogLevel)

	pool, err := db.NewPool(context.Background(), cfg.Database)
	if err != nil {
		logger.Error("failed to connect to the job store", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := scheduler.NewMaintenanceService(db.NewJobsRepository(pool),
		cfg.Jobs.JobTimeout+staleMargin, cfg.Jobs.ResultTTL, logger)
	handler := &Handler{
		Runner:   svc,
		Locks:    db.NewTaskLocks(pool),
		WorkerID: uuid.NewString(),
		Logger:   logger,
	}
	logger.Info("maintenance Lambda initialized", "worker_id", handler.WorkerID)
	lambda.Start(handler.Handle)
}
