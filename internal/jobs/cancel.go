package jobs

import (
	"context"
	"log/slog"
	"time"

	"odds/internal/types"
)

// Resume rebuilds a job submitted by another process from its stored
// reference. Its status stays queued until the first Poll.
func (m *Manager) Resume(ref types.WPSJobRef) *LiveJob {
	return &LiveJob{
		process:     ref.Process,
		server:      m.wps.Name(),
		submittedAt: ref.SubmittedAt,
		location:    ref.StatusLocation,
		status:      types.JobQueued,
	}
}

// CancelStore is the request bookkeeping a Canceller needs.
// *db.JobsRepository satisfies it.
type CancelStore interface {
	RequestCancel(ctx context.Context, id string, at time.Time) (types.JobStatus, error)
	WPSJobs(ctx context.Context, requestID string) ([]types.WPSJobRef, error)
}

// CancelResult reports what a Cancel call stopped.
type CancelResult struct {
	// Status is cancelled for a request that never left the queue and
	// running for one whose worker still has to wind down.
	Status    types.JobStatus `json:"status"`
	Cancelled []string        `json:"cancelled_jobs,omitempty"`
	Messages  []string        `json:"messages,omitempty"`
	// Cooldown is how long the servers refuse new submissions.
	Cooldown time.Duration `json:"-"`
}

// Canceller stops launched requests: the request is flagged in the store and
// every WPS job it submitted that is still live is cancelled on its server.
type Canceller struct {
	store    CancelStore
	managers map[string]*Manager
	clock    types.Clock
	logger   *slog.Logger
}

// NewCanceller creates a Canceller over the managers of each WPS server.
func NewCanceller(store CancelStore, clock types.Clock, logger *slog.Logger, managers ...*Manager) *Canceller {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Canceller{store: store, managers: make(map[string]*Manager, len(managers)), clock: clock, logger: logger}
	for _, m := range managers {
		c.managers[m.Server()] = m
	}
	return c
}

// Cancel stops the request requestID. Jobs already finished on their server
// are left alone. The first failed remote cancel is returned after the
// remaining jobs were tried.
func (c *Canceller) Cancel(ctx context.Context, requestID string) (CancelResult, error) {
	logger := c.logger.With("job_id", requestID)

	status, err := c.store.RequestCancel(ctx, requestID, c.clock.Now())
	if err != nil {
		return CancelResult{}, err
	}
	res := CancelResult{Status: status}
	if status != types.JobRunning {
		logger.InfoContext(ctx, "queued request cancelled")
		return res, nil
	}

	refs, err := c.store.WPSJobs(ctx, requestID)
	if err != nil {
		return res, err
	}

	var firstErr error
	for _, ref := range refs {
		m, ok := c.managers[ref.Server]
		if !ok {
			logger.WarnContext(ctx, "no manager for WPS server, job left running", "server", ref.Server, "wps_job_id", ref.JobID)
			continue
		}
		job := m.Resume(ref)
		st, err := m.Poll(ctx, job)
		if err != nil {
			if !types.IsCode(err, types.ErrCodeNotFoundJob) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if st.Terminal() {
			continue
		}
		msg, err := m.Cancel(ctx, job)
		if err != nil {
			logger.WarnContext(ctx, "remote cancel failed", "wps_job_id", ref.JobID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Cancelled = append(res.Cancelled, ref.JobID)
		if msg != "" {
			res.Messages = append(res.Messages, msg)
		}
		res.Cooldown = max(res.Cooldown, m.CooldownRemaining())
	}

	logger.InfoContext(ctx, "running request cancelled", "wps_jobs", len(res.Cancelled))
	if firstErr != nil {
		return res, firstErr
	}
	return res, nil
}
