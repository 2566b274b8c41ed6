package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"odds/internal/types"
)

// JobRecord is one launched request as stored in odds_jobs.
type JobRecord struct {
	ID        string           `json:"id"`
	UserEmail string           `json:"user_email"`
	Request   types.JobRequest `json:"params"`
	Status    types.JobStatus  `json:"status"`
	Error     string           `json:"error,omitempty"`
	Results   string           `json:"results,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// JobsRepository records launched requests and their progress through the
// worker.
type JobsRepository struct {
	db DBTX
}

// NewJobsRepository creates a repository backed by the given pool or
// transaction.
func NewJobsRepository(db DBTX) *JobsRepository {
	return &JobsRepository{db: db}
}

// Create inserts req as a queued job.
func (r *JobsRepository) Create(ctx context.Context, req types.JobRequest) error {
	params, err := json.Marshal(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode job params", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO odds_jobs (id, user_email, params, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		req.ID, req.UserEmail, params, string(types.JobQueued), req.SubmittedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job", err)
	}
	return nil
}

// Position is the number of queued jobs created at or before id, so the
// first job in line is at position 1. A job that already left the queue is
// at position 0.
func (r *JobsRepository) Position(ctx context.Context, id string) (int, error) {
	var pos int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM odds_jobs q
		 JOIN odds_jobs j ON j.id = $1
		 WHERE q.status = 'queued' AND j.status = 'queued'
		   AND (q.created_at, q.id) <= (j.created_at, j.id)`,
		id).Scan(&pos)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to compute queue position", err)
	}
	return pos, nil
}

// Get returns the job record.
func (r *JobsRepository) Get(ctx context.Context, id string) (*JobRecord, error) {
	var (
		rec    JobRecord
		params []byte
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, user_email, params, status, error, results, created_at, updated_at
		 FROM odds_jobs WHERE id = $1`, id).
		Scan(&rec.ID, &rec.UserEmail, &params, &status, &rec.Error, &rec.Results, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load job", err)
	}
	if err := json.Unmarshal(params, &rec.Request); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "job params are corrupt", err)
	}
	rec.Status = types.JobStatus(status)
	return &rec, nil
}

// MarkRunning moves a queued job to running. It reports false when the job
// is not queued, which happens when a message is delivered twice.
func (r *JobsRepository) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE odds_jobs SET status = 'running', updated_at = $2
		 WHERE id = $1 AND status = 'queued'`, id, at)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job running", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish records the terminal status, the error text for failures and the
// result summary mailed to the user.
func (r *JobsRepository) Finish(ctx context.Context, id string, status types.JobStatus, errText, results string, at time.Time) error {
	if !status.Terminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "finish needs a terminal status, got "+string(status), nil)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE odds_jobs SET status = $2, error = $3, results = $4, updated_at = $5
		 WHERE id = $1`, id, string(status), errText, results, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}

// RequestCancel stops a queued job outright and flags a running one for the
// worker. It returns the status the job is left in. Finished jobs are
// ErrCodeConflictJobNotRunning.
func (r *JobsRepository) RequestCancel(ctx context.Context, id string, at time.Time) (types.JobStatus, error) {
	var status string
	err := r.db.QueryRow(ctx,
		`UPDATE odds_jobs SET
		     status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
		     error = CASE WHEN status = 'queued' THEN 'cancelled before it started' ELSE error END,
		     cancel_requested_at = $2, updated_at = $2
		 WHERE id = $1 AND status IN ('queued', 'running')
		 RETURNING status`, id, at).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		rec, gerr := r.Get(ctx, id)
		if gerr != nil {
			return "", gerr
		}
		return "", types.NewAppErrorWithDetails(types.ErrCodeConflictJobNotRunning,
			"The job has already finished.", nil, map[string]any{"status": string(rec.Status)})
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to request cancellation", err)
	}
	return types.JobStatus(status), nil
}

// CancelRequested reports whether a cancel was requested for the job.
func (r *JobsRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRow(ctx,
		`SELECT cancel_requested_at IS NOT NULL FROM odds_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read cancel flag", err)
	}
	return requested, nil
}

// RecordWPSJob remembers a WPS job submitted for the request. Recording the
// same job twice is a no-op.
func (r *JobsRepository) RecordWPSJob(ctx context.Context, requestID string, ref types.WPSJobRef) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO odds_wps_jobs (request_id, wps_job_id, server, process, status_location, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id, wps_job_id) DO NOTHING`,
		requestID, ref.JobID, ref.Server, ref.Process, ref.StatusLocation, ref.SubmittedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record WPS job", err)
	}
	return nil
}

// WPSJobs lists the WPS jobs recorded for the request, oldest first.
func (r *JobsRepository) WPSJobs(ctx context.Context, requestID string) ([]types.WPSJobRef, error) {
	rows, err := r.db.Query(ctx,
		`SELECT wps_job_id, server, process, status_location, submitted_at
		 FROM odds_wps_jobs WHERE request_id = $1
		 ORDER BY submitted_at, wps_job_id`, requestID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list WPS jobs", err)
	}
	defer rows.Close()

	var out []types.WPSJobRef
	for rows.Next() {
		var ref types.WPSJobRef
		if err := rows.Scan(&ref.JobID, &ref.Server, &ref.Process, &ref.StatusLocation, &ref.SubmittedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan WPS job row", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating WPS job rows", err)
	}
	return out, nil
}

// ListByEmail returns the most recent jobs of a user, newest first.
func (r *JobsRepository) ListByEmail(ctx context.Context, email string, limit int) ([]JobRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_email, status, error, results, created_at, updated_at
		 FROM odds_jobs WHERE user_email = $1
		 ORDER BY created_at DESC LIMIT $2`, email, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec    JobRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.UserEmail, &status, &rec.Error, &rec.Results, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", err)
		}
		rec.Status = types.JobStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal jobs last updated before cutoff and
// returns how many were removed.
func (r *JobsRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM odds_jobs
		 WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete finished jobs", err)
	}
	return tag.RowsAffected(), nil
}

// FailStale marks jobs stuck in running since before cutoff as failed. A
// worker that dies mid-job leaves its row running.
func (r *JobsRepository) FailStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE odds_jobs SET status = 'failed', error = 'worker timed out', updated_at = $2
		 WHERE status = 'running' AND updated_at < $1`, cutoff, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire stale jobs", err)
	}
	return tag.RowsAffected(), nil
}
