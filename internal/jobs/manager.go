package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"odds/internal/external"
	"odds/internal/metrics"
	"odds/internal/types"
)

const queueFullText = "Maximum number of processes in queue reached"

// Config tunes a Manager. Zero durations take the defaults below.
type Config struct {
	PollInterval   time.Duration // default 3s
	PollTimeout    time.Duration // default 6h
	CancelCooldown time.Duration // default 45s
	WatchInterval  time.Duration // default 1s
	Clock          types.Clock
	Metrics        metrics.Recorder
	Logger         *slog.Logger
}

// Manager submits, polls and cancels jobs on one WPS server.
type Manager struct {
	wps      external.WPS
	interval time.Duration
	timeout  time.Duration
	cooldown time.Duration
	watchInt time.Duration
	clock    types.Clock
	metrics  metrics.Recorder
	logger   *slog.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewManager creates a Manager for wps.
func NewManager(wps external.WPS, cfg Config) *Manager {
	m := &Manager{
		wps:      wps,
		interval: cfg.PollInterval,
		timeout:  cfg.PollTimeout,
		cooldown: cfg.CancelCooldown,
		watchInt: cfg.WatchInterval,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if m.interval <= 0 {
		m.interval = 3 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 6 * time.Hour
	}
	if m.cooldown <= 0 {
		m.cooldown = 45 * time.Second
	}
	if m.watchInt <= 0 {
		m.watchInt = time.Second
	}
	if m.clock == nil {
		m.clock = types.RealClock{}
	}
	if m.metrics == nil {
		m.metrics = metrics.Noop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("wps", wps.Name())
	return m
}

// Server is the WPS server label.
func (m *Manager) Server() string { return m.wps.Name() }

// CooldownRemaining is how long submissions stay refused after a cancel.
func (m *Manager) CooldownRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.cooldownUntil.Sub(m.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Submit executes process. It is refused during a cancel cooldown. A full
// remote queue is reported as ErrCodeUpstreamQueueFull; other failures keep
// their classification or become ErrCodeInternalUnexpected with the raw text.
func (m *Manager) Submit(ctx context.Context, process string, inputs []external.WPSInput) (*LiveJob, error) {
	if left := m.CooldownRemaining(); left > 0 {
		secs := int(left.Round(time.Second) / time.Second)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictCooldown,
			fmt.Sprintf("A job was just cancelled. Please wait %d seconds before submitting again.", secs),
			nil, map[string]any{"retry_after_seconds": secs})
	}

	exec, err := m.wps.Execute(ctx, process, inputs)
	if err != nil {
		err = ClassifySubmitError(err)
		if types.IsCode(err, types.ErrCodeUpstreamQueueFull) {
			m.metrics.RecordQueueFull(ctx, process)
		}
		m.logger.WarnContext(ctx, "WPS submission failed",
			"process", process,
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		return nil, err
	}

	job := newLiveJob(m.wps.Name(), process, exec, m.clock.Now())
	m.metrics.RecordSubmitted(ctx, process)
	m.logger.InfoContext(ctx, "job submitted",
		"process", process,
		"job_id", job.ID(),
		"status", string(job.Status()),
	)
	return job, nil
}

// ClassifySubmitError maps an Execute failure onto the error taxonomy.
func ClassifySubmitError(err error) error {
	text := err.Error()
	if strings.Contains(text, "ServerBusy") && strings.Contains(text, queueFullText) {
		return types.NewAppError(types.ErrCodeUpstreamQueueFull,
			"The processing queue is currently full. Your job cannot be submitted at this time. Please wait for jobs to complete and try again.",
			err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected,
		"An unexpected error occurred during submission: "+text, err)
}

// Poll fetches the job's status document once and applies it.
func (m *Manager) Poll(ctx context.Context, job *LiveJob) (types.JobStatus, error) {
	if s := job.Status(); s.Terminal() {
		return s, nil
	}
	exec, err := m.wps.Status(ctx, job.StatusLocation())
	if err != nil {
		return job.Status(), err
	}
	prev := job.Status()
	status := job.update(exec)
	if status != prev {
		m.logger.InfoContext(ctx, "job status changed",
			"job_id", job.ID(),
			"process", job.Process(),
			"from", string(prev),
			"to", string(status),
		)
		if status.Terminal() {
			m.metrics.RecordOutcome(ctx, job.Process(), status, m.clock.Now().Sub(job.SubmittedAt()))
		}
	}
	return status, nil
}

// Wait polls at the fixed interval until the job is terminal and returns its
// output URL. Failure and cancellation are ErrCodeUpstreamJobFailed; running
// past the poll timeout is ErrCodeUpstreamJobTimeout.
func (m *Manager) Wait(ctx context.Context, job *LiveJob) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	op := func() error {
		status, err := m.Poll(ctx, job)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundJob) {
				return backoff.Permanent(err)
			}
			m.logger.WarnContext(ctx, "status poll failed, will retry", "job_id", job.ID(), "error", err)
			return err
		}
		if !status.Terminal() {
			return errNotDone
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(m.interval), ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamJobTimeout,
				fmt.Sprintf("job %s did not finish within %s", job.ID(), m.timeout), err,
				map[string]any{"job_id": job.ID(), "status": string(job.Status())})
		}
		return "", err
	}

	switch job.Status() {
	case types.JobSucceeded:
		url, ok := job.Result()
		if !ok {
			return "", types.NewAppError(types.ErrCodeUpstreamJobFailed, "job succeeded without an output", nil)
		}
		return url, nil
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamJobFailed,
			fmt.Sprintf("job %s %s: %s", job.ID(), job.Status(), job.Message()), nil,
			map[string]any{"job_id": job.ID(), "status": string(job.Status())})
	}
}

var errNotDone = errors.New("job not finished")

// Cancel asks the server to stop job and starts the submission cooldown.
func (m *Manager) Cancel(ctx context.Context, job *LiveJob) (string, error) {
	if job.Status().Terminal() {
		return "", types.NewAppError(types.ErrCodeConflictJobNotRunning,
			fmt.Sprintf("job %s is already %s", job.ID(), job.Status()), nil)
	}
	msg, err := m.wps.Cancel(ctx, job.ID())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.cooldownUntil = m.clock.Now().Add(m.cooldown)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "job cancelled", "job_id", job.ID(), "message", msg)
	return msg, nil
}
