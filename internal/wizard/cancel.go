package wizard

import (
	"context"
	"fmt"
	"time"

	"odds/internal/jobs"
	"odds/internal/types"
)

// Cancel stops the request this session launched last and holds further
// launches for the cancel cooldown. A partial failure still starts the
// cooldown and is returned along with what was stopped.
func (s *Session) Cancel(ctx context.Context) (jobs.CancelResult, error) {
	if s.deps.Canceller == nil {
		return jobs.CancelResult{}, types.NewAppError(types.ErrCodeConflictJobNotRunning, "Cancelling jobs is not available.", nil)
	}
	id := s.Snapshot().LastJobID
	if id == "" {
		return jobs.CancelResult{}, types.NewAppError(types.ErrCodeConflictJobNotRunning, "No job has been launched from this session.", nil)
	}

	logger := s.logger.With("job_id", id)
	res, err := s.deps.Canceller.Cancel(ctx, id)
	if err != nil && res.Status == "" {
		logger.WarnContext(ctx, "cancel failed", "error", err)
		s.Notify(types.NoticeDanger, "❌ Cancel failed: "+userMessage(err))
		return res, err
	}

	res.Cooldown = max(res.Cooldown, s.deps.CancelCooldown)
	_ = s.update(func(st *state) (bool, error) {
		st.cooldown = s.deps.Clock.Now().Add(res.Cooldown)
		if err != nil {
			s.notifyLocked(types.NoticeWarning, "Some jobs could not be cancelled: "+userMessage(err))
		} else {
			s.notifyLocked(types.NoticeSuccess, fmt.Sprintf("Job %s cancelled.", id))
		}
		return true, nil
	})
	logger.InfoContext(ctx, "request cancelled",
		"status", string(res.Status),
		"wps_jobs", len(res.Cancelled),
		"cooldown", res.Cooldown.String(),
	)
	return res, err
}

// cooldownErrLocked refuses a launch while the cancel cooldown runs.
func (s *Session) cooldownErrLocked(st *state) error {
	left := st.cooldown.Sub(s.deps.Clock.Now())
	if left <= 0 {
		return nil
	}
	secs := int((left + time.Second - 1) / time.Second)
	return types.NewAppErrorWithDetails(types.ErrCodeConflictCooldown,
		fmt.Sprintf("A job was just cancelled. Please wait %d seconds before submitting again.", secs),
		nil, map[string]any{"retry_after_seconds": secs})
}
