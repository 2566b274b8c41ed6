package wizard

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"odds/internal/types"
)

// QueueNote is appended to launch confirmations.
const QueueNote = "\n\n Processing time depends on the queue. " +
	"Simple jobs may finish quickly, but if many large jobs are ahead of you " +
	"it could take a few hours. You’ll receive an email when your results are ready."

// ConfirmationSubject is the subject of the launch confirmation email.
const ConfirmationSubject = "Your ODDS Job Submission Summary"

// LaunchResult reports an enqueued request.
type LaunchResult struct {
	JobID     string `json:"job_id"`
	Position  int    `json:"queue_position"`
	EmailSent bool   `json:"email_sent"`
}

// Launch enqueues the request built from the summary step and emails the
// user a confirmation. Only one launch may run at a time per session.
func (s *Session) Launch(ctx context.Context) (LaunchResult, error) {
	var req types.JobRequest
	err := s.update(func(st *state) (bool, error) {
		if err := wrongStep(st, StepSummary); err != nil {
			return false, err
		}
		if st.launching {
			return false, types.NewAppError(types.ErrCodeConflictLaunchInProgress, "A launch is already in progress.", nil)
		}
		if err := s.cooldownErrLocked(st); err != nil {
			return false, err
		}
		if st.identity == nil || st.identity.Email == "" {
			s.notifyLocked(types.NoticeWarning, "No email provided.")
			return true, types.NewMissingFieldsError([]string{"Email"})
		}
		req = s.buildRequestLocked(st)
		st.launching = true
		return true, nil
	})
	if err != nil {
		return LaunchResult{}, err
	}
	defer func() {
		_ = s.update(func(st *state) (bool, error) {
			st.launching = false
			return true, nil
		})
	}()

	logger := s.logger.With("job_id", req.ID)
	pos, err := s.deps.Launcher.Enqueue(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "launch failed", "error", err)
		s.Notify(types.NoticeDanger, "❌ Launch failed: "+userMessage(err))
		return LaunchResult{}, err
	}
	res := LaunchResult{JobID: req.ID, Position: pos}
	logger.InfoContext(ctx, "request launched",
		"queue_position", pos,
		"downscale_jobs", len(req.DownscaleJobs),
		"index_jobs", len(req.IndexJobs),
		"previous_outputs", len(req.PreviousOutputs),
	)

	_ = s.update(func(st *state) (bool, error) {
		st.lastJobID = req.ID
		return true, nil
	})

	if s.deps.Mailer != nil {
		body := req.Summary + fmt.Sprintf("\n\nJob ID: %s", req.ID)
		if pos > 0 {
			body += fmt.Sprintf("\nQueue position at submission: %d", pos)
		}
		body += QueueNote
		_, err := s.deps.Mailer.Send(ctx, types.EmailMessage{
			To:          req.UserEmail,
			From:        s.deps.From,
			Subject:     ConfirmationSubject,
			Body:        body,
			ReferenceID: req.ID,
		})
		if err != nil {
			logger.WarnContext(ctx, "confirmation email failed", "error", err)
			s.Notify(types.NoticeDanger, "❌ Email failed: "+userMessage(err))
		} else {
			res.EmailSent = true
			s.Notify(types.NoticeSuccess, "✅ Email sent! Jobs have been launched.")
		}
	}

	s.Notify(types.NoticeInfo, fmt.Sprintf("Job submitted! Job ID: %s (queue position: %d).%s", req.ID, pos, QueueNote))
	return res, nil
}

func (s *Session) buildRequestLocked(st *state) types.JobRequest {
	id := ""
	if s.deps.NewID != nil {
		id = s.deps.NewID()
	}
	req := types.JobRequest{
		ID:           id,
		OutputIntent: st.intent,
		IndexJobs:    slices.Clone(st.indices),
		UserEmail:    st.identity.Email,
		Summary:      Summary(s.snapshotLocked()),
		SubmittedAt:  s.deps.Clock.Now(),
	}
	var covered []types.Variable
	if st.intent.WantsIndices() {
		req.PreviousOutputs = s.results.Selected()
		covered = s.results.EnabledGroups()
	}
	if len(req.PreviousOutputs) > 0 {
		req.Summary += "\n**Previous outputs**:\n- " + strings.Join(req.PreviousOutputs, "\n- ")
	}
	sel := st.selector
	if !sel.Dataset.IsEnsemble() {
		sel = types.DatasetSelector{Dataset: sel.Dataset}
	} else if !sel.NeedsRun() {
		sel.Run = ""
	}
	for _, v := range DownscaleVariables(st.intent, st.variables, st.indices, covered) {
		req.DownscaleJobs = append(req.DownscaleJobs, types.DownscaleRequest{
			Variable:  v,
			Selector:  sel,
			Region:    st.region,
			Point:     *st.point,
			Subdomain: *st.subdomain,
		})
	}
	return req
}

// DownscaleVariables lists the variables to downscale, in display order.
// For indices only, these are the variables the selected indices read.
// Otherwise they are the chosen variables plus any the indices imply.
// Index groups in covered already have selected inputs and imply nothing.
func DownscaleVariables(intent types.OutputIntent, vars []types.Variable, indices []types.IndexRequest, covered []types.Variable) []types.Variable {
	need := make(map[types.Variable]bool)
	if intent != types.IntentIndices {
		for _, v := range vars {
			if v != types.GroupMultivar {
				need[v] = true
			}
		}
	}
	if intent.WantsIndices() {
		for _, idx := range indices {
			if slices.Contains(covered, idx.Group) {
				continue
			}
			if idx.Group == types.GroupMultivar {
				need[types.VarTasmin] = true
				need[types.VarTasmax] = true
				continue
			}
			need[idx.Group] = true
		}
	}
	var out []types.Variable
	for _, v := range types.ClimateVariables {
		if need[v] {
			out = append(out, v)
		}
	}
	return out
}

// Summary renders the request summary shown before launch and mailed with
// the confirmation.
func Summary(snap Snapshot) string {
	dash := func(v string) string {
		if v == "" {
			return "-"
		}
		return v
	}
	center := "-"
	if snap.Point != nil {
		center = snap.Point.String()
	}
	sel := snap.Selector

	lines := []string{
		"## Summary",
		"**Center**: " + center,
		"**Region**: " + dash(snap.Region),
		fmt.Sprintf("**Dataset**: %s (%s)", sel.Dataset, sel.Dataset.Internal()),
	}
	if sel.Dataset.IsEnsemble() {
		lines = append(lines,
			fmt.Sprintf("**Technique**: %s (%s)", dash(string(sel.Technique)), sel.Technique.Internal()),
			"**Model**: "+dash(sel.Model),
		)
		if sel.NeedsRun() {
			lines = append(lines, "**CanESM5 Run**: "+dash(sel.Run))
		}
		lines = append(lines,
			"**Scenario**: "+dash(sel.Scenario),
			"**Period**: "+dash(sel.Period),
		)
	}

	vars := make([]string, 0, len(snap.Variables)+1)
	for _, v := range snap.InScope() {
		vars = append(vars, string(v))
	}
	includes := "✓"
	if snap.Intent == types.IntentIndices {
		includes = "✗"
	}
	lines = append(lines,
		"**Variables**: "+dash(strings.Join(vars, ", ")),
		"**Intent**: "+dash(string(snap.Intent)),
		"Includes downscaling output: "+includes,
	)

	if len(snap.Indices) > 0 {
		lines = append(lines, "**Selected Indices:**")
		for _, idx := range snap.Indices {
			thresh := ""
			if idx.Threshold != "" {
				thresh = ", N=" + idx.Threshold
			}
			lines = append(lines, fmt.Sprintf("- **%s** (%s, %s%s)",
				strings.ReplaceAll(idx.Name, "_", " "), idx.Group, dash(idx.Resolution), thresh))
		}
	}
	return strings.Join(lines, "\n")
}
