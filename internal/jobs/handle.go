// Package jobs tracks remote WPS jobs from submission to a terminal status.
package jobs

import (
	"path"
	"strings"
	"sync"
	"time"

	"odds/internal/external"
	"odds/internal/types"
)

// Handle is a job whose status and result can be read. It is either a
// *LiveJob polled from a WPS server or a PrecomputedResult.
type Handle interface {
	ID() string
	Status() types.JobStatus
	// Result is the output URL; ok is false until the job has succeeded.
	Result() (url string, ok bool)
}

var (
	_ Handle = (*LiveJob)(nil)
	_ Handle = PrecomputedResult{}
)

// PrecomputedResult is an output produced earlier, outside this session.
type PrecomputedResult struct {
	URL string `json:"url"`
}

// ID is the output file name.
func (p PrecomputedResult) ID() string { return path.Base(p.URL) }

// Status is always succeeded.
func (p PrecomputedResult) Status() types.JobStatus { return types.JobSucceeded }

// Result returns the URL.
func (p PrecomputedResult) Result() (string, bool) { return p.URL, true }

// LiveJob is a submitted WPS process. Its status only changes by polling.
type LiveJob struct {
	process     string
	server      string
	submittedAt time.Time

	mu       sync.RWMutex
	location string
	status   types.JobStatus
	message  string
	percent  int
	output   string
}

func newLiveJob(server, process string, exec *external.WPSExecution, at time.Time) *LiveJob {
	j := &LiveJob{process: process, server: server, submittedAt: at, location: exec.StatusLocation}
	j.update(exec)
	return j
}

// ID is the remote job identifier.
func (j *LiveJob) ID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return external.JobIDFromStatusLocation(j.location)
}

// Ref is what has to be stored to find the job again.
func (j *LiveJob) Ref() types.WPSJobRef {
	return types.WPSJobRef{
		JobID:          j.ID(),
		Server:         j.server,
		Process:        j.process,
		StatusLocation: j.StatusLocation(),
		SubmittedAt:    j.submittedAt,
	}
}

// Process is the WPS process identifier.
func (j *LiveJob) Process() string { return j.process }

// Server is the WPS server label.
func (j *LiveJob) Server() string { return j.server }

// SubmittedAt is when Execute returned.
func (j *LiveJob) SubmittedAt() time.Time { return j.submittedAt }

// StatusLocation is the URL of the job's status document.
func (j *LiveJob) StatusLocation() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.location
}

// Status implements Handle.
func (j *LiveJob) Status() types.JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Message is the last status or failure text reported by the server.
func (j *LiveJob) Message() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.message
}

// Percent is the last reported completion percentage.
func (j *LiveJob) Percent() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.percent
}

// Result implements Handle.
func (j *LiveJob) Result() (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.output, j.status == types.JobSucceeded && j.output != ""
}

// update applies a status document. Terminal states are never left.
func (j *LiveJob) update(exec *external.WPSExecution) types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return j.status
	}
	j.status = MapStatus(exec.Status)
	j.message = exec.Status.Message
	j.percent = exec.Status.PercentCompleted
	if exec.StatusLocation != "" {
		j.location = exec.StatusLocation
	}
	if j.status == types.JobSucceeded {
		j.output = primaryOutput(exec.Outputs)
	}
	return j.status
}

// MapStatus normalizes a WPS status. A failure whose message mentions
// cancellation or dismissal is reported as cancelled.
func MapStatus(s external.WPSStatus) types.JobStatus {
	switch s.Kind {
	case external.WPSProcessAccepted:
		return types.JobQueued
	case external.WPSProcessStarted, external.WPSProcessPaused:
		return types.JobRunning
	case external.WPSProcessSucceeded:
		return types.JobSucceeded
	case external.WPSProcessFailed:
		msg := strings.ToLower(s.Message)
		if strings.Contains(msg, "cancel") || strings.Contains(msg, "dismiss") {
			return types.JobCancelled
		}
		return types.JobFailed
	}
	return types.JobQueued
}

// primaryOutput picks the "output" output, else the first one with a
// reference, else the first literal.
func primaryOutput(outs []external.WPSOutput) string {
	for _, o := range outs {
		if o.Identifier == "output" && o.Href != "" {
			return o.Href
		}
	}
	for _, o := range outs {
		if o.Href != "" {
			return o.Href
		}
	}
	for _, o := range outs {
		if o.Data != "" {
			return strings.TrimSpace(o.Data)
		}
	}
	return ""
}
