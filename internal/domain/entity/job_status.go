package entity

import "strings"

// JobStatus is the remote lifecycle state of a submitted batch job. Transitions
// belong to the provider; the orchestrator only observes them.
type JobStatus string

// Provider job statuses.
const (
	JobStatusValidating JobStatus = "validating"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusFinalizing JobStatus = "finalizing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusExpired    JobStatus = "expired"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ParseJobStatus maps a provider status string onto JobStatus. Statuses the
// orchestrator does not know about (including "cancelling") are treated as
// still in progress so the handle is polled again rather than dropped.
func ParseJobStatus(raw string) JobStatus {
	switch s := JobStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case JobStatusValidating, JobStatusInProgress, JobStatusFinalizing,
		JobStatusCompleted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return s
	default:
		return JobStatusInProgress
	}
}

// IsCompleted reports whether results are ready to fetch.
func (s JobStatus) IsCompleted() bool {
	return s == JobStatusCompleted
}

// IsTerminalFailure reports a status from which no further progress will occur.
func (s JobStatus) IsTerminalFailure() bool {
	return s == JobStatusFailed || s == JobStatusExpired || s == JobStatusCancelled
}

// IsPending reports whether the job may still make progress.
func (s JobStatus) IsPending() bool {
	return !s.IsCompleted() && !s.IsTerminalFailure()
}

func (s JobStatus) String() string {
	return string(s)
}
