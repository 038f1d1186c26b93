package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal returns true once the run can no longer change state
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// JobPhase is the last observed backend phase of a single variation
type JobPhase string

const (
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// IsTerminal returns true for succeeded and failed
func (p JobPhase) IsTerminal() bool {
	return p == JobSucceeded || p == JobFailed
}

// ContentType tags an output chunk
type ContentType string

const (
	ContentJobData ContentType = "job_data"
	ContentError   ContentType = "error"
	ContentDiff    ContentType = "diff"
	ContentSummary ContentType = "summary"
	ContentLogging ContentType = "logging"
	ContentMetrics ContentType = "metrics"
)

// ContentTypes lists every accepted content type in a stable order
var ContentTypes = []ContentType{
	ContentJobData,
	ContentError,
	ContentDiff,
	ContentSummary,
	ContentLogging,
	ContentMetrics,
}

// Valid reports whether c is one of the fixed content types
func (c ContentType) Valid() bool {
	for _, t := range ContentTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Accumulated reports whether fragments of this type belong in the final response text
func (c ContentType) Accumulated() bool {
	return c == ContentJobData || c == ContentDiff
}
