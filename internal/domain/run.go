package domain

import (
	"fmt"
	"time"
)

// Run is one user-initiated request that fans out into several variations
type Run struct {
	ID             string     `json:"id"`
	SourceRef      string     `json:"source_ref,omitempty"`
	Prompt         string     `json:"prompt"`
	Provider       string     `json:"provider,omitempty"`
	VariationCount int        `json:"variation_count"`
	Status         RunStatus  `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Jobs           []Job      `json:"jobs"`
}

// Clone returns a deep copy safe to hand out of the scheduler's lock
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	c.Jobs = make([]Job, len(r.Jobs))
	copy(c.Jobs, r.Jobs)
	return &c
}

// Job is the backend-tracked unit of execution for a single variation
type Job struct {
	ID             string   `json:"id"`
	RunID          string   `json:"run_id"`
	VariationIndex int      `json:"variation_index"`
	Handle         string   `json:"handle,omitempty"`
	Phase          JobPhase `json:"phase"`
}

// JobName returns the deterministic job name for a variation of a run
func JobName(runID string, index int) string {
	return fmt.Sprintf("%s-v%d", runID, index)
}

// Advance moves the job to phase if that is a forward transition.
// It returns false when the job is already terminal.
func (j *Job) Advance(phase JobPhase) bool {
	if j.Phase.IsTerminal() {
		return false
	}
	j.Phase = phase
	return true
}

// OutputChunk is one classified, timestamped fragment of agent output.
// Chunks are append-only.
type OutputChunk struct {
	RunID       string      `json:"run_id"`
	VariationID string      `json:"variation_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Timestamp   time.Time   `json:"timestamp"`
}
