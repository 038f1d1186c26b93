// Package backend starts, monitors and removes the jobs that run variations.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// ErrJobNotFound is returned for handles the backend does not know
var ErrJobNotFound = errors.New("job not found")

// JobHandle identifies a job inside its backend
type JobHandle struct {
	ID   string `json:"id"`   // Backend-specific identifier (container ID, local key)
	Name string `json:"name"` // Deterministic job name, see domain.JobName
}

// WorkloadSpec describes what one variation runs
type WorkloadSpec struct {
	Prompt      string
	SourceRef   string
	Provider    string
	Model       string
	SessionID   string
	Credentials map[string]string // Exported into the agent environment
	Timeout     time.Duration     // Idle timeout of the agent process
}

// JobBackend runs variation jobs
type JobBackend interface {
	CreateJob(ctx context.Context, runID string, index int, spec WorkloadSpec) (JobHandle, error)
	GetJobStatus(ctx context.Context, h JobHandle) (domain.JobPhase, error)
	// DeleteJob stops and removes the job. It reports false when there was nothing to delete.
	DeleteJob(ctx context.Context, h JobHandle) (bool, error)
}

func envList(creds map[string]string) []string {
	env := make([]string, 0, len(creds))
	for k, v := range creds {
		env = append(env, k+"="+v)
	}
	return env
}
