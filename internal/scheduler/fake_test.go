package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/backend"
	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

// fakeBackend scripts job phases per variation and records every call
type fakeBackend struct {
	mu sync.Mutex

	// phase returns the status of variation index on its nth poll (1-based)
	phase     func(index, poll int) (domain.JobPhase, error)
	createErr map[int]error
	deleteErr map[int]error
	// createGate, when set, blocks CreateJob until closed or cancelled.
	// The job is created either way, like a backend that ignores ctx.
	createGate    chan struct{}
	createEntered chan struct{}

	out     *sink.Memory
	created []string
	deleted []string
	polls   map[string]int
	wrote   map[string]bool
}

func newFakeBackend(phase func(index, poll int) (domain.JobPhase, error)) *fakeBackend {
	return &fakeBackend{
		phase:     phase,
		createErr: map[int]error{},
		deleteErr: map[int]error{},
		out:       sink.NewMemory(),
		polls:     map[string]int{},
		wrote:     map[string]bool{},
	}
}

func succeedAfter(n int) func(int, int) (domain.JobPhase, error) {
	return func(_, poll int) (domain.JobPhase, error) {
		if poll >= n {
			return domain.JobSucceeded, nil
		}
		return domain.JobRunning, nil
	}
}

func alwaysRunning(int, int) (domain.JobPhase, error) {
	return domain.JobRunning, nil
}

// splitJobName reverses domain.JobName
func splitJobName(name string) (string, int) {
	k := strings.LastIndex(name, "-v")
	i, _ := strconv.Atoi(name[k+2:])
	return name[:k], i
}

func runOf(name string) string {
	run, _ := splitJobName(name)
	return run
}

func indexOf(name string) int {
	_, i := splitJobName(name)
	return i
}

func (f *fakeBackend) CreateJob(ctx context.Context, runID string, index int, spec backend.WorkloadSpec) (backend.JobHandle, error) {
	if f.createGate != nil {
		if f.createEntered != nil {
			f.createEntered <- struct{}{}
		}
		select {
		case <-f.createGate:
		case <-ctx.Done():
		}
	}
	name := domain.JobName(runID, index)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	if err := f.createErr[index]; err != nil {
		return backend.JobHandle{}, err
	}
	return backend.JobHandle{ID: "h-" + name, Name: name}, nil
}

func (f *fakeBackend) GetJobStatus(_ context.Context, h backend.JobHandle) (domain.JobPhase, error) {
	f.mu.Lock()
	f.polls[h.Name]++
	n := f.polls[h.Name]
	f.mu.Unlock()

	phase, err := f.phase(indexOf(h.Name), n)
	if err == nil && phase == domain.JobSucceeded {
		f.mu.Lock()
		first := !f.wrote[h.Name]
		f.wrote[h.Name] = true
		f.mu.Unlock()
		if first {
			f.out.Write(context.Background(), domain.OutputChunk{
				RunID:       runOf(h.Name),
				VariationID: h.Name,
				Content:     "result of " + h.Name,
				ContentType: domain.ContentJobData,
				Timestamp:   time.Now(),
			})
		}
	}
	return phase, err
}

func (f *fakeBackend) DeleteJob(_ context.Context, h backend.JobHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, h.Name)
	if err := f.deleteErr[indexOf(h.Name)]; err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeBackend) createdJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeBackend) deletedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var errQuota = errors.New("quota exceeded")
