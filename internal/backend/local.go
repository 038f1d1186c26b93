package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/executor"
	"github.com/hochfrequenz/variation-orchestrator/internal/logging"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

const defaultAgentTimeout = 10 * time.Minute

// LocalOptions configures the local backend
type LocalOptions struct {
	ChunkSize       int
	Binaries        map[string]string // Provider name -> executable override
	DefaultTimeout  time.Duration
	SkipPermissions bool
	// Worktrees gives every job its own checkout of SourceRef. Without it agents run in WorkDir.
	Worktrees *WorktreeManager
	WorkDir   string
	Logger    *slog.Logger
}

// Local runs every job as an agent subprocess on this machine
type Local struct {
	opts   LocalOptions
	sink   sink.OutputSink
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

type localJob struct {
	handle JobHandle
	runID  string
	index  int
	cancel context.CancelFunc
	done   chan struct{}
	phase  domain.JobPhase
	pid    int
}

// NewLocal creates a local backend writing agent output to out
func NewLocal(opts LocalOptions, out sink.OutputSink) *Local {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultAgentTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		opts:   opts,
		sink:   out,
		logger: logger,
		jobs:   make(map[string]*localJob),
	}
}

// CreateJob prepares the workspace and starts the agent. It returns once the
// agent goroutine is running. No agent is started once ctx is done.
func (l *Local) CreateJob(ctx context.Context, runID string, index int, spec WorkloadSpec) (JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return JobHandle{}, err
	}
	name := domain.JobName(runID, index)

	provider, err := executor.NewProvider(spec.Provider, l.opts.Binaries[spec.Provider])
	if err != nil {
		return JobHandle{}, err
	}

	l.mu.Lock()
	if _, exists := l.jobs[name]; exists {
		l.mu.Unlock()
		return JobHandle{}, fmt.Errorf("job %s already exists", name)
	}
	// Reserve the name while the worktree is created
	j := &localJob{
		handle: JobHandle{ID: name, Name: name},
		runID:  runID,
		index:  index,
		done:   make(chan struct{}),
		phase:  domain.JobRunning,
	}
	l.jobs[name] = j
	l.mu.Unlock()

	dir := l.opts.WorkDir
	var wtPath string
	if l.opts.Worktrees != nil {
		wtPath, err = l.opts.Worktrees.Create(name, spec.SourceRef)
		if err != nil {
			l.mu.Lock()
			delete(l.jobs, name)
			l.mu.Unlock()
			return JobHandle{}, err
		}
		dir = wtPath
	}

	if err := ctx.Err(); err != nil {
		if wtPath != "" {
			if rerr := l.opts.Worktrees.Remove(wtPath); rerr != nil {
				l.logger.WarnContext(ctx, "removing worktree failed", slog.Any("error", rerr))
			}
		}
		l.mu.Lock()
		delete(l.jobs, name)
		l.mu.Unlock()
		return JobHandle{}, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = l.opts.DefaultTimeout
	}

	jobCtx, cancel := context.WithCancel(logging.WithJob(context.WithoutCancel(ctx), name))
	l.mu.Lock()
	j.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(jobCtx, j, provider, spec, executor.Command{
		Args:    provider.BuildCommand(spec.Prompt, executor.InvocationContext{Model: spec.Model, SessionID: spec.SessionID, SkipPermissions: l.opts.SkipPermissions}),
		Dir:     dir,
		Env:     envList(spec.Credentials),
		Timeout: timeout,
		OnStart: func(pid int) {
			l.mu.Lock()
			j.pid = pid
			l.mu.Unlock()
		},
	}, wtPath)

	l.logger.InfoContext(jobCtx, "job started",
		slog.String("provider", provider.Name()), slog.Int("variation", index))
	return j.handle, nil
}

func (l *Local) run(ctx context.Context, j *localJob, provider executor.Provider, spec WorkloadSpec, cmd executor.Command, wtPath string) {
	defer l.wg.Done()
	defer close(j.done)

	// Sink writes must survive the job's own cancellation
	writeCtx := context.WithoutCancel(ctx)
	write := func(ct domain.ContentType, content string) {
		ok, err := l.sink.Write(writeCtx, domain.OutputChunk{
			RunID:       j.runID,
			VariationID: j.handle.Name,
			Content:     content,
			ContentType: ct,
			Timestamp:   time.Now(),
		})
		if err != nil || !ok {
			l.logger.WarnContext(ctx, "chunk write failed",
				slog.String("content_type", string(ct)), slog.Any("error", err))
		}
	}

	start := time.Now()
	exec := executor.NewStreamExecutor(provider, l.opts.ChunkSize, l.logger)
	out, err := exec.Execute(ctx, cmd, func(f executor.Fragment) {
		write(f.Type, f.Text)
	})
	elapsed := time.Since(start).Round(time.Millisecond)

	phase := domain.JobSucceeded
	if err != nil {
		phase = domain.JobFailed
		if ctx.Err() == nil {
			write(domain.ContentError, err.Error())
		}
	}

	if wtPath != "" {
		if ctx.Err() == nil {
			if diff, derr := l.opts.Worktrees.Diff(wtPath, spec.SourceRef); derr != nil {
				l.logger.WarnContext(ctx, "collecting diff failed", slog.Any("error", derr))
			} else if diff != "" {
				write(domain.ContentDiff, diff)
			}
		}
		if rerr := l.opts.Worktrees.Remove(wtPath); rerr != nil {
			l.logger.WarnContext(ctx, "removing worktree failed", slog.Any("error", rerr))
		}
	}

	if ctx.Err() == nil {
		write(domain.ContentSummary, summarize(j.index, phase, elapsed, out))
	}

	l.mu.Lock()
	j.Advance(phase)
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "job finished",
		slog.String("phase", string(phase)), slog.Duration("duration", elapsed), slog.Any("error", err))
}

// Advance moves the phase forward only
func (j *localJob) Advance(phase domain.JobPhase) {
	if !j.phase.IsTerminal() {
		j.phase = phase
	}
}

func summarize(index int, phase domain.JobPhase, elapsed time.Duration, out string) string {
	if out == executor.NoOutput {
		return fmt.Sprintf("variation %d %s after %s with no output", index, phase, elapsed)
	}
	return fmt.Sprintf("variation %d %s after %s (%d bytes of output)", index, phase, elapsed, len(out))
}

// GetJobStatus returns the job's last phase
func (l *Local) GetJobStatus(_ context.Context, h JobHandle) (domain.JobPhase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[h.ID]
	if !ok {
		return "", fmt.Errorf("%s: %w", h.ID, ErrJobNotFound)
	}
	return j.phase, nil
}

// DeleteJob cancels the agent and returns after its process was reaped
func (l *Local) DeleteJob(ctx context.Context, h JobHandle) (bool, error) {
	l.mu.Lock()
	j, ok := l.jobs[h.ID]
	var cancel context.CancelFunc
	if ok {
		cancel = j.cancel
	}
	l.mu.Unlock()
	if cancel == nil {
		return false, nil
	}

	cancel()
	select {
	case <-j.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	l.mu.Lock()
	delete(l.jobs, h.ID)
	l.mu.Unlock()
	return true, nil
}

// Close cancels every job and waits for all agents to exit
func (l *Local) Close() error {
	l.mu.Lock()
	for _, j := range l.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
