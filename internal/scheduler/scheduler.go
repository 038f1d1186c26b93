// Package scheduler fans runs out into variation jobs and tracks them to completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/variation-orchestrator/internal/backend"
	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/gate"
	"github.com/hochfrequenz/variation-orchestrator/internal/logging"
	"github.com/hochfrequenz/variation-orchestrator/internal/metrics"
	"github.com/hochfrequenz/variation-orchestrator/internal/notify"
)

// sessionNamespace is a fixed UUID namespace for deterministic variation session IDs
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ErrShuttingDown is returned for runs submitted after Shutdown
var ErrShuttingDown = errors.New("scheduler is shutting down")

// SessionID returns the agent session ID of a variation
func SessionID(runID string, index int) string {
	return uuid.NewSHA1(sessionNamespace, []byte(domain.JobName(runID, index))).String()
}

// RunStore persists run snapshots
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
}

// Request asks for one run
type Request struct {
	SourceRef      string            `json:"source_ref" yaml:"source_ref"`
	Prompt         string            `json:"prompt" yaml:"prompt"`
	VariationCount int               `json:"variation_count" yaml:"variation_count"`
	Provider       string            `json:"provider,omitempty" yaml:"provider"`
	Model          string            `json:"model,omitempty" yaml:"model"`
	Credentials    map[string]string `json:"-" yaml:"credentials"`
	// Timeout is the idle timeout of each agent; zero uses the backend default
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Validate checks the request before any work starts
func (r Request) Validate() error {
	if r.Prompt == "" {
		return &domain.ConfigurationError{Field: "prompt", Message: "must not be empty"}
	}
	if r.VariationCount < 1 {
		return &domain.ConfigurationError{Field: "variation_count", Message: fmt.Sprintf("must be at least 1, got %d", r.VariationCount)}
	}
	return nil
}

// Options tunes the completion-wait loop and cleanup
type Options struct {
	PollInterval    time.Duration
	RunDeadline     time.Duration
	StatusTimeout   time.Duration
	DeleteTimeout   time.Duration
	CleanupDelay    time.Duration
	NotifyTimeout   time.Duration
	MaxPollFailures int
	// PollConcurrency bounds the status calls in flight per run
	PollConcurrency int
	// DefaultProvider is used for requests without a provider
	DefaultProvider string
	DefaultModel    string
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		PollInterval:    5 * time.Second,
		RunDeadline:     2 * time.Hour,
		StatusTimeout:   30 * time.Second,
		DeleteTimeout:   30 * time.Second,
		CleanupDelay:    time.Minute,
		NotifyTimeout:   10 * time.Second,
		MaxPollFailures: 5,
		PollConcurrency: 8,
		DefaultProvider: "claude",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.RunDeadline <= 0 {
		o.RunDeadline = d.RunDeadline
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = d.StatusTimeout
	}
	if o.DeleteTimeout <= 0 {
		o.DeleteTimeout = d.DeleteTimeout
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = d.CleanupDelay
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = d.MaxPollFailures
	}
	if o.PollConcurrency <= 0 {
		o.PollConcurrency = d.PollConcurrency
	}
	if o.DefaultProvider == "" {
		o.DefaultProvider = d.DefaultProvider
	}
	return o
}

// Option configures optional collaborators
type Option func(*Scheduler)

// WithStore persists every status change and serves finished runs
func WithStore(store RunStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithNotifier announces terminal runs
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithMetrics records scheduler metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns the registry of active runs. Nothing else mutates it.
type Scheduler struct {
	backend  backend.JobBackend
	gate     *gate.Gate
	opts     Options
	store    RunStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	runs      map[string]*activeRun
	listeners []func(*domain.Run)
	closed    bool
	wg        sync.WaitGroup
}

type activeRun struct {
	run      *domain.Run
	req      Request
	handles  []backend.JobHandle
	deleted  []bool // deletion of handles[i] was claimed
	admitted int
	ctx      context.Context
	cancel   context.CancelFunc
	cleanup  *time.Timer
	creating chan struct{} // closed once no CreateJob call is in flight
	done     chan struct{}
}

// New creates a scheduler
func New(b backend.JobBackend, g *gate.Gate, opts Options, options ...Option) (*Scheduler, error) {
	if b == nil {
		return nil, &domain.ConfigurationError{Field: "backend", Message: "no job backend configured"}
	}
	if g == nil {
		return nil, &domain.ConfigurationError{Field: "gate", Message: "no concurrency gate configured"}
	}
	s := &Scheduler{
		backend:  b,
		gate:     g,
		opts:     opts.withDefaults(),
		notifier: notify.NoopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
		runs:     make(map[string]*activeRun),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Subscribe registers fn for every run status change. fn runs synchronously and must not block.
func (s *Scheduler) Subscribe(fn func(*domain.Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ExecuteVariations runs all variations of req and returns the run once it is terminal.
// Cancelling ctx cancels the run. An error is only returned when the run could not be registered.
func (s *Scheduler) ExecuteVariations(ctx context.Context, req Request) (*domain.Run, error) {
	ar, err := s.register(ctx, req)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.CancelRun(context.WithoutCancel(ctx), ar.run.ID)
	})
	defer stop()

	s.execute(ar)
	return s.snapshot(ar), nil
}

// Submit registers the run and executes it in the background
func (s *Scheduler) Submit(ctx context.Context, req Request) (*domain.Run, error) {
	ar, err := s.register(ctx, req)
	if err != nil {
		return nil, err
	}
	snap := s.snapshot(ar)
	go s.execute(ar)
	return snap, nil
}

// Wait blocks until the run's variations are finished or ctx is done
func (s *Scheduler) Wait(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	ar, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return s.GetRunStatus(ctx, runID)
	}
	select {
	case <-ar.done:
		return s.snapshot(ar), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) register(ctx context.Context, req Request) (*activeRun, error) {
	if req.Provider == "" {
		req.Provider = s.opts.DefaultProvider
	}
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !s.gate.Admit(req.VariationCount) {
		s.metrics.GateRejected()
		c := s.gate.Counters()
		return nil, fmt.Errorf("%w: %d/%d runs, %d/%d jobs, %d jobs requested",
			domain.ErrAtCapacity, c.ActiveRuns, c.MaxRuns, c.ActiveJobs, c.MaxJobs, req.VariationCount)
	}

	id := uuid.NewString()
	run := &domain.Run{
		ID:             id,
		SourceRef:      req.SourceRef,
		Prompt:         req.Prompt,
		Provider:       req.Provider,
		VariationCount: req.VariationCount,
		Status:         domain.RunPending,
		CreatedAt:      s.now(),
		Jobs:           []domain.Job{},
	}
	runCtx, cancel := context.WithCancel(logging.WithRun(context.WithoutCancel(ctx), id))
	ar := &activeRun{
		run:      run,
		req:      req,
		admitted: req.VariationCount,
		ctx:      runCtx,
		cancel:   cancel,
		creating: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.gate.Release(req.VariationCount)
		return nil, ErrShuttingDown
	}
	s.runs[id] = ar
	s.wg.Add(1)
	snap := run.Clone()
	s.mu.Unlock()

	s.logger.InfoContext(runCtx, "run registered",
		slog.Int("variations", req.VariationCount), slog.String("provider", req.Provider))
	s.publish(runCtx, snap)
	return ar, nil
}

func (s *Scheduler) execute(ar *activeRun) {
	defer s.wg.Done()
	defer close(ar.done)
	ctx := ar.ctx

	s.mu.Lock()
	started := ar.run.Status == domain.RunPending
	if started {
		now := s.now()
		ar.run.Status = domain.RunRunning
		ar.run.StartedAt = &now
	}
	snap := ar.run.Clone()
	s.mu.Unlock()

	var err error
	if started {
		s.publish(ctx, snap)
		err = s.createJobs(ctx, ar)
		close(ar.creating)
		if err == nil {
			err = s.waitForCompletion(ctx, ar)
		}
	} else {
		close(ar.creating)
	}
	s.finish(ctx, ar, err)
	s.scheduleCleanup(ar)
}

// createJobs creates one job per variation. The first failure aborts the fan-out.
func (s *Scheduler) createJobs(ctx context.Context, ar *activeRun) error {
	runID := ar.run.ID
	for i := 0; i < ar.req.VariationCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		spec := backend.WorkloadSpec{
			Prompt:      ar.req.Prompt,
			SourceRef:   ar.req.SourceRef,
			Provider:    ar.req.Provider,
			Model:       ar.req.Model,
			SessionID:   SessionID(runID, i),
			Credentials: ar.req.Credentials,
			Timeout:     ar.req.Timeout,
		}
		h, err := s.backend.CreateJob(ctx, runID, i, spec)
		s.metrics.JobCreated(err)
		if err != nil {
			s.logger.ErrorContext(ctx, "job creation failed, aborting fan-out",
				slog.Int("variation", i), slog.Any("error", err))
			return &domain.BackendError{Op: domain.OpCreate, Job: domain.JobName(runID, i), Err: err}
		}

		s.mu.Lock()
		ar.handles = append(ar.handles, h)
		ar.deleted = append(ar.deleted, false)
		ar.run.Jobs = append(ar.run.Jobs, domain.Job{
			ID:             h.Name,
			RunID:          runID,
			VariationIndex: i,
			Handle:         h.ID,
			Phase:          domain.JobRunning,
		})
		// A cancel that raced with this creation did not see the handle
		orphan := ar.run.Status == domain.RunCancelled
		if orphan {
			ar.deleted[i] = true
		}
		s.mu.Unlock()

		if orphan {
			if !s.deleteJob(ctx, h) {
				s.mu.Lock()
				ar.deleted[i] = false
				s.mu.Unlock()
			}
			return context.Canceled
		}
		s.logger.DebugContext(ctx, "job created", slog.String("job_id", h.Name), slog.String("handle", h.ID))
	}
	return nil
}

// waitForCompletion polls every tracked job once per interval until all are terminal
func (s *Scheduler) waitForCompletion(ctx context.Context, ar *activeRun) error {
	deadline := time.NewTimer(s.opts.RunDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	failures := make([]int, ar.req.VariationCount)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &domain.TimeoutError{Bound: s.opts.RunDeadline, Deadline: "run"}
		case <-ticker.C:
		}

		done, err := s.pollOnce(ctx, ar, failures)
		if err != nil || done {
			return err
		}
	}
}

// pollOnce queries every non-terminal job concurrently and records the phases
func (s *Scheduler) pollOnce(ctx context.Context, ar *activeRun, failures []int) (bool, error) {
	s.metrics.PollCycle()

	s.mu.Lock()
	var (
		idx     []int
		handles []backend.JobHandle
	)
	for i, j := range ar.run.Jobs {
		if !j.Phase.IsTerminal() {
			idx = append(idx, i)
			handles = append(handles, ar.handles[i])
		}
	}
	s.mu.Unlock()
	if len(idx) == 0 {
		return true, nil
	}

	phases := make([]domain.JobPhase, len(idx))
	errs := make([]error, len(idx))
	var g errgroup.Group
	g.SetLimit(s.opts.PollConcurrency)
	for k := range idx {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.opts.StatusTimeout)
			defer cancel()
			phases[k], errs[k] = s.backend.GetJobStatus(pctx, handles[k])
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, i := range idx {
		job := &ar.run.Jobs[i]
		if errs[k] != nil {
			failures[i]++
			s.metrics.StatusError()
			s.logger.WarnContext(ctx, "job status poll failed",
				slog.String("job_id", job.ID), slog.Int("consecutive", failures[i]), slog.Any("error", errs[k]))
			if failures[i] >= s.opts.MaxPollFailures {
				return false, &domain.BackendError{Op: domain.OpStatus, Job: job.ID, Err: errs[k]}
			}
			continue
		}
		failures[i] = 0
		if phases[k].IsTerminal() && job.Advance(phases[k]) {
			s.logger.InfoContext(ctx, "job finished", slog.String("job_id", job.ID), slog.String("phase", string(phases[k])))
		}
	}

	for _, j := range ar.run.Jobs {
		if !j.Phase.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// finish records the terminal status. Cancellation wins over any other outcome.
func (s *Scheduler) finish(ctx context.Context, ar *activeRun, err error) {
	s.mu.Lock()
	r := ar.run
	switch {
	case r.Status == domain.RunCancelled:
	case err != nil:
		r.Status = domain.RunFailed
		r.Error = err.Error()
	default:
		succeeded := 0
		for _, j := range r.Jobs {
			if j.Phase == domain.JobSucceeded {
				succeeded++
			}
		}
		if succeeded > 0 {
			r.Status = domain.RunCompleted
		} else {
			r.Status = domain.RunFailed
			r.Error = fmt.Sprintf("all %d variations failed", len(r.Jobs))
		}
	}
	if r.CompletedAt == nil {
		now := s.now()
		r.CompletedAt = &now
	}
	snap := r.Clone()
	s.mu.Unlock()

	var elapsed time.Duration
	if snap.StartedAt != nil {
		elapsed = snap.CompletedAt.Sub(*snap.StartedAt)
	}
	s.metrics.RunFinished(snap.Status, elapsed)

	attrs := []any{slog.String("status", string(snap.Status)), slog.Duration("duration", elapsed)}
	if snap.Status == domain.RunFailed {
		s.logger.ErrorContext(ctx, "run failed", append(attrs, slog.String("error", snap.Error))...)
	} else {
		s.logger.InfoContext(ctx, "run finished", attrs...)
	}

	s.publish(ctx, snap)
	s.notify(ctx, snap)
}

// notify sends the run result off the run goroutine. The caller holds a wg slot.
func (s *Scheduler) notify(ctx context.Context, snap *domain.Run) {
	n := notify.RunFinished(snap)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Send(nctx, n); err != nil {
			s.logger.WarnContext(ctx, "notification failed", slog.Any("error", err))
		}
	}()
}

func (s *Scheduler) scheduleCleanup(ar *activeRun) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.cleanup(ar.run.ID)
		return
	}
	s.wg.Add(1)
	ar.cleanup = time.AfterFunc(s.opts.CleanupDelay, func() {
		defer s.wg.Done()
		s.cleanup(ar.run.ID)
	})
	s.mu.Unlock()
}

// cleanup forgets a terminal run, releases its gate slots and deletes its
// remaining jobs. Errors are logged, never returned. It is a no-op while the
// run is not terminal.
func (s *Scheduler) cleanup(runID string) {
	s.mu.Lock()
	ar, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !ar.run.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("cleanup skipped, run still active", slog.String("run_id", runID), slog.String("status", string(ar.run.Status)))
		return
	}
	delete(s.runs, runID)
	var pending []backend.JobHandle
	for i, h := range ar.handles {
		if !ar.deleted[i] {
			ar.deleted[i] = true
			pending = append(pending, h)
		}
	}
	s.mu.Unlock()

	s.gate.Release(ar.admitted)
	ctx := ar.ctx
	for _, h := range pending {
		s.deleteJob(ctx, h)
	}
	ar.cancel()
	s.logger.DebugContext(ctx, "run cleaned up", slog.Int("jobs_deleted", len(pending)))
}

// deleteJob deletes one job and reports whether it is gone. Failures are logged.
func (s *Scheduler) deleteJob(ctx context.Context, h backend.JobHandle) bool {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeleteTimeout)
	defer cancel()

	ok, err := s.backend.DeleteJob(dctx, h)
	if err != nil {
		err = &domain.BackendError{Op: domain.OpDelete, Job: h.Name, Err: err}
	} else if !ok {
		err = &domain.BackendError{Op: domain.OpDelete, Job: h.Name, Err: backend.ErrJobNotFound}
	}
	if err != nil {
		s.metrics.JobDeleteFailed()
		s.logger.WarnContext(ctx, "job deletion failed", slog.String("job_id", h.Name), slog.Any("error", err))
		return false
	}
	return true
}

// GetRunStatus returns a snapshot of the run. Runs no longer tracked are read from the store.
func (s *Scheduler) GetRunStatus(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	ar, ok := s.runs[runID]
	var snap *domain.Run
	if ok {
		snap = ar.run.Clone()
	}
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	if s.store != nil {
		run, err := s.store.GetRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, domain.ErrRunNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", runID, domain.ErrRunNotFound)
}

// ActiveRuns returns snapshots of every tracked run
func (s *Scheduler) ActiveRuns() []*domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*domain.Run, 0, len(s.runs))
	for _, ar := range s.runs {
		runs = append(runs, ar.run.Clone())
	}
	return runs
}

// CancelRun marks a live run cancelled, stops its wait loop and deletes every
// job before returning, including one whose creation was in flight. The status
// is cancelled even when deletions fail; the result is false in that case.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	ar, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		if _, err := s.GetRunStatus(ctx, runID); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%s: %w", runID, domain.ErrRunTerminal)
	}
	if ar.run.Status.IsTerminal() {
		s.mu.Unlock()
		return false, fmt.Errorf("%s: %w", runID, domain.ErrRunTerminal)
	}

	now := s.now()
	ar.run.Status = domain.RunCancelled
	ar.run.CompletedAt = &now
	var (
		idx     []int
		handles []backend.JobHandle
	)
	for i, h := range ar.handles {
		if !ar.deleted[i] {
			ar.deleted[i] = true
			idx = append(idx, i)
			handles = append(handles, h)
		}
	}
	snap := ar.run.Clone()
	s.mu.Unlock()

	ar.cancel()
	s.logger.InfoContext(ar.ctx, "cancelling run", slog.Int("jobs", len(handles)))
	s.publish(ar.ctx, snap)

	complete := true
	var failed []int
	for k, h := range handles {
		if !s.deleteJob(ctx, h) {
			complete = false
			failed = append(failed, idx[k])
		}
	}

	if len(failed) > 0 {
		// Leave failed deletions to cleanup
		s.mu.Lock()
		for _, i := range failed {
			ar.deleted[i] = false
		}
		s.mu.Unlock()
	}

	// A creation in flight sees the cancelled status and deletes its own job
	select {
	case <-ar.creating:
	case <-ctx.Done():
		return false, nil
	}
	s.mu.Lock()
	for _, d := range ar.deleted {
		if !d {
			complete = false
		}
	}
	s.mu.Unlock()
	return complete, nil
}

// Shutdown cancels every active run, waits for their goroutines and cleans them up
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var live []string
	for id, ar := range s.runs {
		if !ar.run.Status.IsTerminal() {
			live = append(live, id)
		}
	}
	s.mu.Unlock()

	for _, id := range live {
		if _, err := s.CancelRun(ctx, id); err != nil && !errors.Is(err, domain.ErrRunTerminal) {
			s.logger.WarnContext(ctx, "cancel on shutdown failed", slog.String("run_id", id), slog.Any("error", err))
		}
	}

	// Pull pending cleanups forward
	s.mu.Lock()
	var due []string
	for id, ar := range s.runs {
		if ar.cleanup != nil && ar.cleanup.Stop() {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	for _, id := range due {
		s.cleanup(id)
		s.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) snapshot(ar *activeRun) *domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ar.run.Clone()
}

// publish persists the snapshot and informs listeners
func (s *Scheduler) publish(ctx context.Context, snap *domain.Run) {
	if s.store != nil {
		if err := s.store.SaveRun(context.WithoutCancel(ctx), snap); err != nil {
			s.logger.WarnContext(ctx, "saving run failed", slog.Any("error", err))
		}
	}
	s.mu.Lock()
	listeners := make([]func(*domain.Run), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap.Clone())
	}
}
