// Package gate implements admission control over concurrent runs and jobs.
package gate

import (
	"log/slog"
	"sync"
)

// Counters is a snapshot of the gate's state
type Counters struct {
	ActiveRuns int
	ActiveJobs int
	MaxRuns    int
	MaxJobs    int
}

// Gate bounds the number of concurrent runs and the total number of jobs
// those runs may hold. Counters live for the lifetime of the process.
type Gate struct {
	maxRuns    int
	maxJobs    int
	activeRuns int
	activeJobs int
	logger     *slog.Logger
	onChange   func(Counters) // Callback when counters or limits change
	mu         sync.Mutex
}

// New creates a gate with the given capacity
func New(maxRuns, maxJobs int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		maxRuns: maxRuns,
		maxJobs: maxJobs,
		logger:  logger,
	}
}

// SetOnChange sets a callback to be invoked when counters or limits change
func (g *Gate) SetOnChange(callback func(Counters)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = callback
}

// Admit claims one run slot and requestedJobs job slots.
// It returns false without touching the counters when either limit would be exceeded.
func (g *Gate) Admit(requestedJobs int) bool {
	g.mu.Lock()
	if requestedJobs < 0 || g.activeRuns >= g.maxRuns || g.activeJobs+requestedJobs > g.maxJobs {
		g.mu.Unlock()
		return false
	}
	g.activeRuns++
	g.activeJobs += requestedJobs
	callback, snap := g.onChange, g.snapshotLocked()
	g.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(snap)
	}
	return true
}

// Release returns one run slot and jobs job slots.
// A release without a matching admit is a caller bug; the counters are
// clamped at zero and a warning is logged.
func (g *Gate) Release(jobs int) {
	g.mu.Lock()
	if g.activeRuns > 0 {
		g.activeRuns--
	} else {
		g.logger.Warn("gate release without active run, clamping at zero")
	}
	g.activeJobs -= jobs
	if g.activeJobs < 0 {
		g.logger.Warn("gate job counter underflow, clamping at zero",
			slog.Int("released", jobs), slog.Int("deficit", -g.activeJobs))
		g.activeJobs = 0
	}
	callback, snap := g.onChange, g.snapshotLocked()
	g.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
}

// SetLimits updates the capacity. Work already admitted is never evicted;
// lowered limits only affect later admissions.
func (g *Gate) SetLimits(maxRuns, maxJobs int) {
	g.mu.Lock()
	g.maxRuns = maxRuns
	g.maxJobs = maxJobs
	callback, snap := g.onChange, g.snapshotLocked()
	g.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
}

// Counters returns the current state
func (g *Gate) Counters() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() Counters {
	return Counters{
		ActiveRuns: g.activeRuns,
		ActiveJobs: g.activeJobs,
		MaxRuns:    g.maxRuns,
		MaxJobs:    g.maxJobs,
	}
}
