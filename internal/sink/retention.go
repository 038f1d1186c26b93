package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes chunks older than a cutoff
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention purges old chunks on a cron schedule
type Retention struct {
	purger   Purger
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// ParseCron parses a standard five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NewRetention creates a purge loop removing chunks older than maxAge
func NewRetention(purger Purger, expr string, maxAge time.Duration, logger *slog.Logger) (*Retention, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", maxAge)
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{purger: purger, schedule: sched, maxAge: maxAge, logger: logger, now: time.Now}, nil
}

// NextRun returns the next purge time after t
func (r *Retention) NextRun(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// PurgeOnce removes everything older than the retention window
func (r *Retention) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging chunks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	r.logger.InfoContext(ctx, "purged old chunks", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	return n, nil
}

// Run purges on schedule until ctx is done
func (r *Retention) Run(ctx context.Context) {
	for {
		next := r.schedule.Next(r.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.PurgeOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "chunk purge failed", slog.Any("error", err))
			}
		}
	}
}
