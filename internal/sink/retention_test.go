package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/variation-orchestrator/internal/logging"
)

type recordingPurger struct {
	cutoffs []time.Time
}

func (p *recordingPurger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, nil
}

func TestRetention_PurgeOnce(t *testing.T) {
	p := &recordingPurger{}
	r, err := NewRetention(p, "0 3 * * *", 72*time.Hour, logging.Discard())
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	n, err := r.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-72*time.Hour), p.cutoffs[0])

	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), r.NextRun(now))
}

func TestRetention_Validation(t *testing.T) {
	_, err := NewRetention(&recordingPurger{}, "not a cron", time.Hour, nil)
	assert.Error(t, err)

	_, err = NewRetention(&recordingPurger{}, "@daily", 0, nil)
	assert.Error(t, err)
}

func TestRetention_RunStopsOnCancel(t *testing.T) {
	r, err := NewRetention(&recordingPurger{}, "0 3 * * *", time.Hour, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
