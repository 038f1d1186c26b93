package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_WriteAndListChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []domain.OutputChunk{
		chunk("r1", "r1-v0", domain.ContentLogging, "system: init"),
		chunk("r1", "r1-v0", domain.ContentJobData, "first"),
		chunk("r1", "r1-v1", domain.ContentJobData, "second"),
		chunk("r2", "r2-v0", domain.ContentJobData, "other run"),
	} {
		ok, err := s.Write(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
	}

	all, err := s.ListChunks(ctx, "r1", ChunkFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "system: init", all[0].Content, "write order is kept")
	assert.Equal(t, "second", all[2].Content)

	v0, err := s.ListChunks(ctx, "r1", ChunkFilter{VariationID: "r1-v0", ContentType: domain.ContentJobData})
	require.NoError(t, err)
	require.Len(t, v0, 1)
	assert.Equal(t, "first", v0[0].Content)

	limited, err := s.ListChunks(ctx, "r1", ChunkFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_RejectsInvalidType(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Write(context.Background(), chunk("r1", "v0", "stdout", "x"))
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestSQLite_PurgeBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := chunk("r1", "v0", domain.ContentJobData, "old")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	s.Write(ctx, old)
	s.Write(ctx, chunk("r1", "v0", domain.ContentJobData, "new"))

	n, err := s.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, _ := s.ListChunks(ctx, "r1", ChunkFilter{})
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Content)
}

func TestSQLite_RunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	run := &domain.Run{
		ID:             "run-1",
		SourceRef:      "main",
		Prompt:         "fix the tests",
		Provider:       "claude",
		VariationCount: 2,
		Status:         domain.RunRunning,
		CreatedAt:      started,
		StartedAt:      &started,
		Jobs: []domain.Job{
			{ID: "run-1-v0", RunID: "run-1", VariationIndex: 0, Handle: "h0", Phase: domain.JobRunning},
			{ID: "run-1-v1", RunID: "run-1", VariationIndex: 1, Handle: "h1", Phase: domain.JobRunning},
		},
	}
	require.NoError(t, s.SaveRun(ctx, run))

	done := time.Now()
	run.Status = domain.RunFailed
	run.Error = "all 2 variations failed"
	run.CompletedAt = &done
	run.Jobs[0].Phase = domain.JobFailed
	run.Jobs[1].Phase = domain.JobFailed
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "all 2 variations failed", got.Error)
	assert.Equal(t, "fix the tests", got.Prompt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, domain.JobFailed, got.Jobs[1].Phase)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestSQLite_ConcurrentWritersOnFile(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	const writers, perWriter = 16, 100
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			variation := fmt.Sprintf("r1-v%d", w)
			for i := 0; i < perWriter; i++ {
				if _, err := s.Write(ctx, chunk("r1", variation, domain.ContentJobData, "line")); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			run := &domain.Run{ID: "r1", Status: domain.RunRunning, VariationCount: writers, CreatedAt: time.Now()}
			if err := s.SaveRun(ctx, run); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}
	all, err := s.ListChunks(ctx, "r1", ChunkFilter{})
	require.NoError(t, err)
	assert.Len(t, all, writers*perWriter)
}
