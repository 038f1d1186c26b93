package sink

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "varorch:chunks:abc", StreamKey("abc"))
}

func TestChunkFromValues(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	c := chunkFromValues(map[string]interface{}{
		"run_id":       "r1",
		"variation_id": "r1-v0",
		"content_type": "diff",
		"content":      "diff --git a/x b/x",
		"timestamp":    ts.Format(time.RFC3339Nano),
	})
	assert.Equal(t, domain.ContentDiff, c.ContentType)
	assert.Equal(t, "r1-v0", c.VariationID)
	assert.True(t, c.Timestamp.Equal(ts))
}

// Runs against a real server when VARORCH_TEST_REDIS_URL is set
func TestRedis_WriteAndRead(t *testing.T) {
	url := os.Getenv("VARORCH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VARORCH_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisOptions{URL: url, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	runID := "test-" + time.Now().Format("150405.000000000")
	ok, err := r.Write(ctx, chunk(runID, runID+"-v0", domain.ContentJobData, "hello"))
	require.NoError(t, err)
	assert.True(t, ok)

	chunks, err := r.ReadChunks(ctx, runID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
}
