package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

const streamPrefix = "varorch:chunks:"

// StreamKey returns the redis stream holding the chunks of runID
func StreamKey(runID string) string {
	return streamPrefix + runID
}

// Redis appends chunks to one redis stream per run
type Redis struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
}

// RedisOptions configures the redis sink
type RedisOptions struct {
	URL    string
	MaxLen int64         // Approximate stream cap, 0 for 10000
	TTL    time.Duration // Stream expiry refreshed on every write, 0 to keep forever
}

// NewRedis connects to redis and verifies the connection
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.InfoContext(ctx, "redis sink connected", slog.String("addr", ropts.Addr))

	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Redis{client: client, maxLen: maxLen, ttl: opts.TTL}, nil
}

// Close closes the redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Write(ctx context.Context, chunk domain.OutputChunk) (bool, error) {
	if err := validate(chunk); err != nil {
		return false, err
	}
	ts := chunk.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	key := StreamKey(chunk.RunID)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":       chunk.RunID,
			"variation_id": chunk.VariationID,
			"content_type": string(chunk.ContentType),
			"content":      chunk.Content,
			"timestamp":    ts.Format(time.RFC3339Nano),
		},
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("xadd %s: %w", key, err)
	}
	return true, nil
}

// ReadChunks returns the chunks of runID still held in its stream
func (r *Redis) ReadChunks(ctx context.Context, runID string) ([]domain.OutputChunk, error) {
	msgs, err := r.client.XRange(ctx, StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	chunks := make([]domain.OutputChunk, 0, len(msgs))
	for _, m := range msgs {
		chunks = append(chunks, chunkFromValues(m.Values))
	}
	return chunks, nil
}

func chunkFromValues(v map[string]interface{}) domain.OutputChunk {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	ts, _ := time.Parse(time.RFC3339Nano, str("timestamp"))
	return domain.OutputChunk{
		RunID:       str("run_id"),
		VariationID: str("variation_id"),
		ContentType: domain.ContentType(str("content_type")),
		Content:     str("content"),
		Timestamp:   ts,
	}
}
