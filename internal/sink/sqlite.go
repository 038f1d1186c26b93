package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// SQLite stores chunks and run snapshots in a SQLite database
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and runs migrations
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from parallel variations and keeps
	// a :memory: database alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// dsn applies the pragmas to every connection the pool opens
func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Write appends a chunk
func (s *SQLite) Write(ctx context.Context, chunk domain.OutputChunk) (bool, error) {
	if err := validate(chunk); err != nil {
		return false, err
	}
	ts := chunk.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (run_id, variation_id, content_type, content, ts)
		VALUES (?, ?, ?, ?, ?)
	`, chunk.RunID, chunk.VariationID, string(chunk.ContentType), chunk.Content, ts.UnixNano())
	if err != nil {
		return false, fmt.Errorf("inserting chunk: %w", err)
	}
	return true, nil
}

// ChunkFilter narrows ListChunks
type ChunkFilter struct {
	VariationID string
	ContentType domain.ContentType
	Limit       int
}

// ListChunks returns the chunks of a run in write order
func (s *SQLite) ListChunks(ctx context.Context, runID string, f ChunkFilter) ([]domain.OutputChunk, error) {
	query := `SELECT run_id, variation_id, content_type, content, ts FROM chunks WHERE run_id = ?`
	args := []interface{}{runID}

	if f.VariationID != "" {
		query += " AND variation_id = ?"
		args = append(args, f.VariationID)
	}
	if f.ContentType != "" {
		query += " AND content_type = ?"
		args = append(args, string(f.ContentType))
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.OutputChunk
	for rows.Next() {
		var (
			c  domain.OutputChunk
			ct string
			ts int64
		)
		if err := rows.Scan(&c.RunID, &c.VariationID, &ct, &c.Content, &ts); err != nil {
			return nil, err
		}
		c.ContentType = domain.ContentType(ct)
		c.Timestamp = time.Unix(0, ts)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// PurgeBefore deletes chunks older than cutoff and returns how many were removed
func (s *SQLite) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveRun inserts or replaces a run snapshot
func (s *SQLite) SaveRun(ctx context.Context, run *domain.Run) error {
	jobsJSON, err := json.Marshal(run.Jobs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source_ref, prompt, provider, variation_count, status, error, jobs, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			jobs = excluded.jobs,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		run.ID,
		run.SourceRef,
		run.Prompt,
		run.Provider,
		run.VariationCount,
		string(run.Status),
		run.Error,
		string(jobsJSON),
		run.CreatedAt.UnixNano(),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
	)
	return err
}

// GetRun returns a stored run or domain.ErrRunNotFound
func (s *SQLite) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, prompt, provider, variation_count, status, error, jobs, created_at, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_ref, prompt, provider, variation_count, status, error, jobs, created_at, started_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var (
		run                      domain.Run
		sourceRef, provider, msg sql.NullString
		jobsJSON                 sql.NullString
		status                   string
		created                  int64
		started, completed       sql.NullInt64
	)
	err := row.Scan(&run.ID, &sourceRef, &run.Prompt, &provider, &run.VariationCount,
		&status, &msg, &jobsJSON, &created, &started, &completed)
	if err != nil {
		return nil, err
	}

	run.SourceRef = sourceRef.String
	run.Provider = provider.String
	run.Error = msg.String
	run.Status = domain.RunStatus(status)
	run.CreatedAt = time.Unix(0, created)
	run.StartedAt = fromNull(started)
	run.CompletedAt = fromNull(completed)
	if jobsJSON.Valid && jobsJSON.String != "" {
		if err := json.Unmarshal([]byte(jobsJSON.String), &run.Jobs); err != nil {
			return nil, fmt.Errorf("decoding jobs of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
