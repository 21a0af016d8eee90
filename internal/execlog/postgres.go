package execlog

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// execer is the slice of *pgxpool.Pool the sink uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts entries into a table, one row per entry.
type PostgresSink struct {
	db     execer
	close  func()
	table  string
	insert string
}

// NewPostgresSink connects to dsn, creates the table if needed and returns
// the sink. Close releases the pool.
func NewPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := newPostgresSink(pool, table)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db execer, table string) *PostgresSink {
	insert := fmt.Sprintf(`
		INSERT INTO %s (logged_at, task_id, task_type, provider, tenant_id, status, duration_ms, error_code, error_message, original_provider, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
	`, table)
	return &PostgresSink{db: db, close: func() {}, table: table, insert: insert}
}

// Migrate creates the table and its lookup index when missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                BIGSERIAL PRIMARY KEY,
			logged_at         TIMESTAMPTZ NOT NULL,
			task_id           TEXT NOT NULL,
			task_type         TEXT NOT NULL,
			provider          TEXT NOT NULL,
			tenant_id         TEXT NOT NULL,
			status            TEXT NOT NULL,
			duration_ms       BIGINT NOT NULL DEFAULT 0,
			error_code        TEXT,
			error_message     TEXT,
			original_provider TEXT,
			attempt           INT NOT NULL DEFAULT 0
		)`, s.table)); err != nil {
		return fmt.Errorf("creating %s: %w", s.table, err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %[1]s_task_id_idx ON %[1]s (task_id)`, s.table)); err != nil {
		return fmt.Errorf("indexing %s: %w", s.table, err)
	}
	return nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, s.insert,
		e.Timestamp, e.TaskID, e.TaskType, e.Provider, e.TenantID, string(e.Status),
		e.DurationMs, e.ErrorCode, e.ErrorMessage, e.OriginalProvider, e.Attempt)
	return err
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.close()
	return nil
}
