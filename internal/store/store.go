package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-nav/api/schemas"
)

// ErrRunNotFound is returned by the read side when no run has the given ID.
var ErrRunNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS nav_runs (
            id          TEXT PRIMARY KEY,
            goal        TEXT NOT NULL,
            start_url   TEXT NOT NULL DEFAULT '',
            headless    BOOLEAN NOT NULL DEFAULT TRUE,
            status      TEXT NOT NULL DEFAULT 'running',
            message     TEXT NOT NULL DEFAULT '',
            steps       INTEGER NOT NULL DEFAULT 0,
            created_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ
        );
        CREATE TABLE IF NOT EXISTS nav_steps (
            run_id      TEXT NOT NULL REFERENCES nav_runs(id) ON DELETE CASCADE,
            step_index  INTEGER NOT NULL,
            action      TEXT NOT NULL,
            message     TEXT NOT NULL,
            reason      TEXT NOT NULL DEFAULT '',
            success     BOOLEAN NOT NULL,
            url         TEXT NOT NULL DEFAULT '',
            parse_error TEXT NOT NULL DEFAULT '',
            elapsed_ms  BIGINT NOT NULL DEFAULT 0,
            created_at  TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, step_index)
        );
    `

const (
	sqlInsertRun = `
        INSERT INTO nav_runs (id, goal, start_url, headless, status, created_at)
        VALUES ($1, $2, $3, $4, 'running', $5)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlInsertStep = `
        INSERT INTO nav_steps (run_id, step_index, action, message, reason, success, url, parse_error, elapsed_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (run_id, step_index) DO NOTHING;
    `
	sqlFinishRun = `
        UPDATE nav_runs
        SET status = $2, message = $3, steps = $4, finished_at = $5
        WHERE id = $1;
    `
	sqlSelectRun = `
        SELECT id, goal, start_url, headless, status, message, steps, created_at, finished_at
        FROM nav_runs
        WHERE id = $1;
    `
	sqlSelectSteps = `
        SELECT step_index, action, message, reason, success, url, parse_error, elapsed_ms, created_at
        FROM nav_steps
        WHERE run_id = $1
        ORDER BY step_index ASC;
    `
)

// Run is the persisted summary of one session.
type Run struct {
	ID         string     `json:"session_id"`
	Goal       string     `json:"goal"`
	StartURL   string     `json:"start_url,omitempty"`
	Headless   bool       `json:"headless"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Steps      int        `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store is the PostgreSQL run journal.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunJournal = (*Store)(nil)

// Connect opens a pool for the given URL and returns a ready store with the
// schema in place.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SessionStarted records the header of a new run.
func (s *Store) SessionStarted(ctx context.Context, rec schemas.SessionRecord) error {
	_, err := s.pool.Exec(ctx, sqlInsertRun, rec.ID, rec.Goal, rec.StartURL, rec.Headless, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.ID, err)
	}
	return nil
}

// StepRecorded appends one step. Re-recording the same index is a no-op.
func (s *Store) StepRecorded(ctx context.Context, rec schemas.StepRecord) error {
	_, err := s.pool.Exec(ctx, sqlInsertStep,
		rec.SessionID, rec.Index, rec.Action, rec.Message, rec.Reason,
		rec.Success, rec.URL, rec.ParseError, rec.ElapsedMS, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %d of run %s: %w", rec.Index, rec.SessionID, err)
	}
	return nil
}

// SessionFinished stamps the terminal status onto a run.
func (s *Store) SessionFinished(ctx context.Context, sessionID, status, message string, steps int) error {
	tag, err := s.pool.Exec(ctx, sqlFinishRun, sessionID, status, message, steps, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Finished a run that was never recorded as started", zap.String("session_id", sessionID))
	}
	return nil
}

// GetRun loads a run summary and its steps.
func (s *Store) GetRun(ctx context.Context, sessionID string) (*Run, []schemas.StepRecord, error) {
	var run Run
	err := s.pool.QueryRow(ctx, sqlSelectRun, sessionID).Scan(
		&run.ID, &run.Goal, &run.StartURL, &run.Headless,
		&run.Status, &run.Message, &run.Steps, &run.CreatedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrRunNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlSelectSteps, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []schemas.StepRecord
	for rows.Next() {
		rec := schemas.StepRecord{SessionID: sessionID}
		err := rows.Scan(
			&rec.Index, &rec.Action, &rec.Message, &rec.Reason, &rec.Success,
			&rec.URL, &rec.ParseError, &rec.ElapsedMS, &rec.CreatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return &run, steps, nil
}
