// Package history records completed pipeline runs in a local SQLite
// database so past runs and their results can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/irschad/kpt/pkg/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists run history in SQLite. It implements pipeline.RunRecorder.
type Store struct {
	db   *sql.DB
	path string
}

// Run is one recorded pipeline run.
type Run struct {
	ID          string
	Root        string
	State       string
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
	Invocations int
	Deferred    int
	Failed      int
}

// RunResult is one recorded result set summary.
type RunResult struct {
	RunID         string
	SequenceIndex int
	Name          string
	ExitCode      int
	Severity      string
	Items         int
}

// Open creates the store, opens the database and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is required")
	}

	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dataSourceName builds the DSN for the modernc driver. Pragmas go in
// repeated _pragma parameters; the mattn-style _journal_mode form is
// silently ignored by this driver.
func dataSourceName(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate applies the embedded schema migrations.
func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun persists a completed run and its result set summaries.
func (s *Store) RecordRun(ctx context.Context, rec *pipeline.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, root, state, exit_code, started_at, finished_at, invocations, deferred, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Root,
		string(rec.State),
		rec.ExitCode,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Invocations,
		rec.Deferred,
		rec.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, set := range rec.Results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_results (run_id, sequence_index, name, exit_code, severity, items)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			set.SequenceIndex,
			set.Name,
			set.ExitCode,
			string(set.Severity()),
			len(set.Items),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}
	return nil
}

// ListRuns returns recorded runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root, state, exit_code, started_at, finished_at, invocations, deferred, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Root,
			&run.State,
			&run.ExitCode,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Invocations,
			&run.Deferred,
			&run.Failed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun retrieves one recorded run and its result summaries.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, []*RunResult, error) {
	run := &Run{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, root, state, exit_code, started_at, finished_at, invocations, deferred, failed
		FROM runs
		WHERE id = ?
	`, id).Scan(
		&run.ID,
		&run.Root,
		&run.State,
		&run.ExitCode,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Invocations,
		&run.Deferred,
		&run.Failed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence_index, name, exit_code, severity, items
		FROM run_results
		WHERE run_id = ?
		ORDER BY sequence_index
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list run results: %w", err)
	}
	defer rows.Close()

	results := []*RunResult{}
	for rows.Next() {
		res := &RunResult{}
		err := rows.Scan(
			&res.RunID,
			&res.SequenceIndex,
			&res.Name,
			&res.ExitCode,
			&res.Severity,
			&res.Items,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan run result: %w", err)
		}
		results = append(results, res)
	}
	return run, results, rows.Err()
}
