package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    worker_id   INTEGER NOT NULL,
    duration_ms BIGINT NOT NULL,
    outcome     TEXT NOT NULL,
    error       TEXT NOT NULL,
    finished_at BIGINT NOT NULL
)`

// Run is one row of the audit trail.
type Run struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	WorkerID   int           `json:"worker_id"`
	Duration   time.Duration `json:"duration_ns"`
	Outcome    string        `json:"outcome"` // ok, error or panic
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Config selects the audit database.
type Config struct {
	Driver string
	DSN    string
}

// Store reads and writes the job_runs table.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenAudit opens the database and creates job_runs if needed.
func OpenAudit(ctx context.Context, cfg Config) (*Store, error) {
	db, err := OpenPool(ctx, DefaultPoolConfig(cfg.Driver, cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Store{db: db, driver: cfg.Driver}, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL drivers.
func (s *Store) rebind(query string) string {
	if !postgresDriver(s.driver) {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert records one run.
func (s *Store) Insert(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO job_runs (id, name, worker_id, duration_ms, outcome, error, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Name, run.WorkerID, run.Duration.Milliseconds(), run.Outcome, run.Error, run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, worker_id, duration_ms, outcome, error, finished_at FROM job_runs ORDER BY finished_at DESC, id LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			durationMS int64
			finishedMS int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.WorkerID, &durationMS, &r.Outcome, &r.Error, &finishedMS); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.FinishedAt = time.UnixMilli(finishedMS)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Count returns the number of recorded runs with the given outcome, or all
// runs if outcome is empty.
func (s *Store) Count(ctx context.Context, outcome string) (int64, error) {
	query, args := `SELECT COUNT(*) FROM job_runs`, []interface{}{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
