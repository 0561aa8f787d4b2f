// File: internal/state/state.go
// Brief: Local sqlite run history.

// Package state records every deploy, destroy and verify run, together with
// the stack outputs a successful deploy produced.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	_ "modernc.org/sqlite"
)

// DefaultPath is the store location used when none is configured.
const DefaultPath = "~/.lampstack/state.sqlite"

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNoRun is returned when no matching run exists.
var ErrNoRun = errors.New("no matching run")

type Run struct {
	ID             string     `json:"id"`
	Stack          string     `json:"stack"`
	Command        string     `json:"command"`
	Region         string     `json:"region,omitempty"`
	TemplateDigest string     `json:"templateDigest,omitempty"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Duration is zero while the run is in flight.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	now      func() time.Time
}

// Open opens (and creates, unless readOnly) the store at path. A leading ~ is
// expanded to the home directory.
func Open(path string, readOnly bool) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", path, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, err
	}
	if readOnly {
		if _, err := os.Stat(abs); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}

	dsn := abs
	if readOnly {
		u := url.URL{Scheme: "file", Path: abs}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "5000")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: abs, readOnly: readOnly, now: time.Now}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  stack TEXT NOT NULL,
  command TEXT NOT NULL,
  region TEXT NOT NULL DEFAULT '',
  template_digest TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  started_at_ns INTEGER NOT NULL,
  finished_at_ns INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS runs_stack_started ON runs(stack, started_at_ns DESC);`,
		`
CREATE TABLE IF NOT EXISTS run_outputs (
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  value TEXT NOT NULL,
  PRIMARY KEY (run_id, name)
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a running run and returns it with a fresh ID.
func (s *Store) CreateRun(ctx context.Context, stack, command, region, templateDigest string) (*Run, error) {
	run := &Run{
		ID:             uuid.NewString(),
		Stack:          stack,
		Command:        command,
		Region:         region,
		TemplateDigest: templateDigest,
		Status:         StatusRunning,
		StartedAt:      s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, stack, command, region, template_digest, status, started_at_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Stack, run.Command, run.Region, run.TemplateDigest, run.Status, run.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun marks the run succeeded (runErr nil) or failed and stores outputs.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error, outputs map[string]string) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, finished_at_ns = ? WHERE run_id = ?`,
		status, msg, s.now().UTC().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNoRun)
	}
	names := make([]string, 0, len(outputs))
	for k := range outputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO run_outputs (run_id, name, value) VALUES (?, ?, ?)`, runID, name, outputs[name]); err != nil {
			return fmt.Errorf("insert output %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the newest runs first; an empty stack lists every stack.
func (s *Store) ListRuns(ctx context.Context, stack string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, stack, command, region, template_digest, status, error, started_at_ns, finished_at_ns
FROM runs
WHERE (? = '' OR stack = ?)
ORDER BY started_at_ns DESC
LIMIT ?`, stack, stack, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Stack, &r.Command, &r.Region, &r.TemplateDigest, &r.Status, &r.Error, &started, &finished); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

// LastSucceeded returns the most recent successful run of command for stack.
func (s *Store) LastSucceeded(ctx context.Context, stack, command string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, stack, command, region, template_digest, status, error, started_at_ns, finished_at_ns
FROM runs
WHERE stack = ? AND command = ? AND status = ?
ORDER BY started_at_ns DESC
LIMIT 1`, stack, command, StatusSucceeded)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRun
	}
	return r, err
}

// Outputs returns the outputs recorded for a run.
func (s *Store) Outputs(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM run_outputs WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
