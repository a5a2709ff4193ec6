// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history persists restart outcomes in SQLite so they can be
// reviewed after the fact with "proxyvisor history".
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/proxyvisor/internal/supervisor"
)

// Record is one stored outcome.
type Record struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Target     string    `json:"target"`
	ConfigPath string    `json:"config_path"`
	PIDFile    string    `json:"pid_file"`
	Kind       string    `json:"kind"`
	Phase      string    `json:"phase"`
	PID        int       `json:"pid,omitempty"`
	PriorPID   int       `json:"prior_pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Config contains configuration for the history store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Default: ~/.local/share/proxyvisor/history.db
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Store records outcomes. It implements supervisor.Reporter.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default database location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "proxyvisor", "history.db"), nil
}

// Open opens or creates the history database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		path, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	memory := cfg.Path == ":memory:"
	connStr := cfg.Path
	if !memory {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 4
	}
	// Each connection to :memory: is a separate database.
	if memory {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		target TEXT NOT NULL,
		config_path TEXT NOT NULL,
		pid_file TEXT NOT NULL,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		prior_pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_target ON outcomes(target, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Report implements supervisor.Reporter.
func (s *Store) Report(ctx context.Context, o supervisor.Outcome) error {
	at := o.Time
	if at.IsZero() {
		at = time.Now()
	}

	var exitCode sql.NullInt64
	if o.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*o.ExitCode), Valid: true}
	}
	errText := ""
	if o.Err != nil {
		errText = o.Err.Error()
	}

	// Recording must not depend on the caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO outcomes (cycle_id, target, config_path, pid_file, kind, phase, pid, prior_pid, exit_code, reason, error, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.CycleID, o.Target.DisplayName(), o.Target.ConfigPath, o.Target.PIDFile,
		string(o.Kind), string(o.Phase), o.PID, o.PriorPID, exitCode,
		o.Reason(), errText, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, cycle_id, target, config_path, pid_file, kind, phase, pid, prior_pid, exit_code, reason, error, recorded_at
	FROM outcomes
`

// Recent returns the newest records first, at most limit of them.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, selectColumns+` ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
}

// ForTarget returns the newest records of one target first.
func (s *Store) ForTarget(ctx context.Context, target string, limit int) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE target = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, target, limit)
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE recorded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			exitCode sql.NullInt64
			at       int64
		)
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Target, &r.ConfigPath, &r.PIDFile, &r.Kind, &r.Phase,
			&r.PID, &r.PriorPID, &exitCode, &r.Reason, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.Time = time.Unix(0, at)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}
