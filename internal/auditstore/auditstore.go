// Package auditstore persists run outcomes and tool-event history to a
// local SQLite database, giving the wrapper a session index and "mining
// state" (which runs have already been scanned for memory candidates) that
// survives process restarts.
//
// The schema/pragma/retry shape is grounded on SQLiteStore in the reference
// term-llm codebase (internal/session/sqlite.go): WAL journal mode, a
// busy_timeout pragma, and an exponential-backoff retry wrapper around
// SQLITE_BUSY errors, adapted from "chat session + message history" to
// "supervised run + tool event history."
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memwrapper/mem-wrapper/internal/supervisor"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id       TEXT PRIMARY KEY,
    started_at   TIMESTAMP NOT NULL,
    duration_ms  INTEGER NOT NULL,
    exit_code    INTEGER NOT NULL,
    reason       TEXT NOT NULL,
    total_requests INTEGER NOT NULL DEFAULT 0,
    failed_results INTEGER NOT NULL DEFAULT 0,
    mined        BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_events (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id   TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    kind     TEXT NOT NULL,
    tool     TEXT,
    payload  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, sequence);
`

// Store wraps a SQLite-backed connection for run/event persistence.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, or an
// in-memory database if path is ":memory:".
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("auditstore: create data directory: %w", err)
		}
	}

	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditstore: initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun persists a completed run's outcome and its recognised tool
// events, retrying on SQLITE_BUSY the same way the reference session store
// does for high-contention writers.
func (s *Store) RecordRun(ctx context.Context, runID string, startedAt time.Time, o supervisor.Outcome) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, started_at, duration_ms, exit_code, reason, total_requests, failed_results, mined)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(run_id) DO UPDATE SET
				duration_ms = excluded.duration_ms,
				exit_code = excluded.exit_code,
				reason = excluded.reason,
				total_requests = excluded.total_requests,
				failed_results = excluded.failed_results`,
			runID, startedAt, o.Duration.Milliseconds(), o.ExitCode, string(o.Reason),
			o.Correlation.TotalRequests, o.Correlation.FailedResults)
		if err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		for i, ev := range o.Events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", i, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO run_events (run_id, sequence, kind, tool, payload)
				VALUES (?, ?, ?, ?, ?)`,
				runID, i, string(ev.Kind), ev.Tool, string(payload))
			if err != nil {
				return fmt.Errorf("insert event %d: %w", i, err)
			}
		}

		return tx.Commit()
	})
}

// UnminedRuns returns run IDs that completed normally but have not yet been
// marked mined (i.e. scanned for memory candidates).
func (s *Store) UnminedRuns(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs WHERE mined = 0 AND reason = ? ORDER BY started_at ASC LIMIT ?`,
		string(supervisor.ReasonNormal), limit)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query unmined runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("auditstore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkMined flags a run as having been scanned for memory candidates, so
// it is not offered to the mining pass again.
func (s *Store) MarkMined(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE runs SET mined = 1 WHERE run_id = ?`, runID)
		return err
	})
}

// LoadEvents reconstructs a run's recognised tool events from storage, in
// original sequence order.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]toolevent.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM run_events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query events: %w", err)
	}
	defer rows.Close()

	var events []toolevent.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("auditstore: scan event: %w", err)
		}
		var ev toolevent.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("auditstore: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// retryOnBusy mirrors the reference session store's exponential-backoff
// retry around SQLITE_BUSY, since write-heavy audit persistence under a
// stalled/aborting run can contend with concurrent reads (e.g. a `replay`
// command inspecting an in-progress run).
func retryOnBusy(ctx context.Context, maxRetries int, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !isBusyError(err) {
			return err
		}
		d := time.Duration(10*(1<<i)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}
