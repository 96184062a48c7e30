package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gorig/pkg/model"

	_ "modernc.org/sqlite"
)

// schema contains the DDL for all tables. Each statement uses IF NOT
// EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		outcome      TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id  TEXT NOT NULL REFERENCES runs(id),
		type    TEXT NOT NULL,
		source  TEXT NOT NULL,
		trial   INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT '',
		state   TEXT,
		time    TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, outcome, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, string(run.Outcome), run.StartedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	var run model.Run
	var outcome, startedAt string
	var completedAt *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, outcome, started_at, completed_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Name, &outcome, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Outcome = model.Outcome(outcome)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *completedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "limit", limit)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, outcome, started_at, completed_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		var run model.Run
		var outcome, startedAt string
		var completedAt *string
		if err := rows.Scan(&run.ID, &run.Name, &outcome, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Outcome = model.Outcome(outcome)
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if completedAt != nil {
			t, err := time.Parse(time.RFC3339Nano, *completedAt)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at: %w", err)
			}
			run.CompletedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, outcome model.Outcome) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "outcome", outcome)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, completed_at = ? WHERE id = ?`,
		string(outcome), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, ev model.Event) error {
	var stateJSON *string
	if ev.State != nil {
		raw, err := json.Marshal(ev.State)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		str := string(raw)
		stateJSON = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, type, source, trial, outcome, state, time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(ev.Type), ev.Source, ev.Trial, string(ev.Outcome), stateJSON, ev.Time.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]model.Event, error) {
	s.logger.Debug("sql", "op", "select", "table", "events", "run_id", runID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, source, trial, outcome, state, time FROM events WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var evType, outcome, evTime string
		var stateJSON *string
		if err := rows.Scan(&evType, &ev.Source, &ev.Trial, &outcome, &stateJSON, &evTime); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(evType)
		ev.Outcome = model.Outcome(outcome)
		if stateJSON != nil {
			if err := json.Unmarshal([]byte(*stateJSON), &ev.State); err != nil {
				return nil, fmt.Errorf("unmarshal state: %w", err)
			}
		}
		if ev.Time, err = time.Parse(time.RFC3339Nano, evTime); err != nil {
			return nil, fmt.Errorf("parse time: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
