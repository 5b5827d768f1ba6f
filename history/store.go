// Package history keeps finished test runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"netscript/coordinator"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run is a stored run without its records.
type Run struct {
	RunID          string                 `json:"run_id"`
	ScriptName     string                 `json:"script_name"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	Duration       time.Duration          `json:"duration"`
	Steps          int                    `json:"steps"`
	StepsCompleted int                    `json:"steps_completed"`
	Passed         int                    `json:"passed"`
	Failed         int                    `json:"failed"`
	Aborted        bool                   `json:"aborted"`
	Error          string                 `json:"error,omitempty"`
	LogPath        string                 `json:"log_path,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Deliveries     []coordinator.Delivery `json:"deliveries,omitempty"`
}

// Store implements coordinator.History using SQLite.
type Store struct {
	db *sql.DB
}

var _ coordinator.History = (*Store)(nil)

// Open opens or creates the database at dsn. Foreign keys are enforced on
// every pooled connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Every connection to an in-memory database is a separate database.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			script_name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			steps_completed INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			aborted INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			log_path TEXT,
			summary TEXT,
			deliveries TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			details TEXT,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a finished run and its records.
func (s *Store) Save(ctx context.Context, r *coordinator.Report) error {
	if r == nil {
		return errors.New("report cannot be nil")
	}
	deliveries, err := json.Marshal(r.Deliveries)
	if err != nil {
		return errors.Wrap(err, "failed to encode deliveries")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, script_name, started_at, ended_at, duration_ms, steps, steps_completed,
		 passed, failed, aborted, error, log_path, summary, deliveries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), r.ScriptName, formatTime(r.StartTime), formatTime(r.EndTime),
		r.Duration.Milliseconds(), r.Steps, r.StepsCompleted, r.Passed, r.Failed,
		r.Aborted, r.Error, r.LogPath, r.Summary, string(deliveries))
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	for i, rec := range r.Records {
		_, err := tx.ExecContext(ctx, `INSERT INTO results
			(run_id, seq, name, passed, details, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID.String(), i, rec.Name, rec.Passed, rec.Details, formatTime(rec.Timestamp))
		if err != nil {
			return errors.Wrapf(err, "failed to insert result %q", rec.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit run")
	}
	return nil
}

const runColumns = `run_id, script_name, started_at, ended_at, duration_ms, steps, steps_completed,
	passed, failed, aborted, error, log_path, summary, deliveries`

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

// Results returns the records of a run in the order they were recorded.
func (s *Store) Results(ctx context.Context, runID string) ([]coordinator.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, passed, details, recorded_at FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query results")
	}
	defer rows.Close()

	var records []coordinator.Record
	for rows.Next() {
		var (
			rec     coordinator.Record
			details sql.NullString
			at      string
		)
		if err := rows.Scan(&rec.Name, &rec.Passed, &details, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan result")
		}
		rec.Details = details.String
		rec.Timestamp = parseTime(at)
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run              Run
		started, ended   string
		durationMS       int64
		errText, logPath sql.NullString
		summary, dl      sql.NullString
	)
	err := sc.Scan(&run.RunID, &run.ScriptName, &started, &ended, &durationMS, &run.Steps,
		&run.StepsCompleted, &run.Passed, &run.Failed, &run.Aborted, &errText, &logPath, &summary, &dl)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}

	run.StartTime = parseTime(started)
	run.EndTime = parseTime(ended)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Error = errText.String
	run.LogPath = logPath.String
	run.Summary = summary.String
	if dl.Valid && dl.String != "" && dl.String != "null" {
		if err := json.Unmarshal([]byte(dl.String), &run.Deliveries); err != nil {
			return nil, errors.Wrap(err, "failed to decode deliveries")
		}
	}
	return &run, nil
}

// timeLayout has fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
