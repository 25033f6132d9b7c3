// Package jobstore persists job snapshots in SQLite so unfinished jobs
// survive a restart.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mastercactapus/gcnc/jobs"
)

const driverName = "sqlite"

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    gcode TEXT NOT NULL,
    state TEXT NOT NULL,
    priority INTEGER NOT NULL,
    progress REAL NOT NULL,
    current_line INTEGER NOT NULL,
    total_lines INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    error_message TEXT NOT NULL DEFAULT ''
);
`

const schemaJobsState = `CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);`

const columns = `id, name, gcode, state, priority, progress, current_line, total_lines,
	created_at, started_at, completed_at, error_message`

// Store reads and writes jobs.Job rows.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB) *Store { return &Store{db: db} }

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range []string{schemaJobs, schemaJobsState} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed width in UTC so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Save inserts j or replaces the stored row with the same id.
func (s *Store) Save(ctx context.Context, j jobs.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			gcode = excluded.gcode,
			state = excluded.state,
			priority = excluded.priority,
			progress = excluded.progress,
			current_line = excluded.current_line,
			total_lines = excluded.total_lines,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message
	`,
		j.ID,
		j.Name,
		j.GCode,
		string(j.State),
		int(j.Priority),
		j.Progress,
		j.CurrentLine,
		j.TotalLines,
		formatTime(j.CreatedAt),
		formatTimePtr(j.StartedAt),
		formatTimePtr(j.CompletedAt),
		j.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		j                  jobs.Job
		state, created     string
		priority           int
		started, completed sql.NullString
	)
	err := row.Scan(
		&j.ID,
		&j.Name,
		&j.GCode,
		&state,
		&priority,
		&j.Progress,
		&j.CurrentLine,
		&j.TotalLines,
		&created,
		&started,
		&completed,
		&j.ErrorMessage,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	j.State = jobs.State(state)
	j.Priority = jobs.ClampPriority(priority)

	j.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s created_at: %w", j.ID, err)
	}
	if j.StartedAt, err = parseTimePtr(started); err != nil {
		return jobs.Job{}, fmt.Errorf("job %s started_at: %w", j.ID, err)
	}
	if j.CompletedAt, err = parseTimePtr(completed); err != nil {
		return jobs.Job{}, fmt.Errorf("job %s completed_at: %w", j.ID, err)
	}
	return j, nil
}

// Get returns the job with id, or an error wrapping jobs.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs in creation order. With states given, only jobs in one
// of them are returned.
func (s *Store) List(ctx context.Context, states ...jobs.State) ([]jobs.Job, error) {
	q := `SELECT ` + columns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += " WHERE state IN (" + strings.Join(marks, ", ") + ")"
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Unfinished returns jobs that were pending, running or paused when last
// saved.
func (s *Store) Unfinished(ctx context.Context) ([]jobs.Job, error) {
	return s.List(ctx, jobs.Pending, jobs.Running, jobs.Paused)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return nil
}

// DeleteFinished removes completed, failed and cancelled jobs that
// finished before t. It returns the number of rows removed.
func (s *Store) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`,
		string(jobs.Completed),
		string(jobs.Failed),
		string(jobs.Cancelled),
		formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}
