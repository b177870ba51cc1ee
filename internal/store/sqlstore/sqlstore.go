// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package sqlstore implements store.Store on SQLite or PostgreSQL.
//
// Timestamps are stored as Unix nanoseconds so both dialects share one schema
// and one set of queries. Queries are written with ? placeholders and rebound
// to $n for PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"etlflow/internal/store"
	"etlflow/pkg/types"
)

// Dialect names a supported database. Its value is the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", s)
	}
}

// Store is a store.Store backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database, applies migrations and returns the store.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	if d == SQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d, err)
	}
	if err := Migrate(db, d); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, d), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// RUNS
// ============================================================================

func (s *Store) CreateRun(ctx context.Context, r *types.Run) (*types.Run, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	if r.Params == nil {
		params = []byte("{}")
	}

	inserted := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO runs (id, dag_name, dag_version, window_start, window_end, state, run_trigger, params, version, created_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (dag_name, window_start, window_end) DO NOTHING`),
			r.ID, r.DAG, r.DAGVersion, toNanos(r.Window.Start), toNanos(r.Window.End),
			string(r.State), string(r.Trigger), string(params), toNanos(r.CreatedAt), nullNanos(r.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
		}
		if n == 0 {
			return nil
		}
		inserted = true

		for _, ti := range r.Tasks {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO task_instances (run_id, task_name, state, attempt, last_error, output, retry_at, started_at, ended_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.ID, ti.Task, string(ti.State), ti.Attempt, ti.LastError, ti.Output,
				nullNanos(ti.RetryAt), nullNanos(ti.StartedAt), nullNanos(ti.EndedAt),
			); err != nil {
				return fmt.Errorf("failed to insert task %s of run %s: %w", ti.Task, r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !inserted {
		existing, err := s.GetRun(ctx, r.DAG, r.Window)
		if err != nil {
			return nil, err
		}
		return existing, fmt.Errorf("%w: %s", store.ErrAlreadyExists, r.Key())
	}
	return s.GetRunByID(ctx, r.ID)
}

const runColumns = `id, dag_name, dag_version, window_start, window_end, state, run_trigger, params, version, created_at, ended_at`

func (s *Store) GetRun(ctx context.Context, dag string, window types.Window) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs
		WHERE dag_name = ? AND window_start = ? AND window_end = ?`),
		dag, toNanos(window.Start), toNanos(window.End))
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", store.ErrNotFound, types.RunKey{DAG: dag, Window: window})
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTasks(ctx, s.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) GetRunByID(ctx context.Context, id string) (*types.Run, error) {
	return s.getRunByID(ctx, s.db, id)
}

func (s *Store) getRunByID(ctx context.Context, q querier, id string) (*types.Run, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTasks(ctx, q, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, state types.RunState, at time.Time) (*types.Run, error) {
	var out *types.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRunByID(ctx, tx, runID)
		if err != nil {
			return err
		}
		noop, err := store.CheckFinish(r, state)
		if err != nil {
			return err
		}
		if noop {
			out = r
			return nil
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE runs SET state = ?, ended_at = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			string(state), toNanos(at), runID, r.Version)
		if err != nil {
			return fmt.Errorf("failed to finish run %s: %w", runID, err)
		}
		if err := expectOneRow(res, runID); err != nil {
			return err
		}

		ended := at.UTC()
		r.State = state
		r.EndedAt = &ended
		r.Version++
		out = r
		return nil
	})
	return out, err
}

func (s *Store) ListActiveRuns(ctx context.Context) ([]*types.Run, error) {
	return s.listRuns(ctx, s.rebind(`SELECT `+runColumns+` FROM runs
		WHERE state = ? ORDER BY window_start ASC, dag_name ASC, id ASC`),
		string(types.RunRunning))
}

func (s *Store) LatestScheduledRun(ctx context.Context, dag string) (*types.Run, error) {
	runs, err := s.listRuns(ctx, s.rebind(`SELECT `+runColumns+` FROM runs
		WHERE dag_name = ? AND run_trigger <> ? ORDER BY window_start DESC, id ASC LIMIT 1`),
		dag, string(types.TriggerManual))
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no scheduled runs for dag %s", store.ErrNotFound, dag)
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, dag string, limit int) ([]*types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE dag_name = ? ORDER BY window_start DESC, id ASC`
	args := []any{dag}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listRuns(ctx, s.rebind(query), args...)
}

// listRuns reads all run rows before loading tasks so that a single
// connection is never asked to run two queries at once.
func (s *Store) listRuns(ctx context.Context, query string, args ...any) ([]*types.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var runs []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	rows.Close()

	for _, r := range runs {
		if err := s.loadTasks(ctx, s.db, r); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ============================================================================
// TRANSITIONS
// ============================================================================

func (s *Store) RecordTransition(ctx context.Context, tr types.Transition) (*types.Run, error) {
	var out *types.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRunByID(ctx, tx, tr.RunID)
		if err != nil {
			return err
		}
		ti := r.Task(tr.Task)
		if ti == nil {
			return fmt.Errorf("%w: task %s in run %s", store.ErrNotFound, tr.Task, tr.RunID)
		}
		noop, err := store.CheckTransition(ti, tr)
		if err != nil {
			return err
		}
		if noop {
			out = r
			return nil
		}

		prevState, prevAttempt := ti.State, ti.Attempt
		tr.Apply(ti)

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE task_instances
			SET state = ?, attempt = ?, last_error = ?, output = ?, retry_at = ?, started_at = ?, ended_at = ?
			WHERE run_id = ? AND task_name = ? AND state = ? AND attempt = ?`),
			string(ti.State), ti.Attempt, ti.LastError, ti.Output,
			nullNanos(ti.RetryAt), nullNanos(ti.StartedAt), nullNanos(ti.EndedAt),
			tr.RunID, tr.Task, string(prevState), prevAttempt,
		)
		if err != nil {
			return fmt.Errorf("failed to update task %s of run %s: %w", tr.Task, tr.RunID, err)
		}
		if err := expectOneRow(res, tr.RunID); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, s.rebind(`UPDATE runs SET version = version + 1 WHERE id = ? AND version = ?`),
			tr.RunID, r.Version)
		if err != nil {
			return fmt.Errorf("failed to bump version of run %s: %w", tr.RunID, err)
		}
		if err := expectOneRow(res, tr.RunID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO transitions (run_id, task_name, from_state, to_state, attempt, error, output, retry_at, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			tr.RunID, tr.Task, string(tr.From), string(tr.To), tr.Attempt, tr.Error, tr.Output,
			nullNanos(tr.RetryAt), toNanos(tr.At),
		); err != nil {
			return fmt.Errorf("failed to append transition for run %s: %w", tr.RunID, err)
		}

		r.Version++
		out = r
		return nil
	})
	return out, err
}

func (s *Store) History(ctx context.Context, runID string) ([]types.Transition, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM runs WHERE id = ?`), runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %w", runID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: run %s", store.ErrNotFound, runID)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT task_name, from_state, to_state, attempt, error, output, retry_at, at
		FROM transitions WHERE run_id = ? ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transitions of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []types.Transition
	for rows.Next() {
		var (
			tr       types.Transition
			from, to string
			retryAt  sql.NullInt64
			at       int64
		)
		if err := rows.Scan(&tr.Task, &from, &to, &tr.Attempt, &tr.Error, &tr.Output, &retryAt, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.RunID = runID
		tr.From = types.TaskState(from)
		tr.To = types.TaskState(to)
		tr.RetryAt = fromNullNanos(retryAt)
		tr.At = fromNanos(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ============================================================================
// SCANNING
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var (
		r                      types.Run
		state, trigger, params string
		start, end, create     int64
		ended                  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.DAG, &r.DAGVersion, &start, &end, &state, &trigger, &params, &r.Version, &create, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Window = types.NewWindow(fromNanos(start), fromNanos(end))
	r.State = types.RunState(state)
	r.Trigger = types.RunTrigger(trigger)
	r.CreatedAt = fromNanos(create)
	r.EndedAt = fromNullNanos(ended)
	if params != "" && params != "{}" && params != "null" {
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of run %s: %w", r.ID, err)
		}
	}
	r.Tasks = make(map[string]*types.TaskInstance)
	return &r, nil
}

func (s *Store) loadTasks(ctx context.Context, q querier, r *types.Run) error {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT task_name, state, attempt, last_error, output, retry_at, started_at, ended_at
		FROM task_instances WHERE run_id = ?`), r.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks of run %s: %w", r.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ti                        types.TaskInstance
			state                     string
			retryAt, started, endedAt sql.NullInt64
		)
		if err := rows.Scan(&ti.Task, &state, &ti.Attempt, &ti.LastError, &ti.Output, &retryAt, &started, &endedAt); err != nil {
			return fmt.Errorf("failed to scan task of run %s: %w", r.ID, err)
		}
		ti.State = types.TaskState(state)
		ti.RetryAt = fromNullNanos(retryAt)
		ti.StartedAt = fromNullNanos(started)
		ti.EndedAt = fromNullNanos(endedAt)
		r.Tasks[ti.Task] = &ti
	}
	return rows.Err()
}

func expectOneRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for run %s: %w", runID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: run %s changed concurrently", store.ErrConflict, runID)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
