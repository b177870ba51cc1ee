// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etlflow/internal/store"
	"etlflow/internal/store/storetest"
	"etlflow/pkg/types"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "etlflow.db") + "?_busy_timeout=5000&_foreign_keys=on"
	s, err := Open(context.Background(), "sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openSQLite(t)
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "etlflow.db")

	s, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, storetest.NewRun("r", "etl", storetest.Window(0), "extract", "load"))
	require.NoError(t, err)
	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// migrations are idempotent and state is read back from disk
	s, err = Open(ctx, "sqlite3", dsn)
	require.NoError(t, err)
	defer s.Close()

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, types.TaskRunning, active[0].Task("extract").State)
	assert.Equal(t, types.TaskPending, active[0].Task("load").State)
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite": SQLite, "sqlite3": SQLite, "postgres": Postgres, "PostgreSQL": Postgres, "pg": Postgres,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Equal(t, "SELECT * FROM runs WHERE id = $1 AND version = $2", pg.rebind("SELECT * FROM runs WHERE id = ? AND version = ?"))

	lite := New(nil, SQLite)
	assert.Equal(t, "SELECT ? ", lite.rebind("SELECT ? "))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, Postgres), mock
}

var runCols = []string{"id", "dag_name", "dag_version", "window_start", "window_end", "state", "run_trigger", "params", "version", "created_at", "ended_at"}
var taskCols = []string{"task_name", "state", "attempt", "last_error", "output", "retry_at", "started_at", "ended_at"}

func TestPostgresFinishRunVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	w := storetest.Window(0)
	end := w.End.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, dag_name, .* FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"r1", "ads", 2, toNanos(w.Start), toNanos(w.End), "running", "scheduled", `{"source":"gads"}`, 3, toNanos(w.Start), nil,
		))
	mock.ExpectQuery(`FROM task_instances WHERE run_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow("extract", "failed", 2, "quota", "", nil, nil, nil))
	mock.ExpectExec(`UPDATE runs SET state = \$1, ended_at = \$2, version = version \+ 1\s+WHERE id = \$3 AND version = \$4`).
		WithArgs("failed", toNanos(end), "r1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.FinishRun(ctx, "r1", types.RunFailed, end)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRunDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	w := storetest.Window(0)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(dag_name, window_start, window_end\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`FROM runs\s+WHERE dag_name = \$1 AND window_start = \$2 AND window_end = \$3`).
		WithArgs("ads", toNanos(w.Start), toNanos(w.End)).
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"original", "ads", 1, toNanos(w.Start), toNanos(w.End), "running", "manual", "{}", 4, toNanos(w.Start), nil,
		))
	mock.ExpectQuery(`FROM task_instances WHERE run_id = \$1`).
		WithArgs("original").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow("extract", "succeeded", 1, "", "s3://raw", nil, nil, nil))

	existing, err := s.CreateRun(ctx, storetest.NewRun("duplicate", "ads", w, "extract"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.NotNil(t, existing)
	assert.Equal(t, "original", existing.ID)
	assert.Equal(t, int64(4), existing.Version)
	assert.True(t, existing.Manual())
	assert.Equal(t, "s3://raw", existing.Task("extract").Output)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordTransitionLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	w := storetest.Window(0)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"r1", "ads", 1, toNanos(w.Start), toNanos(w.End), "running", "scheduled", "{}", 1, toNanos(w.Start), nil,
		))
	mock.ExpectQuery(`FROM task_instances WHERE run_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow("extract", "pending", 0, "", "", nil, nil, nil))
	// another writer moved the task first
	mock.ExpectExec(`UPDATE task_instances`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.RecordTransition(ctx, types.Transition{
		RunID: "r1", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: w.Start,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestScheduledRunSkipsManual(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	w := storetest.Window(3)

	mock.ExpectQuery(`FROM runs\s+WHERE dag_name = \$1 AND run_trigger <> \$2 ORDER BY window_start DESC, id ASC LIMIT 1`).
		WithArgs("ads", "manual").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"r3", "ads", 1, toNanos(w.Start), toNanos(w.End), "succeeded", "scheduled", "{}", 5, toNanos(w.Start), toNanos(w.End),
		))
	mock.ExpectQuery(`FROM task_instances WHERE run_id = \$1`).
		WithArgs("r3").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow("extract", "succeeded", 1, "", "", nil, nil, nil))

	latest, err := s.LatestScheduledRun(ctx, "ads")
	require.NoError(t, err)
	assert.Equal(t, "r3", latest.ID)
	assert.Equal(t, types.TriggerScheduled, latest.Trigger)
	assert.True(t, latest.Window.Equal(w))
	assert.NoError(t, mock.ExpectationsWereMet())
}
