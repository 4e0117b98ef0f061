package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ghcoord/internal/errs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestDB opens a file database with room for concurrent transactions.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_txlock=deferred&_journal_mode=WAL")
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)
	return db
}

func rowCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM counters`).Scan(&n))
	return n
}

var busy = sqlite3.Error{Code: sqlite3.ErrBusy}

func TestDo_Commits(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())

	err := r.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rowCount(t, db))
	assert.Equal(t, int64(1), r.Attempts())
}

func TestDo_RetriesSerializationFailure(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		calls++
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES (?, 1)`, fmt.Sprint("attempt-", calls)); err != nil {
			return err
		}
		if calls < 3 {
			return fmt.Errorf("write counter: %w", busy)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(3), r.Attempts())

	// Only the committed attempt left a row.
	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM counters`).Scan(&name))
	assert.Equal(t, "attempt-3", name)
	assert.Equal(t, 1, rowCount(t, db))
}

func TestDo_DoesNotRetryOtherErrors(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	boom := errors.New("boom")

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		calls++
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, rowCount(t, db), "failed attempt must be rolled back")
}

func TestDo_ConstraintErrorIsNotRetried(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	_, err := db.Exec(`INSERT INTO counters (name, n) VALUES ('a', 1)`)
	require.NoError(t, err)

	calls := 0
	err = r.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 2)`)
		return err
	})
	require.Error(t, err)
	assert.False(t, IsSerializationFailure(err))
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContext(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := r.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, int64(0), r.Attempts())
}

func TestDo_CancelStopsRetrying(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := r.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return busy
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestLoop_Commits(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	ctx := context.Background()

	loop := r.Loop(ctx)
	for tx := range loop.Attempts() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`); err != nil {
			loop.Fail(err)
			continue
		}
	}
	require.NoError(t, loop.Err())
	assert.Equal(t, 1, loop.Attempt())
	assert.Equal(t, 1, rowCount(t, db))
}

func TestLoop_FailRetriesThenReturns(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	boom := errors.New("boom")

	loop := r.Loop(context.Background())
	for range loop.Attempts() {
		if loop.Attempt() == 1 {
			loop.Fail(busy)
			continue
		}
		loop.Fail(boom)
	}
	require.ErrorIs(t, loop.Err(), boom)
	assert.Equal(t, 2, loop.Attempt())
}

func TestLoop_BreakPanicsWithProgrammerError(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	ctx := context.Background()

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected panic on early exit")
		err, ok := rec.(error)
		require.True(t, ok, "panic value %v is not an error", rec)
		assert.True(t, errs.IsProgrammerError(err))
		assert.Contains(t, err.Error(), "exited early")
		assert.Equal(t, 0, rowCount(t, db), "early exit must not commit")
	}()

	loop := r.Loop(ctx)
	for tx := range loop.Attempts() {
		_, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`)
		require.NoError(t, err)
		break
	}
	t.Fatal("unreachable: loop exit should have panicked")
}

func TestLoop_ReturnPanicsWithProgrammerError(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())

	leave := func() int {
		loop := r.Loop(context.Background())
		for range loop.Attempts() {
			return 1
		}
		return 0
	}

	assert.PanicsWithError(t, "PROGRAMMER_ERROR: retry loop exited early, data lost", func() { leave() })
}

func TestLoop_PanicInBodyPropagates(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		loop := r.Loop(ctx)
		for tx := range loop.Attempts() {
			if _, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`); err != nil {
				loop.Fail(err)
				continue
			}
			panic("kaboom")
		}
	})
	assert.Equal(t, 0, rowCount(t, db))

	// The connection was released: a new transaction can write.
	require.NoError(t, r.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO counters (name, n) VALUES ('a', 1)`)
		return err
	}))
}

func TestLoop_RangeTwicePanics(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, discardLogger())

	loop := r.Loop(context.Background())
	for range loop.Attempts() {
	}
	require.NoError(t, loop.Err())

	assert.Panics(t, func() {
		for range loop.Attempts() {
		}
	})
}

// TestDo_RealSnapshotConflict drives two transactions into a genuine
// read-then-write race: both read, the first commits, and the second's write
// fails with BUSY_SNAPSHOT and is re-run against the new state.
func TestDo_RealSnapshotConflict(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO counters (name, n) VALUES ('c', 0)`)
	require.NoError(t, err)

	r := NewRunner(db, discardLogger())
	ctx := context.Background()

	increment := func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE name = 'c'`).Scan(&n); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE counters SET n = ? WHERE name = 'c'`, n+1)
		return err
	}

	aRead := make(chan struct{})
	bRead := make(chan struct{})
	aDone := make(chan struct{})

	var wg sync.WaitGroup
	var errA, errB error
	var bAttempts int

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(aDone)
		first := true
		errA = r.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE name = 'c'`).Scan(&n); err != nil {
				return err
			}
			if first {
				first = false
				close(aRead)
				<-bRead
			}
			_, err := tx.ExecContext(ctx, `UPDATE counters SET n = ? WHERE name = 'c'`, n+1)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		<-aRead
		errB = r.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
			bAttempts++
			if bAttempts == 1 {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE name = 'c'`).Scan(&n); err != nil {
					return err
				}
				close(bRead)
				<-aDone
				_, err := tx.ExecContext(ctx, `UPDATE counters SET n = ? WHERE name = 'c'`, n+1)
				return err
			}
			return increment(ctx, tx)
		})
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 2, bAttempts, "second writer must be retried once")
	assert.Equal(t, int64(3), r.Attempts())

	var n int
	require.NoError(t, db.QueryRow(`SELECT n FROM counters WHERE name = 'c'`).Scan(&n))
	assert.Equal(t, 2, n, "no lost update")
}

func TestIsSerializationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("database is locked"), false},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"busy snapshot", sqlite3.Error{Code: sqlite3.ErrBusy, ExtendedCode: sqlite3.ErrBusySnapshot}, true},
		{"wrapped busy", fmt.Errorf("insert: %w", busy), true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"context", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSerializationFailure(tt.err))
		})
	}
}
