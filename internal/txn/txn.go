// Package txn runs units of work in serializable transactions, retrying the
// whole unit whenever the database reports a serialization failure.
//
// Two forms are offered. Do takes a closure. Loop mirrors the "for each
// attempt" idiom with a range-over-func iterator:
//
//	loop := runner.Loop(ctx)
//	for tx := range loop.Attempts() {
//		n, err := count(ctx, tx)
//		if err != nil {
//			loop.Fail(err)
//			continue
//		}
//		...
//	}
//	if err := loop.Err(); err != nil {
//		return err
//	}
//
// Leaving the loop with break, return or goto before it finishes is a
// programmer error: the attempt's work was never committed. The iterator
// rolls back and panics with a PROGRAMMER_ERROR *errs.Error.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ghcoord/internal/errs"
)

var (
	attemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghcoord",
		Subsystem: "txn",
		Name:      "attempts_total",
		Help:      "Transaction attempts started",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghcoord",
		Subsystem: "txn",
		Name:      "retries_total",
		Help:      "Attempts rolled back on a serialization failure and re-run",
	})

	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghcoord",
		Subsystem: "txn",
		Name:      "commits_total",
		Help:      "Transactions committed",
	})
)

// earlyExitMessage is carried by the panic raised when a caller leaves an
// attempt loop before it committed.
const earlyExitMessage = "retry loop exited early, data lost"

// Runner begins serializable transactions on a shared database handle.
//
// Thread-safety: safe for concurrent use; every attempt has its own *sql.Tx.
type Runner struct {
	db     *sql.DB
	logger *slog.Logger

	attempts atomic.Int64
}

// NewRunner creates a Runner over db. A nil logger means slog.Default().
func NewRunner(db *sql.DB, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, logger: logger}
}

// Attempts returns the number of transaction attempts this runner has
// started, retries included.
func (r *Runner) Attempts() int64 {
	return r.attempts.Load()
}

// Do runs fn in a fresh transaction until it commits.
//
// A serialization failure from BEGIN, from fn or from COMMIT rolls back and
// re-runs fn in a new transaction, without bound or backoff. Any other error
// from fn rolls back and is returned as is. fn must not commit or roll back
// tx itself, and must be safe to run more than once.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	loop := r.Loop(ctx)
	for tx := range loop.Attempts() {
		if err := fn(ctx, tx); err != nil {
			loop.Fail(err)
		}
	}
	return loop.Err()
}

// Loop prepares an attempt loop. Range over Attempts exactly once, then read
// Err.
func (r *Runner) Loop(ctx context.Context) *Loop {
	return &Loop{runner: r, ctx: ctx}
}

// Loop is a single retry loop. Not safe for concurrent use.
type Loop struct {
	runner *Runner
	ctx    context.Context

	failed  error
	err     error
	attempt int
	done    bool
}

// Fail records the current attempt's error. The iterator acts on it after the
// loop body returns: a serialization failure is retried, anything else ends
// the loop and is reported by Err. Follow Fail with continue.
func (l *Loop) Fail(err error) {
	l.failed = err
}

// Err returns the loop's outcome: nil after a commit, otherwise the error
// that ended it.
func (l *Loop) Err() error {
	return l.err
}

// Attempt returns the number of attempts started so far.
func (l *Loop) Attempt() int {
	return l.attempt
}

// Attempts yields one fresh transaction per attempt. The transaction is
// committed by the iterator once the loop body returns without Fail.
func (l *Loop) Attempts() iter.Seq[*sql.Tx] {
	return func(yield func(*sql.Tx) bool) {
		if l.done {
			panic(errs.NewProgrammerError("retry loop ranged more than once"))
		}
		l.done = true
		l.err = l.run(yield)
	}
}

func (l *Loop) run(yield func(*sql.Tx) bool) error {
	r := l.runner
	for {
		if err := l.ctx.Err(); err != nil {
			return err
		}

		l.attempt++
		l.failed = nil
		attemptsTotal.Inc()
		r.attempts.Add(1)

		tx, err := r.db.BeginTx(l.ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			if IsSerializationFailure(err) {
				l.retry("begin", err)
				continue
			}
			return fmt.Errorf("begin transaction: %w", err)
		}

		if !l.body(tx, yield) {
			tx.Rollback()
			panic(errs.NewProgrammerError(earlyExitMessage))
		}

		if l.failed != nil {
			tx.Rollback()
			if IsSerializationFailure(l.failed) {
				l.retry("body", l.failed)
				continue
			}
			return l.failed
		}

		if err := tx.Commit(); err != nil {
			if IsSerializationFailure(err) {
				l.retry("commit", err)
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}

		commitsTotal.Inc()
		if l.attempt > 1 {
			r.logger.Debug("transaction committed after retry", "attempts", l.attempt)
		}
		return nil
	}
}

// body yields tx to the loop body and reports whether the body asked for
// more attempts. A panic in the body rolls back and propagates unchanged.
func (l *Loop) body(tx *sql.Tx, yield func(*sql.Tx) bool) (more bool) {
	completed := false
	defer func() {
		if !completed {
			tx.Rollback()
		}
	}()
	more = yield(tx)
	completed = true
	return more
}

func (l *Loop) retry(stage string, err error) {
	retriesTotal.Inc()
	l.runner.logger.Debug("serialization failure, retrying transaction",
		"stage", stage,
		"attempt", l.attempt,
		"error", err,
	)
}

// IsSerializationFailure reports whether err means "another transaction got
// there first; run again": SQLite BUSY or LOCKED, including the extended
// BUSY_SNAPSHOT returned when a read transaction can no longer upgrade.
func IsSerializationFailure(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code & 0xff {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	default:
		return false
	}
}
