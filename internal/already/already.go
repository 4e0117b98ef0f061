// Package already implements durable idempotency flags: "has this (domain,
// item) been seen before?" answered and recorded in one transaction.
package already

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ghcoord/internal/store"
	"github.com/roach88/ghcoord/internal/txn"
)

var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ghcoord",
	Subsystem: "already",
	Name:      "checks_total",
	Help:      "CheckAndSet calls by outcome",
}, []string{"outcome"})

// Flags is the idempotency flag store. Flags are never cleared.
type Flags struct {
	runner *txn.Runner
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// afterRead runs between the existence check and the insert of every
	// attempt. Tests use it to hold transactions at the race point.
	afterRead func(ctx context.Context, domain, item string)
}

// New creates a Flags store.
func New(runner *txn.Runner, db *sql.DB, logger *slog.Logger) *Flags {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flags{runner: runner, db: db, logger: logger, now: time.Now}
}

// SetClock replaces the source of created_at timestamps. Call before use.
func (f *Flags) SetClock(now func() time.Time) {
	f.now = now
}

// CheckAndSet reports whether (domain, item) was already flagged and flags it
// if it was not. Across any number of concurrent callers, in any number of
// processes, exactly one sees false for a given pair.
func (f *Flags) CheckAndSet(ctx context.Context, domain, item string) (bool, error) {
	var seen bool
	err := f.runner.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		exists, err := store.HasFlag(ctx, tx, domain, item)
		if err != nil {
			return err
		}
		if f.afterRead != nil {
			f.afterRead(ctx, domain, item)
		}
		if exists {
			seen = true
			return nil
		}
		seen = false
		return store.InsertFlag(ctx, tx, domain, item, f.now())
	})
	if err != nil {
		return false, fmt.Errorf("check and set %s/%s: %w", domain, item, err)
	}

	outcome := "new"
	if seen {
		outcome = "seen"
	}
	checksTotal.WithLabelValues(outcome).Inc()
	f.logger.Debug("idempotency flag checked", "domain", domain, "item", item, "seen", seen)
	return seen, nil
}

// Has reports whether (domain, item) is flagged without setting it.
func (f *Flags) Has(ctx context.Context, domain, item string) (bool, error) {
	ok, err := store.HasFlag(ctx, f.db, domain, item)
	if err != nil {
		return false, fmt.Errorf("has %s/%s: %w", domain, item, err)
	}
	return ok, nil
}
