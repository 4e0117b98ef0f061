// Package pdict implements the persistent monotonic merge dict.
//
// Each (domain, item) holds one JSON object that only ever grows: new keys may
// be added to it or to nested objects, but a key once present never changes
// value. Independent writers contribute fragments as they learn things;
// readers subscribe and wait until the information they need has arrived.
// Identical fragments coalesce silently; inconsistent ones are rejected and
// change nothing.
package pdict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ghcoord/internal/errs"
	"github.com/roach88/ghcoord/internal/pulse"
	"github.com/roach88/ghcoord/internal/store"
	"github.com/roach88/ghcoord/internal/txn"
	"github.com/roach88/ghcoord/internal/value"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ghcoord",
	Subsystem: "pdict",
	Name:      "updates_total",
	Help:      "Update calls by outcome",
}, []string{"outcome"})

// Dict is the merge dict store. Safe for concurrent use.
type Dict struct {
	runner *txn.Runner
	db     *sql.DB
	pulses *pulse.Registry
	logger *slog.Logger
}

// New creates a Dict over the given runner, database handle and pulse
// registry.
func New(runner *txn.Runner, db *sql.DB, pulses *pulse.Registry, logger *slog.Logger) *Dict {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dict{runner: runner, db: db, pulses: pulses, logger: logger}
}

// Update merges fragment into the value stored for (domain, item). An absent
// entry counts as the empty object.
//
// fragment must be an Object. If it does not unify with the stored value the
// update fails with a CONFLICT naming the disagreeing path and the stored
// value is left untouched. On success, including merges that add nothing,
// subscribers of the item in this process are woken.
func (d *Dict) Update(ctx context.Context, domain, item string, fragment value.Value) error {
	frag, ok := fragment.(value.Object)
	if !ok {
		return errs.NewConflict(domain, item,
			fmt.Sprintf("dict fragment must be an object, not %s", value.Kind(fragment)), nil)
	}
	if _, err := value.MarshalCanonical(frag); err != nil {
		return fmt.Errorf("update %s/%s: %w", domain, item, err)
	}

	var changed bool
	err := d.runner.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		existing, _, err := store.ReadEntry(ctx, tx, domain, item)
		if err != nil {
			return err
		}

		merged, err := value.UnifyObjects(existing, frag)
		if err != nil {
			return conflictError(domain, item, existing, frag, err)
		}

		changed = !value.Equal(existing, merged)
		if !changed {
			return nil
		}
		return store.UpsertEntry(ctx, tx, domain, item, merged)
	})

	if errs.IsConflict(err) {
		updatesTotal.WithLabelValues("conflict").Inc()
		d.logger.Warn("inconsistent dict update", "domain", domain, "item", item, "error", err)
		return err
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", domain, item, err)
	}

	outcome := "unchanged"
	if changed {
		outcome = "merged"
	}
	updatesTotal.WithLabelValues(outcome).Inc()
	d.logger.Debug("dict updated", "domain", domain, "item", item, "changed", changed)
	d.pulses.Pulse(domain, item)
	return nil
}

func conflictError(domain, item string, current, fragment value.Object, cause error) error {
	e := errs.NewConflict(domain, item, "inconsistent values for dict entry", cause)
	e.Details = map[string]string{
		"current":  string(value.MustMarshalCanonical(current)),
		"fragment": string(value.MustMarshalCanonical(fragment)),
	}
	var ue *value.UnifyError
	if errors.As(cause, &ue) {
		e.Details["path"] = ue.Path
	}
	return e
}

// Get returns the current value for (domain, item), or an empty object.
func (d *Dict) Get(ctx context.Context, domain, item string) (value.Object, error) {
	obj, _, err := store.ReadEntry(ctx, d.db, domain, item)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", domain, item, err)
	}
	return obj, nil
}

// Subscribe yields the current value of (domain, item) immediately, then a
// new snapshot whenever the stored value changes. Intermediate values may be
// skipped, but every snapshot is at least as complete as the one before it,
// and no snapshot is delivered twice in a row.
//
// The sequence never ends on its own. A storage error is yielded once as
// (nil, err) and ends it; cancelling ctx ends it without an error.
func (d *Dict) Subscribe(ctx context.Context, domain, item string) iter.Seq2[value.Object, error] {
	return func(yield func(value.Object, error) bool) {
		p, release := d.pulses.Acquire(domain, item)
		defer release()

		var (
			last      value.Object
			delivered bool
		)
		for range p.Ticks(ctx) {
			current, err := d.Get(ctx, domain, item)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("subscribe %s/%s: %w", domain, item, err))
				return
			}
			if delivered && value.Equal(last, current) {
				continue
			}
			last, delivered = current, true
			if !yield(current, nil) {
				return
			}
		}
	}
}

// Await waits until the dotted path is present in (domain, item) and returns
// the value found there. A missing path means "not yet"; Await returns only
// when the path appears, the subscription fails, or ctx is done.
func (d *Dict) Await(ctx context.Context, domain, item, path string) (value.Value, error) {
	for snapshot, err := range d.Subscribe(ctx, domain, item) {
		if err != nil {
			return nil, err
		}
		if found, ok := value.Lookup(snapshot, path); ok {
			return found, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("await %s/%s %q: %w", domain, item, path, err)
	}
	return nil, fmt.Errorf("await %s/%s %q: subscription ended", domain, item, path)
}
