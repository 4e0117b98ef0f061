// Package coord wires the coordination core together behind one handle.
//
// A Coordinator owns the database, one retry runner and one pulse registry,
// and exposes the operations collaborators use: channel append/subscribe,
// dict update/subscribe/await and idempotency check-and-set. Open one per
// process and Close it on shutdown.
package coord

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ghcoord/internal/already"
	"github.com/roach88/ghcoord/internal/channel"
	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/pdict"
	"github.com/roach88/ghcoord/internal/pulse"
	"github.com/roach88/ghcoord/internal/store"
	"github.com/roach88/ghcoord/internal/txn"
	"github.com/roach88/ghcoord/internal/value"
)

// Coordinator is the process-wide coordination handle.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	store    *store.Store
	runner   *txn.Runner
	pulses   *pulse.Registry
	channels *channel.Log
	dicts    *pdict.Dict
	flags    *already.Flags
	logger   *slog.Logger

	stopPoller context.CancelFunc
	poller     *errgroup.Group
}

// Option adjusts a Coordinator at Open.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the source of informational created_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens the database described by cfg and verifies its schema. A schema
// mismatch is returned as a SCHEMA_MISMATCH error and nothing is left open.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := store.Open(ctx, store.Options{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open coordinator: %w", err)
	}

	runner := txn.NewRunner(s.DB(), logger)
	pulses := pulse.NewRegistry()
	c := &Coordinator{
		store:    s,
		runner:   runner,
		pulses:   pulses,
		channels: channel.New(runner, s.DB(), pulses, logger),
		dicts:    pdict.New(runner, s.DB(), pulses, logger),
		flags:    already.New(runner, s.DB(), logger),
		logger:   logger,
	}
	if o.now != nil {
		c.channels.SetClock(o.now)
		c.flags.SetClock(o.now)
	}

	if cfg.Subscribe.PollInterval > 0 {
		c.startPoller(cfg.Subscribe.PollInterval)
	}
	return c, nil
}

// startPoller wakes every live subscription on a fixed interval, so rows
// committed by other processes reach local subscribers.
func (c *Coordinator) startPoller(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	c.stopPoller = cancel
	c.poller = g

	g.Go(func() error {
		c.logger.Info("subscription poller started", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("subscription poller stopped")
				return nil
			case <-ticker.C:
				c.pulses.PulseAll()
			}
		}
	})
}

// Close stops the poller, if any, and closes the database. Subscriptions
// still running afterwards fail with a storage error on their next read.
func (c *Coordinator) Close() error {
	if c.stopPoller != nil {
		c.stopPoller()
		_ = c.poller.Wait()
		c.stopPoller = nil
	}
	return c.store.Close()
}

// Append adds a message to a channel. See channel.Log.Append.
func (c *Coordinator) Append(ctx context.Context, domain, ch, messageID string, payload value.Value, final bool) error {
	return c.channels.Append(ctx, domain, ch, messageID, payload, final)
}

// SubscribeChannel replays and follows a channel. See channel.Log.Subscribe.
func (c *Coordinator) SubscribeChannel(ctx context.Context, domain, ch string) iter.Seq2[value.Value, error] {
	return c.channels.Subscribe(ctx, domain, ch)
}

// Update merges a fragment into a dict entry. See pdict.Dict.Update.
func (c *Coordinator) Update(ctx context.Context, domain, item string, fragment value.Value) error {
	return c.dicts.Update(ctx, domain, item, fragment)
}

// SubscribeDict follows a dict entry's snapshots. See pdict.Dict.Subscribe.
func (c *Coordinator) SubscribeDict(ctx context.Context, domain, item string) iter.Seq2[value.Object, error] {
	return c.dicts.Subscribe(ctx, domain, item)
}

// Await waits for a dotted path to appear in a dict entry.
func (c *Coordinator) Await(ctx context.Context, domain, item, path string) (value.Value, error) {
	return c.dicts.Await(ctx, domain, item, path)
}

// CheckAndSet reports whether (domain, item) was seen before and marks it.
func (c *Coordinator) CheckAndSet(ctx context.Context, domain, item string) (bool, error) {
	return c.flags.CheckAndSet(ctx, domain, item)
}

// Channels exposes the channel log for inspection.
func (c *Coordinator) Channels() *channel.Log { return c.channels }

// Dicts exposes the dict store for direct reads.
func (c *Coordinator) Dicts() *pdict.Dict { return c.dicts }

// Flags exposes the flag store for read-only checks.
func (c *Coordinator) Flags() *already.Flags { return c.flags }

// Store exposes the underlying store, e.g. for schema checks.
func (c *Coordinator) Store() *store.Store { return c.store }
