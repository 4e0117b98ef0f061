// Package channel implements the durable append-only channel log.
//
// A channel is an ordered, append-only, eventually finalized stream of
// messages within a domain. Appends are idempotent per message id; a message
// marked final closes the channel. Subscribers replay the channel from the
// beginning and then follow it, waking on local pulses and always re-reading
// durable state from their own cursor, so no message is skipped or
// delivered twice however many wake-ups coalesce.
package channel

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ghcoord/internal/errs"
	"github.com/roach88/ghcoord/internal/pulse"
	"github.com/roach88/ghcoord/internal/store"
	"github.com/roach88/ghcoord/internal/txn"
	"github.com/roach88/ghcoord/internal/value"
)

var appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ghcoord",
	Subsystem: "channel",
	Name:      "appends_total",
	Help:      "Append calls by outcome",
}, []string{"outcome"})

// Append outcomes.
const (
	outcomeInserted  = "inserted"
	outcomeDuplicate = "duplicate"
	outcomeConflict  = "conflict"
	outcomeClosed    = "closed"
)

// Message is a stored channel message, as returned by Messages.
type Message = store.Message

// Info summarizes a channel, as returned by Channels.
type Info = store.ChannelInfo

// Log is the channel log. One Log per process is enough; it is safe for
// concurrent use.
type Log struct {
	runner *txn.Runner
	db     *sql.DB
	pulses *pulse.Registry
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log over the given runner, database handle and pulse
// registry.
func New(runner *txn.Runner, db *sql.DB, pulses *pulse.Registry, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{runner: runner, db: db, pulses: pulses, logger: logger, now: time.Now}
}

// SetClock replaces the source of created_at timestamps. Call before use.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append adds a message to (domain, channel).
//
// Re-appending an existing message id with an identical payload and final
// flag succeeds without effect. A different payload or final flag is a
// CONFLICT. Appending a new message id to a channel that already holds a
// final message is CLOSED. On success, including the idempotent case,
// subscribers of the channel in this process are woken.
func (l *Log) Append(ctx context.Context, domain, channel, messageID string, payload value.Value, final bool) error {
	if payload == nil {
		payload = value.Null{}
	}
	// Reject unencodable payloads before touching the database.
	canonical, err := value.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("append %s/%s/%s: %w", domain, channel, messageID, err)
	}

	var (
		outcome  string
		position int64
	)
	err = l.runner.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		existing, found, err := store.FindMessage(ctx, tx, domain, channel, messageID)
		if err != nil {
			return err
		}
		if found {
			if existing.Final != final || string(value.MustMarshalCanonical(existing.Payload)) != string(canonical) {
				outcome = outcomeConflict
				return conflictError(domain, channel, messageID, existing, payload, final)
			}
			outcome = outcomeDuplicate
			position = existing.Position
			return nil
		}

		closed, err := store.HasFinal(ctx, tx, domain, channel)
		if err != nil {
			return err
		}
		if closed {
			outcome = outcomeClosed
			return errs.NewClosed(domain, channel, messageID)
		}

		outcome = outcomeInserted
		position, err = store.InsertMessage(ctx, tx, domain, channel, messageID, payload, final, l.now())
		return err
	})

	switch {
	case errs.IsConflict(err):
		appendsTotal.WithLabelValues(outcome).Inc()
		l.logger.Warn("conflicting append", "domain", domain, "channel", channel, "message_id", messageID)
		return err
	case errs.IsClosed(err):
		appendsTotal.WithLabelValues(outcome).Inc()
		l.logger.Warn("append to closed channel", "domain", domain, "channel", channel, "message_id", messageID)
		return err
	case err != nil:
		return fmt.Errorf("append %s/%s/%s: %w", domain, channel, messageID, err)
	}

	appendsTotal.WithLabelValues(outcome).Inc()
	l.logger.Debug("message appended",
		"domain", domain,
		"channel", channel,
		"message_id", messageID,
		"position", position,
		"final", final,
		"duplicate", outcome == outcomeDuplicate,
	)
	l.pulses.Pulse(domain, channel)
	return nil
}

func conflictError(domain, channel, messageID string, existing store.Message, payload value.Value, final bool) error {
	e := errs.NewConflict(domain, channel,
		fmt.Sprintf("conflicting payloads for message %s", messageID), nil)
	e.Details = map[string]string{
		"message_id":     messageID,
		"stored":         string(value.MustMarshalCanonical(existing.Payload)),
		"stored_final":   fmt.Sprint(existing.Final),
		"proposed":       string(value.MustMarshalCanonical(payload)),
		"proposed_final": fmt.Sprint(final),
	}
	return e
}

// Subscribe returns the channel's payloads in position order: first every
// message already committed, then each new one as it commits. The sequence
// ends right after a final message is delivered.
//
// A storage error is yielded once as (nil, err) and ends the sequence.
// Cancelling ctx ends it without an error. Each call has its own cursor.
func (l *Log) Subscribe(ctx context.Context, domain, channel string) iter.Seq2[value.Value, error] {
	return func(yield func(value.Value, error) bool) {
		p, release := l.pulses.Acquire(domain, channel)
		defer release()

		var cursor int64
		for range p.Ticks(ctx) {
			msgs, err := store.ReadMessages(ctx, l.db, domain, channel, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, fmt.Errorf("subscribe %s/%s: %w", domain, channel, err))
				return
			}

			for _, msg := range msgs {
				if !yield(msg.Payload, nil) {
					return
				}
				if msg.Final {
					return
				}
				cursor = msg.Position
			}
		}
	}
}

// Messages returns the raw records of a channel after the given position.
func (l *Log) Messages(ctx context.Context, domain, channel string, after int64) ([]Message, error) {
	msgs, err := store.ReadMessages(ctx, l.db, domain, channel, after)
	if err != nil {
		return nil, fmt.Errorf("messages %s/%s: %w", domain, channel, err)
	}
	return msgs, nil
}

// Channels lists the channels of a domain with their message counts and
// whether they are finalized.
func (l *Log) Channels(ctx context.Context, domain string) ([]Info, error) {
	infos, err := store.ListChannels(ctx, l.db, domain)
	if err != nil {
		return nil, fmt.Errorf("channels %s: %w", domain, err)
	}
	return infos, nil
}
