package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ghcoord/internal/value"
)

// InsertMessage appends a message and returns its assigned position.
// The caller has already checked for duplicates and finalization inside the
// same transaction; a UNIQUE violation here is a bug, not a race.
func InsertMessage(ctx context.Context, q Querier, domain, channel, messageID string, payload value.Value, final bool, now time.Time) (int64, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO channel_messages (domain, channel, message_id, payload, final, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, domain, channel, messageID, payloadJSON, final, timestamp(now))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	position, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: position: %w", err)
	}
	return position, nil
}

// UpsertEntry stores the merged object for (domain, item).
func UpsertEntry(ctx context.Context, q Querier, domain, item string, obj value.Object) error {
	data, err := marshalPayload(obj)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO pdict_entries (domain, item, value)
		VALUES (?, ?, ?)
		ON CONFLICT (domain, item) DO UPDATE SET value = excluded.value
	`, domain, item, data)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// InsertFlag records that (domain, item) has been seen.
// An existing row fails with a constraint error.
func InsertFlag(ctx context.Context, q Querier, domain, item string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO already_flags (domain, item, created_at) VALUES (?, ?, ?)
	`, domain, item, timestamp(now))
	if err != nil {
		return fmt.Errorf("insert flag: %w", err)
	}
	return nil
}
