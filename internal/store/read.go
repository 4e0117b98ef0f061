package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ghcoord/internal/value"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Message is one stored channel message.
type Message struct {
	Position  int64
	Domain    string
	Channel   string
	MessageID string
	Payload   value.Value
	Final     bool
	CreatedAt time.Time
}

// ChannelInfo summarizes one channel of a domain.
type ChannelInfo struct {
	Channel      string
	Messages     int64
	LastPosition int64
	Final        bool
}

// FindMessage looks up a message by its id within a channel.
// Returns ok=false if it does not exist.
func FindMessage(ctx context.Context, q Querier, domain, channel, messageID string) (Message, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT position, domain, channel, message_id, payload, final, created_at
		FROM channel_messages
		WHERE domain = ? AND channel = ? AND message_id = ?
	`, domain, channel, messageID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("find message: %w", err)
	}
	return msg, true, nil
}

// HasFinal reports whether the channel already holds a final message.
func HasFinal(ctx context.Context, q Querier, domain, channel string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_messages
			WHERE domain = ? AND channel = ? AND final = 1
		)
	`, domain, channel).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check final: %w", err)
	}
	return exists, nil
}

// ReadMessages returns the channel's messages with position > after, in
// position order. Returns an empty slice (not nil) when there are none.
func ReadMessages(ctx context.Context, q Querier, domain, channel string, after int64) ([]Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT position, domain, channel, message_id, payload, final, created_at
		FROM channel_messages
		WHERE domain = ? AND channel = ? AND position > ?
		ORDER BY position ASC
	`, domain, channel, after)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("read messages: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListChannels summarizes every channel in a domain, ordered by name.
func ListChannels(ctx context.Context, q Querier, domain string) ([]ChannelInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT channel, COUNT(*), MAX(position), MAX(final)
		FROM channel_messages
		WHERE domain = ?
		GROUP BY channel
		ORDER BY channel COLLATE BINARY ASC
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	infos := []ChannelInfo{}
	for rows.Next() {
		var info ChannelInfo
		if err := rows.Scan(&info.Channel, &info.Messages, &info.LastPosition, &info.Final); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return infos, nil
}

// ReadEntry returns the stored object for (domain, item).
// Returns ok=false and an empty object if there is none.
func ReadEntry(ctx context.Context, q Querier, domain, item string) (value.Object, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT value FROM pdict_entries WHERE domain = ? AND item = ?
	`, domain, item).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Object{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read entry: %w", err)
	}

	obj, err := unmarshalObject(data)
	if err != nil {
		return nil, false, fmt.Errorf("read entry %s/%s: %w", domain, item, err)
	}
	return obj, true, nil
}

// HasFlag reports whether (domain, item) has been flagged.
func HasFlag(ctx context.Context, q Querier, domain, item string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM already_flags WHERE domain = ? AND item = ?)
	`, domain, item).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check flag: %w", err)
	}
	return exists, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg       Message
		payload   string
		createdAt string
	)
	if err := s.Scan(&msg.Position, &msg.Domain, &msg.Channel, &msg.MessageID, &payload, &msg.Final, &createdAt); err != nil {
		return Message{}, err
	}

	v, err := unmarshalPayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("message %d: %w", msg.Position, err)
	}
	msg.Payload = v
	msg.CreatedAt = parseTimestamp(createdAt)
	return msg, nil
}
