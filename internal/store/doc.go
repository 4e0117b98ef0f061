// Package store provides SQLite-backed durable storage for the coordination
// core.
//
// Three tables hold all durable state:
//   - channel_messages: append-only channel log, ordered by position
//   - pdict_entries: one merged JSON object per (domain, item)
//   - already_flags: idempotency flags, presence is the signal
//
// # Critical Patterns
//
// Ordering: channel messages are read ORDER BY position ASC. position is an
// AUTOINCREMENT rowid assigned inside the committing transaction, so position
// order is commit order and values are never reused. created_at is
// informational only and never used for ordering.
//
// Canonical payloads: every stored JSON document is the RFC 8785 canonical
// encoding from internal/value, so byte equality is value equality.
//
// Append-only: rows are never updated or deleted, with the single exception
// of pdict_entries.value, which is replaced by a strictly larger merge.
//
// # Database Configuration
//
//   - WAL mode: readers never block the writer
//   - synchronous=NORMAL
//   - busy_timeout (configurable, default 5s) on every pooled connection
//   - deferred BEGIN: a read-then-write race surfaces as SQLITE_BUSY or
//     SQLITE_BUSY_SNAPSHOT, which internal/txn retries
//
// The read and write helpers take a Querier so they run equally against the
// *sql.DB or inside a *sql.Tx owned by the retry engine.
package store
