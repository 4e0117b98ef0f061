package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/ghcoord/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - channel_messages, pdict_entries, already_flags
const currentSchemaVersion = 1

// Default pool and lock settings.
const (
	DefaultMaxOpenConns = 4
	DefaultBusyTimeout  = 5 * time.Second
)

// Options configures Open.
type Options struct {
	// Path is the SQLite database file. ":memory:" is accepted but limited to
	// a single connection, since each in-memory connection is its own database.
	Path string

	// MaxOpenConns bounds the connection pool. More than one connection lets
	// concurrent transactions run (and conflict); zero means DefaultMaxOpenConns.
	MaxOpenConns int

	// BusyTimeout is how long a connection waits on a lock before failing
	// with SQLITE_BUSY. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Store owns the process-wide database handle.
// Uses SQLite with WAL mode for concurrent reads during writes.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates or opens the SQLite database described by opts, applies the
// schema and migrations, and verifies that the live structure is exactly the
// expected one. A structural difference is returned as a SCHEMA_MISMATCH
// error and the database is closed again.
//
// Safe to call repeatedly on the same path.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("open store: empty database path")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if isMemory(opts.Path) {
		opts.MaxOpenConns = 1
	}

	db, err := sql.Open("sqlite3", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	s := &Store{db: db, path: opts.Path, logger: logger}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := s.VerifySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened",
		"path", opts.Path,
		"max_open_conns", opts.MaxOpenConns,
		"busy_timeout", opts.BusyTimeout,
		"schema_version", currentSchemaVersion,
	)
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("store closed", "path", s.path)
	return s.db.Close()
}

// DB returns the underlying sql.DB. Writers go through internal/txn.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// dsn builds the go-sqlite3 connection string. Pragmas go into the DSN rather
// than one-off Exec calls so every pooled connection gets them.
func dsn(opts Options) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds()))
	params.Set("_txlock", "deferred")
	params.Set("_foreign_keys", "on")
	params.Set("_synchronous", "NORMAL")
	if !isMemory(opts.Path) {
		params.Set("_journal_mode", "WAL")
	}

	path := opts.Path
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return errs.NewSchemaMismatch([]string{
			fmt.Sprintf("database schema version %d is newer than supported version %d", version, currentSchemaVersion),
		})
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
