// Package testutil provides shared helpers for tests: temp-dir databases,
// a deterministic clock and predictable ids.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/coord"
	"github.com/roach88/ghcoord/internal/logging"
	"github.com/roach88/ghcoord/internal/store"
)

// DBPath returns a fresh database path inside t's temp dir.
func DBPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ghcoord.db")
}

// NewStore opens a store in a temp dir and closes it at cleanup.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{Path: DBPath(t)}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Config returns the default configuration pointed at path.
func Config(path string) config.Config {
	cfg := config.Default()
	cfg.Database.Path = path
	return cfg
}

// NewCoordinator opens a coordinator on a temp-dir database with a
// deterministic clock and closes it at cleanup.
func NewCoordinator(t testing.TB, opts ...coord.Option) *coord.Coordinator {
	t.Helper()
	return OpenCoordinator(t, Config(DBPath(t)), opts...)
}

// OpenCoordinator opens a coordinator with cfg and closes it at cleanup.
// Opening the same path twice models two processes sharing one database.
func OpenCoordinator(t testing.TB, cfg config.Config, opts ...coord.Option) *coord.Coordinator {
	t.Helper()
	opts = append([]coord.Option{coord.WithClock(NewStepClock().Now)}, opts...)
	c, err := coord.Open(context.Background(), cfg, logging.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
