package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/ghcoord/internal/errs"
)

// column is the part of PRAGMA table_info that defines structure.
type column struct {
	Name    string
	Type    string
	NotNull bool
	PK      int
}

func (c column) String() string {
	return fmt.Sprintf("%s %s notnull=%t pk=%d", c.Name, c.Type, c.NotNull, c.PK)
}

// VerifySchema compares the live database against a scratch in-memory
// database built from the embedded schema. Table sets and every table's
// columns (name, type, not-null, primary-key position) must match exactly;
// any extra, missing or differing table is a SCHEMA_MISMATCH error.
func (s *Store) VerifySchema(ctx context.Context) error {
	want, err := expectedLayout(ctx)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	got, err := readLayout(ctx, s.db)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}

	if diffs := diffLayouts(want, got); len(diffs) > 0 {
		s.logger.Error("schema mismatch", "path", s.path, "differences", diffs)
		return errs.NewSchemaMismatch(diffs)
	}

	s.logger.Debug("schema verified", "path", s.path, "tables", len(got))
	return nil
}

// expectedLayout applies schema.sql to a throwaway in-memory database and
// reads back its structure.
func expectedLayout(ctx context.Context) (map[string][]column, error) {
	scratch, err := sql.Open("sqlite3", "file::memory:?mode=memory")
	if err != nil {
		return nil, fmt.Errorf("open scratch database: %w", err)
	}
	defer scratch.Close()
	scratch.SetMaxOpenConns(1)

	if _, err := scratch.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema to scratch database: %w", err)
	}
	return readLayout(ctx, scratch)
}

// readLayout returns every user table with its columns. SQLite's internal
// tables (sqlite_sequence, sqlite_stat*) are ignored.
func readLayout(ctx context.Context, db *sql.DB) (map[string][]column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	rows.Close()

	layout := make(map[string][]column, len(tables))
	for _, table := range tables {
		cols, err := readColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		layout[table] = cols
	}
	return layout, nil
}

func readColumns(ctx context.Context, db *sql.DB, table string) ([]column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid
	`, table)
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.Type, &c.NotNull, &c.PK); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	return cols, nil
}

// diffLayouts returns one human-readable line per difference, sorted.
func diffLayouts(want, got map[string][]column) []string {
	var diffs []string
	for table, wantCols := range want {
		gotCols, ok := got[table]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("missing table %s", table))
			continue
		}
		if !slices.Equal(wantCols, gotCols) {
			diffs = append(diffs, fmt.Sprintf("table %s has columns %v, expected %v", table, gotCols, wantCols))
		}
	}
	for table := range got {
		if _, ok := want[table]; !ok {
			diffs = append(diffs, fmt.Sprintf("unexpected table %s", table))
		}
	}
	slices.Sort(diffs)
	return diffs
}
