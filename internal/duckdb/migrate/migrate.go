// Package migrate applies the local object store's embedded schema.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migration is one versioned schema step, named NNN_description.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Runner applies versioned SQL migrations to a DuckDB database.
type Runner struct{ db *sql.DB }

// NewRunner creates a migration runner for db.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Load returns the embedded migrations in version order.
func Load() ([]Migration, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: version of %s: %w", name, err)
		}
		data, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(data)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

func (r *Runner) current(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("migrate: read applied version: %w", err)
	}
	return int(v.Int64), nil
}

// Run applies pending migrations, each in its own transaction.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	migs, err := Load()
	if err != nil {
		return err
	}
	applied, err := r.current(ctx)
	if err != nil {
		return err
	}

	for _, m := range migs {
		if m.Version <= applied {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", m.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("migrate: record %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", m.Name, err)
	}
	return nil
}

// Status returns the applied version and the number of pending migrations.
func (r *Runner) Status(ctx context.Context) (current int, pending int, err error) {
	if err = r.ensureTable(ctx); err != nil {
		return 0, 0, err
	}
	if current, err = r.current(ctx); err != nil {
		return 0, 0, err
	}
	migs, err := Load()
	if err != nil {
		return 0, 0, err
	}
	for _, m := range migs {
		if m.Version > current {
			pending++
		}
	}
	return current, pending, nil
}
