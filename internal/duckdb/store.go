// Package duckdb is a local durable store for delivered segments. It stands
// in for an object store in development and single-node deployments.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/spillway/internal/duckdb/migrate"
)

// Store manages the DuckDB database connection.
type Store struct {
	db           *sql.DB
	dbPath       string
	QueryTimeout time.Duration
	now          func() time.Time
}

// NewStore opens or creates a DuckDB database and applies migrations.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
		now:          time.Now,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the database file path, or "" for an in-memory store.
func (s *Store) DBPath() string {
	return s.dbPath
}

// queryCtx bounds ctx by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}
