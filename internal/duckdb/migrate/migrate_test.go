package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, table := range []string{"objects", "tier_sweeps", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	cur, pending, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 2 || pending != 0 {
		t.Errorf("expected version=2 pending=0, got version=%d pending=%d", cur, pending)
	}
}

func TestStatusReportsCorrectly(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)

	cur, pending, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 0 || pending != 2 {
		t.Errorf("before run: expected version=0 pending=2, got version=%d pending=%d", cur, pending)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cur, pending, err = r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 2 || pending != 0 {
		t.Errorf("after run: expected version=2 pending=0, got version=%d pending=%d", cur, pending)
	}
}

func TestLoadOrdersByVersion(t *testing.T) {
	migs, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("migrations = %d, want 2", len(migs))
	}
	for i, m := range migs {
		if m.Version != i+1 {
			t.Errorf("migration %d version = %d (%s)", i, m.Version, m.Name)
		}
	}
}
