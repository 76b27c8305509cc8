package migrate

import (
	"testing"

	"listkeeper/internal/db"
)

func TestMigrateFreshAndRerun(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 2 {
		t.Fatalf("version = %d after migrate", v)
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	after, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if after != v {
		t.Fatalf("rerun changed version: %d -> %d", v, after)
	}

	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != v {
		t.Fatalf("schema_migrations rows = %d, want %d", rows, v)
	}
}
