package migrate

import (
	"testing"

	"github.com/unbracketed/prunejuice/internal/db"
)

func TestMigrateIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v1, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v1 < 2 {
		t.Fatalf("expected at least 2 migrations applied, got %d", v1)
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := Version(conn)
	if err != nil {
		t.Fatalf("version after rerun: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("rerun changed version: %d -> %d", v1, v2)
	}

	for _, table := range []string{"projects", "workspaces", "event_log", "events", "artifacts", "command_definitions"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestVersionOnFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh db should report version 0, got %d", v)
	}
}
