package db

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsPaired(t *testing.T) {
	names, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("EmbeddedMigrations() error = %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}
	up, down := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			up[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			down[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %q in migrations", n)
		}
	}
	for v := range up {
		if !down[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
	for v := range down {
		if !up[v] {
			t.Errorf("migration %s has no up file", v)
		}
	}
}

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	// twice: the fallback path must be idempotent
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
}
