package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theapp/server/storage"
	"github.com/theapp/server/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("THEAPP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("THEAPP_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}
	if err := Migrate(dsn, "up"); err != nil {
		t.Fatalf("could not migrate: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}

	// Clean tables for test isolation.
	truncate := func() {
		pool.Exec(ctx, "TRUNCATE sessions, accounts, invites") //nolint:errcheck
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return New(pool)
}

func TestPostgresStore(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestMigrate_Validation(t *testing.T) {
	if err := Migrate("", "up"); err == nil {
		t.Error("expected error for empty DSN")
	}
	for _, dir := range []string{"", "sideways", "UP"} {
		if err := Migrate("postgres://localhost/theapp", dir); err == nil {
			t.Errorf("expected error for direction %q", dir)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case len(e.Name()) > 7 && e.Name()[len(e.Name())-7:] == ".up.sql":
			up++
		case len(e.Name()) > 9 && e.Name()[len(e.Name())-9:] == ".down.sql":
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("expected matching up/down migrations, got %d up and %d down", up, down)
	}
}
