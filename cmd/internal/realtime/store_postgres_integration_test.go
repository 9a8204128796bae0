package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SCRIBE_DATABASE_URL is set.

func TestPostgresStore_SaveLoadUpsert(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustTestSchemaName(t)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema must be idempotent: %v", err)
	}

	if _, err := store.Load(ctx, "it-room"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	first := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Save(ctx, "it-room", []byte(`{"ops":[]}`), first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	second := first.Add(time.Second)
	if err := store.Save(ctx, "it-room", []byte(`{"ops":[1]}`), second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	snap, err := store.Load(ctx, "it-room")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(snap.State) != `{"ops":[1]}` {
		t.Fatalf("state not upserted: %s", snap.State)
	}
	if !snap.UpdatedAt.Equal(second) {
		t.Fatalf("updated_at=%v want %v", snap.UpdatedAt, second)
	}
}

func TestPostgresStore_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewPostgresStore(nil, WithSchema("bad-schema;")); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SCRIBE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SCRIBE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustTestSchemaName(t *testing.T) string {
	t.Helper()

	id, err := NewSessionID(time.Now())
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	return "scribe_it_" + strings.ToLower(id)
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
