// Package realtime contains the scribe relay: the websocket gateway, per-room replicas,
// snapshot persistence and cross-relay fanout.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a SnapshotStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "scribe").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed SnapshotStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "scribe",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and the snapshot table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	snapshots := pgIdent(s.schema, "room_snapshots")

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+snapshots+` (
		     room_id    text PRIMARY KEY,
		     state      bytea NOT NULL,
		     updated_at timestamptz NOT NULL DEFAULT now()
		 )`,
	); err != nil {
		return fmt.Errorf("create room_snapshots: %w", err)
	}
	return nil
}

// Load returns the stored snapshot of roomID.
func (s *PostgresStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, ErrNilStore
	}
	if strings.TrimSpace(roomID) == "" {
		return Snapshot{}, ErrInvalidRoom
	}

	snapshots := pgIdent(s.schema, "room_snapshots")

	snap := Snapshot{RoomID: roomID}
	err := s.pool.QueryRow(ctx,
		`SELECT state, updated_at FROM `+snapshots+` WHERE room_id = $1`,
		roomID,
	).Scan(&snap.State, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// Save upserts the snapshot of roomID.
func (s *PostgresStore) Save(ctx context.Context, roomID string, state []byte, now time.Time) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoom
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	snapshots := pgIdent(s.schema, "room_snapshots")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+snapshots+` (room_id, state, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id) DO UPDATE
		    SET state = EXCLUDED.state,
		        updated_at = EXCLUDED.updated_at`,
		roomID, state, now,
	); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
