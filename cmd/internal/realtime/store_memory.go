package realtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// Snapshots live as long as the process.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]Snapshot
}

// NewInMemoryStore constructs an in-memory SnapshotStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]Snapshot)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Load returns the last saved snapshot of roomID.
func (s *InMemoryStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, ErrNilStore
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	snap.State = append([]byte(nil), snap.State...)
	return snap, nil
}

// Save stores a copy of state as the snapshot of roomID.
func (s *InMemoryStore) Save(ctx context.Context, roomID string, state []byte, now time.Time) error {
	if s == nil {
		return ErrNilStore
	}
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoom
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	s.rooms[roomID] = Snapshot{
		RoomID:    roomID,
		State:     append([]byte(nil), state...),
		UpdatedAt: now,
	}
	s.mu.Unlock()
	return nil
}
