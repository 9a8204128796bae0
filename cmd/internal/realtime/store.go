package realtime

import (
	"context"
	"time"
)

// Snapshot is the persisted replicated state of one room.
type Snapshot struct {
	RoomID    string
	State     []byte
	UpdatedAt time.Time
}

// SnapshotStore persists encoded room states.
//
// Requirements:
//   - Save replaces the previous snapshot of the room (last write wins)
//   - Load returns ErrSnapshotNotFound for a room that was never saved
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) (Snapshot, error)
	Save(ctx context.Context, roomID string, state []byte, now time.Time) error
	Close() error
}
