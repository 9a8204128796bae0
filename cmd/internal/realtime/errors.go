package realtime

import "errors"

var (
	// ErrSnapshotNotFound is returned by SnapshotStore.Load for an unknown room.
	ErrSnapshotNotFound = errors.New("realtime: snapshot not found")

	// ErrInvalidRoom is returned for a room id the relay refuses to host.
	ErrInvalidRoom = errors.New("realtime: invalid room id")

	// ErrNilStore is returned when a store method is called on a nil store.
	ErrNilStore = errors.New("realtime: nil store")
)
