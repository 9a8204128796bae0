package realtime

import (
	"time"

	"scribe/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewRelayID returns a ULID identifying this relay process on the broker.
func NewRelayID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
