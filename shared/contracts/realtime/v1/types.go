package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by relay and clients.
const Subprotocol = "scribe.sync.v1"

// Type constants (wire-stable).
const (
	// TypeHello announces the client's replica id (client -> relay).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (relay -> client).
	TypeHelloAck = "hello_ack"

	// TypeSyncRequest asks for the room's full replicated state (client -> relay).
	TypeSyncRequest = "sync_request"
	// TypeSyncState answers a sync request with the room state (relay -> client).
	TypeSyncState = "sync_state"

	// TypeUpdate carries a replicated state update (both directions).
	TypeUpdate = "update"

	// TypeAwareness carries one peer's ephemeral presence state (both directions).
	TypeAwareness = "awareness"

	// TypeError is a generic error envelope (relay -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSyncRequest,
		TypeSyncState,
		TypeUpdate,
		TypeAwareness,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client right after the websocket handshake.
type HelloPayload struct {
	ClientID uint64 `json:"client_id"`
}

// HelloAckPayload carries the relay-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SyncRequestPayload requests the full room state.
type SyncRequestPayload struct{}

// SyncStatePayload carries the encoded room state.
type SyncStatePayload struct {
	Update json.RawMessage `json:"update"`
}

// UpdatePayload carries one encoded replica update.
type UpdatePayload struct {
	Update json.RawMessage `json:"update"`
}

// AwarenessPayload carries one peer's presence state.
// A null State means the peer is gone.
type AwarenessPayload struct {
	ClientID uint64          `json:"client_id"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// Removed reports whether the payload announces a departed peer.
func (p AwarenessPayload) Removed() bool {
	s := strings.TrimSpace(string(p.State))
	return s == "" || s == "null"
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
