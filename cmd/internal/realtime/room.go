package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scribe/cmd/internal/replica"
	v1 "scribe/shared/contracts/realtime/v1"
)

// awarenessEntry is the last awareness envelope seen for one replica client.
// sessionID is empty for peers attached to another relay.
type awarenessEntry struct {
	sessionID string
	clock     uint64
	env       v1.Envelope
}

// Room is one shared root replica plus the sessions attached to it.
//
// Concurrency guarantees:
// - The replica is guarded by docMu; readers and writers never see a torn update.
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
type Room struct {
	log *slog.Logger
	ID  string

	docMu sync.Mutex
	doc   *replica.Doc
	dirty bool

	mu        sync.RWMutex
	members   map[string]*Client
	awareness map[uint64]awarenessEntry

	unsubscribe func()
}

// NewRoom constructs a room, seeding its replica from state when non-empty.
func NewRoom(log *slog.Logger, id string, state []byte) (*Room, error) {
	r := &Room{
		log:       log.With("room", id),
		ID:        id,
		doc:       replica.NewDoc(),
		members:   make(map[string]*Client),
		awareness: make(map[uint64]awarenessEntry),
	}
	if len(state) == 0 {
		return r, nil
	}

	u, err := replica.DecodeUpdate(state)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if _, err := r.doc.ApplyUpdate(u, nil); err != nil {
		return nil, fmt.Errorf("apply snapshot: %w", err)
	}
	return r, nil
}

// Join adds a client and returns the awareness envelopes it needs to catch up.
func (r *Room) Join(client *Client) []v1.Envelope {
	if r == nil || client == nil || client.SessionID == "" {
		return nil
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	replay := make([]v1.Envelope, 0, len(r.awareness))
	for _, e := range r.awareness {
		replay = append(replay, e.env)
	}
	r.mu.Unlock()

	r.log.Info("room.member.join", "session_id", client.SessionID, "peer_id", client.PeerID)
	return replay
}

// Leave removes a session and signals shutdown for its client. It returns the awareness
// removals other peers must see and the number of sessions left.
func (r *Room) Leave(sessionID string) (removed []v1.Envelope, remaining int) {
	if r == nil || sessionID == "" {
		return nil, 0
	}

	now := time.Now().UTC()

	r.mu.Lock()
	cl := r.members[sessionID]
	delete(r.members, sessionID)
	for id, e := range r.awareness {
		if e.sessionID != sessionID {
			continue
		}
		delete(r.awareness, id)
		p, _ := json.Marshal(v1.AwarenessPayload{ClientID: id, Clock: e.clock + 1, State: json.RawMessage("null")})
		removed = append(removed, newEnvelope(v1.TypeAwareness, r.ID, p, now))
	}
	remaining = len(r.members)
	r.mu.Unlock()

	// Membership is gone before the client stops, so no broadcaster still holds it.
	if cl != nil {
		cl.Close()
	}

	r.log.Info("room.member.leave", "session_id", sessionID, "remaining", remaining)
	return removed, remaining
}

// Members returns the number of attached sessions.
func (r *Room) Members() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member except the session named by except.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope, except string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == except {
			continue
		}
		if !m.offer(env) {
			r.log.Debug("room.broadcast.drop", "session_id", id, "type", env.Type)
		}
	}
}

// ApplyUpdate integrates an encoded update and returns how many of its ops were new.
func (r *Room) ApplyUpdate(raw []byte) (int, error) {
	u, err := replica.DecodeUpdate(raw)
	if err != nil {
		return 0, err
	}

	r.docMu.Lock()
	defer r.docMu.Unlock()

	n, err := r.doc.ApplyUpdate(u, nil)
	if n > 0 {
		r.dirty = true
	}
	return n, err
}

// State returns the encoded full state of the room.
func (r *Room) State() ([]byte, error) {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return replica.EncodeUpdate(r.doc.EncodeState())
}

// Text returns the current content of the named text. Used by tests and diagnostics.
func (r *Room) Text(name string) string {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	if !r.doc.HasText(name) {
		return ""
	}
	return r.doc.Text(name).String()
}

// TrackAwareness records an awareness payload for later replay. Stale clocks are
// rejected; a removal drops the cached entry.
func (r *Room) TrackAwareness(sessionID string, p v1.AwarenessPayload, env v1.Envelope) bool {
	if p.ClientID == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.awareness[p.ClientID]; ok && p.Clock < cur.clock {
		return false
	}
	if p.Removed() {
		delete(r.awareness, p.ClientID)
		return true
	}
	r.awareness[p.ClientID] = awarenessEntry{sessionID: sessionID, clock: p.Clock, env: env}
	return true
}

// takeDirty returns the encoded state when the replica changed since the last call.
func (r *Room) takeDirty() ([]byte, bool) {
	r.docMu.Lock()
	defer r.docMu.Unlock()

	if !r.dirty {
		return nil, false
	}
	b, err := replica.EncodeUpdate(r.doc.EncodeState())
	if err != nil {
		r.log.Error("room.snapshot.encode.fail", "err", err)
		return nil, false
	}
	r.dirty = false
	return b, true
}

func (r *Room) markDirty() {
	r.docMu.Lock()
	r.dirty = true
	r.docMu.Unlock()
}

func (r *Room) isDirty() bool {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return r.dirty
}
