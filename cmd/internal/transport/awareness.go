package transport

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"scribe/cmd/internal/notify"
	v1 "scribe/shared/contracts/realtime/v1"
)

// AwarenessChange lists the client ids whose presence state changed.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change carries no ids.
func (c AwarenessChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type peerState struct {
	clock  uint64
	fields map[string]json.RawMessage
}

// Awareness holds the ephemeral per-peer state of one room connection.
// The local state is published to the relay; remote states are received from it.
type Awareness struct {
	clientID uint64

	mu         sync.Mutex
	localClock uint64
	local      map[string]json.RawMessage
	remote     map[uint64]peerState

	listeners notify.Set[func(AwarenessChange)]
	publish   func(v1.AwarenessPayload)
}

func newAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		remote:   make(map[uint64]peerState),
	}
}

// ClientID returns the id the local state is published under.
func (a *Awareness) ClientID() uint64 { return a.clientID }

// SetLocalStateField sets one field of the local state and publishes it.
func (a *Awareness) SetLocalStateField(key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("awareness: empty field name")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("awareness: encode %s: %w", key, err)
	}

	a.mu.Lock()
	if a.local == nil {
		a.local = make(map[string]json.RawMessage)
	}
	a.local[key] = raw
	a.localClock++
	payload, _ := a.localPayloadLocked()
	a.mu.Unlock()

	a.emit(AwarenessChange{Updated: []uint64{a.clientID}})
	a.send(payload)
	return nil
}

// LocalState returns a copy of the local fields, or nil when none were set.
func (a *Awareness) LocalState() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return nil
	}
	return maps.Clone(a.local)
}

// States returns every known state keyed by client id, the local one included.
func (a *Awareness) States() map[uint64]map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]map[string]json.RawMessage, len(a.remote)+1)
	if a.local != nil {
		out[a.clientID] = maps.Clone(a.local)
	}
	for id, st := range a.remote {
		out[id] = maps.Clone(st.fields)
	}
	return out
}

// OnChange registers fn for presence changes, local and remote.
func (a *Awareness) OnChange(fn func(AwarenessChange)) (cancel func()) {
	return a.listeners.Add(fn)
}

// Listeners reports the number of OnChange registrations.
func (a *Awareness) Listeners() int { return a.listeners.Len() }

func (a *Awareness) localPayload() (v1.AwarenessPayload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localPayloadLocked()
}

func (a *Awareness) localPayloadLocked() (v1.AwarenessPayload, bool) {
	if a.local == nil {
		return v1.AwarenessPayload{}, false
	}
	raw, err := json.Marshal(a.local)
	if err != nil {
		return v1.AwarenessPayload{}, false
	}
	return v1.AwarenessPayload{ClientID: a.clientID, Clock: a.localClock, State: raw}, true
}

func (a *Awareness) send(p v1.AwarenessPayload) {
	a.mu.Lock()
	publish := a.publish
	a.mu.Unlock()

	if publish != nil && p.ClientID != 0 {
		publish(p)
	}
}

// applyRemote merges a peer state received from the relay. Stale clocks are ignored.
func (a *Awareness) applyRemote(p v1.AwarenessPayload) {
	if p.ClientID == 0 || p.ClientID == a.clientID {
		return
	}

	var change AwarenessChange

	a.mu.Lock()
	prev, known := a.remote[p.ClientID]
	switch {
	case p.Removed():
		if known {
			delete(a.remote, p.ClientID)
			change.Removed = []uint64{p.ClientID}
		}
	case known && p.Clock != 0 && p.Clock <= prev.clock:
	default:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p.State, &fields); err != nil {
			a.mu.Unlock()
			return
		}
		a.remote[p.ClientID] = peerState{clock: p.Clock, fields: fields}
		if known {
			change.Updated = []uint64{p.ClientID}
		} else {
			change.Added = []uint64{p.ClientID}
		}
	}
	a.mu.Unlock()

	a.emit(change)
}

// clearRemote drops every remote state, as happens when the connection goes away.
func (a *Awareness) clearRemote() {
	a.mu.Lock()
	removed := make([]uint64, 0, len(a.remote))
	for id := range a.remote {
		removed = append(removed, id)
	}
	clear(a.remote)
	a.mu.Unlock()

	a.emit(AwarenessChange{Removed: removed})
}

func (a *Awareness) close() {
	a.clearRemote()
	a.listeners.Clear()

	a.mu.Lock()
	a.publish = nil
	a.mu.Unlock()
}

func (a *Awareness) emit(c AwarenessChange) {
	if c.Empty() {
		return
	}
	for _, fn := range a.listeners.Snapshot() {
		fn(c)
	}
}
