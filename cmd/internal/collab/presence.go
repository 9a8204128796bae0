package collab

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"scribe/cmd/internal/notify"
	"scribe/cmd/internal/transport"
)

const (
	presenceUserField   = "user"
	presenceCursorField = "cursor"
)

// Presence is the local peer's published identity.
type Presence struct {
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight"`
}

// PresenceEntry is one peer as seen in a snapshot.
type PresenceEntry struct {
	ClientID   uint64
	Name       string
	Color      string
	ColorLight string
	Cursor     json.RawMessage
	Local      bool
}

// Cursor is a selection inside one document, in rune offsets. Anchor == Head is a caret.
type Cursor struct {
	Document string `json:"document"`
	Anchor   int    `json:"anchor"`
	Head     int    `json:"head"`
}

// DecodeCursor reads the cursor of a PresenceEntry. ok is false when none is published.
func (e PresenceEntry) DecodeCursor() (c Cursor, ok bool) {
	if len(e.Cursor) == 0 {
		return Cursor{}, false
	}
	if err := json.Unmarshal(e.Cursor, &c); err != nil {
		return Cursor{}, false
	}
	return c, true
}

// UserColor is a color pair from the presence palette.
type UserColor struct {
	Color string
	Light string
}

// UserColors is the fixed palette peers pick from.
var UserColors = []UserColor{
	{Color: "#30bced", Light: "#30bced33"},
	{Color: "#6eeb83", Light: "#6eeb8333"},
	{Color: "#ffbc42", Light: "#ffbc4233"},
	{Color: "#ecd444", Light: "#ecd44433"},
	{Color: "#ee6352", Light: "#ee635233"},
	{Color: "#9ac2c9", Light: "#9ac2c933"},
	{Color: "#8acb88", Light: "#8acb8833"},
	{Color: "#1be7ff", Light: "#1be7ff33"},
}

// RandomPresence picks a "User NN" name and a palette color.
func RandomPresence() Presence {
	c := UserColors[rand.IntN(len(UserColors))]
	return Presence{
		Name:       fmt.Sprintf("User %d", rand.IntN(100)),
		Color:      c.Color,
		ColorLight: c.Light,
	}
}

// PresenceTracker publishes the local presence and surfaces everyone's presence.
type PresenceTracker struct {
	aw          Awareness
	listeners   notify.Set[func(map[uint64]PresenceEntry)]
	unsubscribe func()
	closed      bool
}

// NewPresenceTracker subscribes to aw.
func NewPresenceTracker(aw Awareness) *PresenceTracker {
	t := &PresenceTracker{aw: aw}
	t.unsubscribe = aw.OnChange(t.onAwareness)
	return t
}

// SetLocal publishes p as the local user field.
func (t *PresenceTracker) SetLocal(p Presence) error {
	if t.closed {
		return nil
	}
	return t.aw.SetLocalStateField(presenceUserField, p)
}

// SetCursor publishes optional cursor metadata. Nil clears it.
func (t *PresenceTracker) SetCursor(raw json.RawMessage) error {
	if t.closed {
		return nil
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return t.aw.SetLocalStateField(presenceCursorField, raw)
}

// Snapshot returns every peer that published a user field, the local peer included.
func (t *PresenceTracker) Snapshot() map[uint64]PresenceEntry {
	out := make(map[uint64]PresenceEntry)
	if t.closed {
		return out
	}

	local := t.aw.ClientID()
	for id, fields := range t.aw.States() {
		raw, ok := fields[presenceUserField]
		if !ok {
			continue
		}
		var p Presence
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		e := PresenceEntry{
			ClientID:   id,
			Name:       p.Name,
			Color:      p.Color,
			ColorLight: p.ColorLight,
			Local:      id == local,
		}
		if c, ok := fields[presenceCursorField]; ok && string(c) != "null" {
			e.Cursor = c
		}
		out[id] = e
	}
	return out
}

// OnChange registers fn for any peer appearing, changing or leaving.
func (t *PresenceTracker) OnChange(fn func(map[uint64]PresenceEntry)) (cancel func()) {
	return t.listeners.Add(fn)
}

// Listeners reports the number of OnChange registrations.
func (t *PresenceTracker) Listeners() int { return t.listeners.Len() }

// Close drops the awareness subscription and every listener.
func (t *PresenceTracker) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.listeners.Clear()
}

func (t *PresenceTracker) onAwareness(transport.AwarenessChange) {
	if t.closed {
		return
	}
	snap := t.Snapshot()
	for _, fn := range t.listeners.Snapshot() {
		fn(snap)
	}
}
