package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "scribe/shared/contracts/realtime/v1"
)

const maxRoomIDLen = 128

// Hub owns the live rooms of this relay. Rooms are loaded from the SnapshotStore on
// first join, flushed periodically, and evicted once the last session leaves and the
// final snapshot is saved.
type Hub struct {
	log     *slog.Logger
	store   SnapshotStore
	broker  Broker
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub. A nil store keeps snapshots in memory; a nil broker keeps
// fanout local to this process.
func NewHub(log *slog.Logger, store SnapshotStore, broker Broker, metrics *Metrics) *Hub {
	if store == nil {
		store = NewInMemoryStore()
	}
	if broker == nil {
		broker = LocalBroker{}
	}
	return &Hub{
		log:     log,
		store:   store,
		broker:  broker,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// ValidRoomID reports whether id can name a room.
func ValidRoomID(id string) bool {
	if strings.TrimSpace(id) != id || id == "" || len(id) > maxRoomIDLen {
		return false
	}
	return !strings.ContainsAny(id, "/\x00")
}

// Join attaches client to the room, creating it when needed. It returns the room and
// the awareness envelopes to replay to the newcomer.
func (h *Hub) Join(ctx context.Context, roomID string, client *Client) (*Room, []v1.Envelope, error) {
	if !ValidRoomID(roomID) {
		return nil, nil, ErrInvalidRoom
	}

	h.mu.Lock()
	if r, ok := h.rooms[roomID]; ok {
		replay := r.Join(client)
		h.mu.Unlock()
		return r, replay, nil
	}
	h.mu.Unlock()

	fresh, err := h.loadRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = fresh
		h.rooms[roomID] = r
		h.metrics.roomOpened()
	}
	replay := r.Join(client)
	h.mu.Unlock()

	if r != fresh {
		// Lost the race to another joiner.
		fresh.close()
		return r, replay, nil
	}

	h.log.Info("room.open", "room", roomID)
	return r, replay, nil
}

func (h *Hub) loadRoom(ctx context.Context, roomID string) (*Room, error) {
	var state []byte
	snap, err := h.store.Load(ctx, roomID)
	switch {
	case err == nil:
		state = snap.State
	case errors.Is(err, ErrSnapshotNotFound):
	default:
		return nil, fmt.Errorf("load room %q: %w", roomID, err)
	}

	r, err := NewRoom(h.log, roomID, state)
	if err != nil {
		return nil, err
	}

	cancel, err := h.broker.Subscribe(roomID, func(env v1.Envelope) { h.onRemote(r, env) })
	if err != nil {
		h.log.Warn("room.subscribe.fail", "room", roomID, "err", err)
	} else {
		r.unsubscribe = cancel
	}
	return r, nil
}

// Leave detaches a session, tells the other peers its awareness is gone, and evicts the
// room when it was the last one.
func (h *Hub) Leave(ctx context.Context, r *Room, sessionID string) {
	if r == nil {
		return
	}

	removed, remaining := r.Leave(sessionID)
	for _, env := range removed {
		r.Broadcast(env, sessionID)
		h.publish(ctx, r, env)
	}
	if remaining > 0 {
		return
	}

	h.flushRoom(ctx, r)

	h.mu.Lock()
	evict := h.rooms[r.ID] == r && r.Members() == 0 && !r.isDirty()
	if evict {
		delete(h.rooms, r.ID)
		h.metrics.roomClosed()
	}
	h.mu.Unlock()

	if evict {
		r.close()
		h.log.Info("room.close", "room", r.ID)
	}
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Room returns the live room named id, if any.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Flush saves every room whose replica changed since its last snapshot.
func (h *Hub) Flush(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		h.flushRoom(ctx, r)
	}
}

// Run flushes dirty rooms every interval until ctx is done, then flushes once more.
func (h *Hub) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = snapshotInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush must outlive the cancelled parent.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotSaveTimeout)
			h.Flush(fctx)
			cancel()
			return
		case <-t.C:
			h.Flush(ctx)
		}
	}
}

func (h *Hub) flushRoom(ctx context.Context, r *Room) {
	state, ok := r.takeDirty()
	if !ok {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, snapshotSaveTimeout)
	defer cancel()

	if err := h.store.Save(sctx, r.ID, state, time.Now().UTC()); err != nil {
		r.markDirty()
		h.log.Error("room.snapshot.save.fail", "room", r.ID, "err", err)
		return
	}
	h.log.Debug("room.snapshot.save", "room", r.ID, "bytes", len(state))
}

func (h *Hub) publish(ctx context.Context, r *Room, env v1.Envelope) {
	if err := h.broker.Publish(ctx, r.ID, env); err != nil {
		h.log.Warn("room.publish.fail", "room", r.ID, "type", env.Type, "err", err)
	}
}

// onRemote applies an envelope published by another relay to the local room.
func (h *Hub) onRemote(r *Room, env v1.Envelope) {
	switch env.Type {
	case v1.TypeUpdate:
		var p v1.UpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		n, err := r.ApplyUpdate(p.Update)
		if err != nil {
			h.log.Warn("room.remote.update.fail", "room", r.ID, "err", err)
		}
		if n > 0 {
			h.metrics.update(updateSourceRemote)
			r.Broadcast(env, "")
		}

	case v1.TypeAwareness:
		var p v1.AwarenessPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if r.TrackAwareness("", p, env) {
			r.Broadcast(env, "")
		}
	}
}

func (r *Room) close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
