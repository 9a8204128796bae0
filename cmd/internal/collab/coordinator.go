package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"scribe/cmd/internal/editor"
	"scribe/cmd/internal/notify"
)

// CredentialSource is the token holder the coordinator reads and follows.
type CredentialSource interface {
	Token() string
	OnRenewed(fn func(token string)) (cancel func())
}

// Config configures a Coordinator.
type Config struct {
	Log         *slog.Logger
	Credentials CredentialSource
	Transport   TransportFactory
	Editors     []editor.Model
	// Presence is the local identity. The zero value picks RandomPresence.
	Presence Presence
	Metrics  *Metrics
}

// View is a snapshot of the coordinator for display.
type View struct {
	Room      string
	State     SessionState
	Documents []string
	Active    string
	Text      string
	Presence  map[uint64]PresenceEntry
}

// Coordinator owns the current room: its session, document registry, presence tracker
// and the editor binding. All of that state lives on the coordinator's Loop.
type Coordinator struct {
	log     *slog.Logger
	loop    *Loop
	creds   CredentialSource
	factory TransportFactory
	binder  *BindingController
	local   Presence
	metrics *Metrics

	room       string
	session    *Session
	registry   *DocumentRegistry
	presence   *PresenceTracker
	active     string
	userPicked bool
	roomSubs   []func()
	unrenew    func()
	closed     bool

	documentsListeners notify.Set[func([]string)]
	presenceListeners  notify.Set[func(map[uint64]PresenceEntry)]
	activeListeners    notify.Set[func(string)]
	connListeners      notify.Set[func(SessionState)]
}

// NewCoordinator builds a coordinator and starts its loop. No room is open yet.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Presence == (Presence{}) {
		cfg.Presence = RandomPresence()
	}

	c := &Coordinator{
		log:     cfg.Log,
		loop:    NewLoop(),
		creds:   cfg.Credentials,
		factory: cfg.Transport,
		binder:  NewBindingController(cfg.Log, cfg.Editors...),
		local:   cfg.Presence,
		metrics: cfg.Metrics,
	}
	go c.loop.Run(context.Background())

	if c.creds != nil {
		c.unrenew = c.creds.OnRenewed(func(token string) {
			c.loop.Post(func() { c.onRenewed(token) })
		})
	}
	return c, nil
}

// Loop returns the loop every coordinator callback runs on.
func (c *Coordinator) Loop() *Loop { return c.loop }

// Local returns the local presence.
func (c *Coordinator) Local() Presence { return c.local }

// Do runs fn on the loop, e.g. to edit a bound editor.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	return c.loop.Do(ctx, fn)
}

func (c *Coordinator) exec(ctx context.Context, fn func() error) error {
	var err error
	if lerr := c.loop.Do(ctx, func() { err = fn() }); lerr != nil {
		return lerr
	}
	return err
}

// SwitchRoom makes room current. Switching to the current room does nothing.
func (c *Coordinator) SwitchRoom(ctx context.Context, room string) error {
	return c.exec(ctx, func() error { return c.switchRoom(room) })
}

// SwitchDocument binds the editors to name, creating the document if needed.
func (c *Coordinator) SwitchDocument(ctx context.Context, name string) error {
	return c.exec(ctx, func() error { return c.selectDocument(name, true) })
}

// ToggleConnection disconnects a connecting or connected session and reconnects a
// disconnected one. It returns the resulting state.
func (c *Coordinator) ToggleConnection(ctx context.Context) (SessionState, error) {
	var st SessionState
	err := c.exec(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		if c.session == nil {
			return ErrNoRoom
		}
		if c.session.ShouldConnect() {
			c.session.Disconnect()
		} else {
			c.session.Connect()
		}
		st = c.session.State()
		return nil
	})
	return st, err
}

// SetCursor publishes the local cursor to the room's peers. Nil clears it. A cursor for a
// document other than the active one is rejected.
func (c *Coordinator) SetCursor(ctx context.Context, cur *Cursor) error {
	return c.exec(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		if c.presence == nil {
			return ErrNoRoom
		}
		if cur == nil {
			return c.presence.SetCursor(nil)
		}
		if cur.Document == "" || cur.Document != c.active {
			return ErrInactiveDocument
		}
		raw, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return c.presence.SetCursor(raw)
	})
}

// View returns a snapshot of the current room.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.exec(ctx, func() error {
		if c.closed {
			return ErrClosed
		}
		v.Room = c.room
		v.Active = c.active
		v.Presence = map[uint64]PresenceEntry{}
		if c.session == nil {
			v.State = StateDisconnected
			return nil
		}
		v.State = c.session.State()
		v.Documents = c.registry.List()
		v.Presence = c.presence.Snapshot()
		if b := c.binder.Current(); b != nil {
			v.Text = b.Text().String()
		}
		return nil
	})
	return v, err
}

// Close tears down the current room and stops the loop.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.exec(ctx, func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		c.teardown()
		if c.unrenew != nil {
			c.unrenew()
		}
		c.documentsListeners.Clear()
		c.presenceListeners.Clear()
		c.activeListeners.Clear()
		c.connListeners.Clear()
		c.log.Info("coordinator.close")
		return nil
	})
	c.loop.Stop()
	return err
}

// OnDocumentsChanged registers fn for document list changes. fn runs on the loop.
func (c *Coordinator) OnDocumentsChanged(fn func(names []string)) (cancel func()) {
	return c.documentsListeners.Add(fn)
}

// OnPresenceChanged registers fn for presence changes. fn runs on the loop.
func (c *Coordinator) OnPresenceChanged(fn func(map[uint64]PresenceEntry)) (cancel func()) {
	return c.presenceListeners.Add(fn)
}

// OnActiveDocumentChanged registers fn for the bound document changing. fn runs on the loop.
func (c *Coordinator) OnActiveDocumentChanged(fn func(name string)) (cancel func()) {
	return c.activeListeners.Add(fn)
}

// OnConnectionChanged registers fn for session state changes. fn runs on the loop.
func (c *Coordinator) OnConnectionChanged(fn func(SessionState)) (cancel func()) {
	return c.connListeners.Add(fn)
}

func (c *Coordinator) switchRoom(room string) error {
	if c.closed {
		return ErrClosed
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrInvalidRoom
	}
	if c.session != nil && c.room == room {
		c.log.Debug("room.switch.noop", "room", room)
		return nil
	}

	c.teardown()
	c.binder.Clear()

	params := map[string]string{}
	if c.creds != nil {
		if tok := c.creds.Token(); tok != "" {
			params[AuthParam] = tok
		}
	}

	s, err := NewSession(SessionConfig{
		Room:      room,
		Transport: c.factory,
		Params:    params,
		Dispatch:  c.loop.Dispatch,
		Log:       c.log,
	})
	if err != nil {
		c.room = ""
		c.emitActive("")
		return err
	}

	c.room = room
	c.session = s
	c.registry = NewDocumentRegistry(s.Doc())
	c.presence = NewPresenceTracker(s.Awareness())
	c.roomSubs = append(c.roomSubs,
		c.registry.OnListChanged(c.onDocuments),
		c.presence.OnChange(c.onPresence),
		s.OnStateChange(c.onState),
	)

	if err := c.presence.SetLocal(c.local); err != nil {
		c.log.Warn("presence.publish.fail", "room", room, "err", err)
	}

	c.metrics.roomSwitched()
	c.metrics.connectionState(s.State())
	c.log.Info("room.switch", "room", room)

	c.emitActive("")
	c.emitDocuments(c.registry.List())
	c.emitConnection(s.State())

	if names := c.registry.List(); len(names) > 0 {
		return c.selectDocument(names[0], false)
	}
	return nil
}

// teardown releases the current room: binding first, then presence, registry, session.
func (c *Coordinator) teardown() {
	c.binder.Unbind()
	for _, cancel := range c.roomSubs {
		cancel()
	}
	c.roomSubs = nil

	if c.presence != nil {
		c.presence.Close()
		c.presence = nil
	}
	if c.registry != nil {
		c.registry.Detach()
		c.registry = nil
	}
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.active = ""
	c.userPicked = false
}

func (c *Coordinator) selectDocument(name string, userPicked bool) error {
	if c.closed {
		return ErrClosed
	}
	if c.registry == nil {
		return ErrNoRoom
	}

	// Mark the pick first: creating the document fires the list observer, which must not
	// auto-select over it.
	prev := c.userPicked
	if userPicked {
		c.userPicked = true
	}
	h, err := c.registry.GetOrCreate(name)
	if err != nil {
		c.userPicked = prev
		return err
	}
	if cur := c.binder.Current(); cur != nil && cur.Document == name && cur.Text() == h {
		return nil
	}

	c.binder.Bind(name, h)
	c.active = name
	c.metrics.documentSwitched()
	c.log.Info("document.switch", "room", c.room, "document", name, "user", userPicked)
	c.emitActive(name)
	return nil
}

func (c *Coordinator) onDocuments(names []string) {
	c.emitDocuments(names)
	if c.active == "" && !c.userPicked && len(names) > 0 {
		if err := c.selectDocument(names[0], false); err != nil {
			c.log.Warn("document.autoselect.fail", "room", c.room, "err", err)
		}
	}
}

func (c *Coordinator) onPresence(snapshot map[uint64]PresenceEntry) {
	for _, fn := range c.presenceListeners.Snapshot() {
		fn(snapshot)
	}
}

func (c *Coordinator) onState(st SessionState) {
	c.metrics.connectionState(st)
	c.emitConnection(st)
}

// onRenewed swaps the token on the live session without reconnecting.
func (c *Coordinator) onRenewed(token string) {
	if c.closed || c.session == nil {
		return
	}
	c.session.SetParam(AuthParam, token)
	c.log.Debug("credentials.applied", "room", c.room)
}

func (c *Coordinator) emitDocuments(names []string) {
	for _, fn := range c.documentsListeners.Snapshot() {
		fn(names)
	}
}

func (c *Coordinator) emitActive(name string) {
	for _, fn := range c.activeListeners.Snapshot() {
		fn(name)
	}
}

func (c *Coordinator) emitConnection(st SessionState) {
	for _, fn := range c.connListeners.Snapshot() {
		fn(st)
	}
}
