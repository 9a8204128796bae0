// Package transport is the client side of the scribe sync protocol.
//
// A Provider keeps one replica.Doc in sync with a relay room over a websocket. It
// reconnects with capped exponential backoff, pushes the full local state and asks for
// the relay state on every (re)connect, and carries the room's awareness (presence)
// states.
//
// The Doc is never touched from I/O goroutines: everything that reads or mutates it is
// handed to Config.Dispatch, which must serialize with every other user of the Doc.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"scribe/cmd/internal/notify"
	"scribe/cmd/internal/replica"
	v1 "scribe/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultMinBackoff   = 100 * time.Millisecond
	defaultMaxBackoff   = 2500 * time.Millisecond
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultSendQueue    = 256

	maxFrameBytes = 1 << 20
)

var (
	ErrMissingURL  = errors.New("transport: missing url")
	ErrMissingRoom = errors.New("transport: missing room")
	ErrMissingDoc  = errors.New("transport: missing doc")
)

// Status is the connection state reported to OnStatus listeners.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config configures a Provider.
type Config struct {
	// URL is the relay websocket base, e.g. ws://localhost:8080/ws. The room is appended as a path segment.
	URL  string
	Room string
	Doc  *replica.Doc

	// Params are sent as query parameters on every dial.
	Params map[string]string

	// Dispatch runs fn on the goroutine that owns Doc. Nil runs fn inline.
	Dispatch func(fn func())

	Log          *slog.Logger
	HTTPClient   *http.Client
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int

	// Manual skips the connection attempt New would otherwise start.
	Manual bool
}

// Provider syncs one Doc with one relay room.
type Provider struct {
	cfg       Config
	log       *slog.Logger
	doc       *replica.Doc
	awareness *Awareness

	mu            sync.Mutex
	params        map[string]string
	gen           uint64
	shouldConnect bool
	destroyed     bool
	status        Status
	cancelRun     context.CancelFunc
	out           chan v1.Envelope
	dropSession   context.CancelFunc

	statusListeners notify.Set[func(Status)]
	unobserve       func()
}

// New constructs a Provider and, unless cfg.Manual is set, starts connecting.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}
	if strings.TrimSpace(cfg.Room) == "" {
		return nil, ErrMissingRoom
	}
	if cfg.Doc == nil {
		return nil, ErrMissingDoc
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(fn func()) { fn() }
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}

	p := &Provider{
		cfg:       cfg,
		log:       cfg.Log.With("room", cfg.Room),
		doc:       cfg.Doc,
		awareness: newAwareness(cfg.Doc.ClientID()),
		params:    maps.Clone(cfg.Params),
	}
	if p.params == nil {
		p.params = make(map[string]string)
	}
	p.awareness.publish = p.publishAwareness
	p.unobserve = p.doc.OnUpdate(p.onDocUpdate)

	if !cfg.Manual {
		p.Connect()
	}
	return p, nil
}

// Room returns the room id this provider is bound to.
func (p *Provider) Room() string { return p.cfg.Room }

// Doc returns the synced root.
func (p *Provider) Doc() *replica.Doc { return p.doc }

// Awareness returns the room's presence subsystem.
func (p *Provider) Awareness() *Awareness { return p.awareness }

// SetParam sets a query parameter used by the next dial. The live connection is left alone.
func (p *Provider) SetParam(key, value string) {
	p.mu.Lock()
	p.params[key] = value
	p.mu.Unlock()
}

// Param returns the current value of a query parameter.
func (p *Provider) Param(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params[key]
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Connected reports whether the relay acknowledged the current connection.
func (p *Provider) Connected() bool { return p.Status() == StatusConnected }

// ShouldConnect reports whether the provider is trying to stay connected.
func (p *Provider) ShouldConnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldConnect
}

// OnStatus registers fn for connection state changes. fn runs through Dispatch.
func (p *Provider) OnStatus(fn func(Status)) (cancel func()) {
	return p.statusListeners.Add(fn)
}

// Connect starts the connect/reconnect loop. It is a no-op when already running.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.destroyed || p.shouldConnect {
		p.mu.Unlock()
		return
	}
	p.shouldConnect = true
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelRun = cancel
	p.mu.Unlock()

	p.setStatus(gen, StatusConnecting)
	go p.run(ctx, gen)
}

// Disconnect closes the connection and stops reconnecting.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if p.destroyed || !p.shouldConnect {
		p.mu.Unlock()
		return
	}
	p.shouldConnect = false
	gen := p.gen
	cancel := p.cancelRun
	p.cancelRun = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.forceStatus(gen, StatusDisconnected)
	p.awareness.clearRemote()
}

// Destroy disconnects and drops every listener. Later calls are no-ops.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.shouldConnect = false
	p.status = StatusDisconnected
	cancel := p.cancelRun
	p.cancelRun = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p.unobserve != nil {
		p.unobserve()
	}
	p.statusListeners.Clear()
	p.awareness.close()
	p.log.Info("transport.destroy")
}

// live reports whether gen is still the run the user wants connected.
func (p *Provider) live(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && p.shouldConnect && gen == p.gen
}

func (p *Provider) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// setStatus records s when gen is still the active run, then notifies through Dispatch.
func (p *Provider) setStatus(gen uint64, s Status) {
	p.mu.Lock()
	if p.destroyed || gen != p.gen || !p.shouldConnect || p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()

	p.notifyStatus(s)
}

// forceStatus is setStatus for the user-driven Disconnect path.
func (p *Provider) forceStatus(gen uint64, s Status) {
	p.mu.Lock()
	if p.destroyed || gen != p.gen || p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()

	p.notifyStatus(s)
}

func (p *Provider) notifyStatus(s Status) {
	p.cfg.Dispatch(func() {
		if p.isDestroyed() {
			return
		}
		for _, fn := range p.statusListeners.Snapshot() {
			fn(s)
		}
	})
}

func (p *Provider) run(ctx context.Context, gen uint64) {
	backoff := p.cfg.MinBackoff
	for {
		p.setStatus(gen, StatusConnecting)

		acked, err := p.session(ctx, gen)
		if ctx.Err() != nil {
			return
		}

		p.setStatus(gen, StatusDisconnected)
		p.cfg.Dispatch(func() {
			if !p.isDestroyed() {
				p.awareness.clearRemote()
			}
		})

		if acked {
			backoff = p.cfg.MinBackoff
		}
		p.log.Info("transport.reconnect.wait", "err", err, "backoff", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, p.cfg.MaxBackoff)
	}
}

// session runs one websocket connection until it fails or ctx ends.
// acked reports whether the relay acknowledged the handshake.
func (p *Provider) session(ctx context.Context, gen uint64) (acked bool, err error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, p.endpoint(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPClient:   p.cfg.HTTPClient,
	})
	dialCancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return false, fmt.Errorf("relay selected subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	out := make(chan v1.Envelope, p.cfg.SendQueue)
	if !p.attach(gen, out, scancel) {
		return false, context.Canceled
	}
	defer p.detach(out)

	p.cfg.Dispatch(func() { p.queueHandshake(out) })

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-sctx.Done():
				return
			case env := <-out:
				if err := writeEnvelope(sctx, conn, env, p.cfg.WriteTimeout); err != nil {
					p.log.Info("transport.write.fail", "err", err)
					scancel()
					return
				}
			}
		}
	}()
	defer func() { <-writerDone }()

	for {
		env, err := readEnvelope(sctx, conn)
		if errors.Is(err, errBadEnvelope) {
			p.log.Warn("transport.envelope.invalid", "err", err)
			continue
		}
		if err != nil {
			scancel()
			if websocket.CloseStatus(err) != -1 {
				return acked, fmt.Errorf("relay closed: %w", err)
			}
			return acked, err
		}
		if err := env.Validate(); err != nil {
			p.log.Warn("transport.envelope.invalid", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeHelloAck:
			acked = true
			p.setStatus(gen, StatusConnected)
			p.log.Info("transport.connected")

		case v1.TypeSyncState:
			var pl v1.SyncStatePayload
			if err := json.Unmarshal(env.Payload, &pl); err != nil {
				p.log.Warn("transport.sync_state.invalid", "err", err)
				continue
			}
			p.applyRemote(pl.Update)

		case v1.TypeUpdate:
			var pl v1.UpdatePayload
			if err := json.Unmarshal(env.Payload, &pl); err != nil {
				p.log.Warn("transport.update.invalid", "err", err)
				continue
			}
			p.applyRemote(pl.Update)

		case v1.TypeAwareness:
			var pl v1.AwarenessPayload
			if err := json.Unmarshal(env.Payload, &pl); err != nil {
				p.log.Warn("transport.awareness.invalid", "err", err)
				continue
			}
			p.cfg.Dispatch(func() {
				if p.live(gen) {
					p.awareness.applyRemote(pl)
				}
			})

		case v1.TypeError:
			var pl v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &pl)
			p.log.Warn("transport.relay.error", "code", pl.Code, "message", pl.Message)
		}
	}
}

func (p *Provider) applyRemote(raw json.RawMessage) {
	u, err := replica.DecodeUpdate(raw)
	if err != nil {
		p.log.Warn("transport.update.decode.fail", "err", err)
		return
	}
	if u.Empty() {
		return
	}
	p.cfg.Dispatch(func() {
		if p.isDestroyed() {
			return
		}
		if _, err := p.doc.ApplyUpdate(u, p); err != nil {
			p.log.Warn("transport.update.apply.fail", "err", err)
		}
	})
}

// attach makes out the live send queue unless a newer Connect or a Disconnect superseded gen.
func (p *Provider) attach(gen uint64, out chan v1.Envelope, drop context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || !p.shouldConnect || gen != p.gen {
		return false
	}
	p.out = out
	p.dropSession = drop
	return true
}

func (p *Provider) detach(out chan v1.Envelope) {
	p.mu.Lock()
	if p.out == out {
		p.out = nil
		p.dropSession = nil
	}
	p.mu.Unlock()
}

// queueHandshake runs on the Doc owner so the state snapshot matches what later updates build on.
func (p *Provider) queueHandshake(out chan v1.Envelope) {
	p.mu.Lock()
	current := p.out == out
	p.mu.Unlock()
	if !current || p.isDestroyed() {
		return
	}

	hello, _ := json.Marshal(v1.HelloPayload{ClientID: p.doc.ClientID()})
	p.send(newEnvelope(v1.TypeHello, p.cfg.Room, hello))
	p.send(newEnvelope(v1.TypeSyncRequest, p.cfg.Room, json.RawMessage("{}")))

	if state := p.doc.EncodeState(); !state.Empty() {
		p.sendUpdate(state)
	}
	if pl, ok := p.awareness.localPayload(); ok {
		p.publishAwareness(pl)
	}
}

func (p *Provider) onDocUpdate(u replica.Update, origin any) {
	if origin == p {
		return
	}
	p.sendUpdate(u)
}

func (p *Provider) sendUpdate(u replica.Update) {
	raw, err := replica.EncodeUpdate(u)
	if err != nil {
		p.log.Error("transport.update.encode.fail", "err", err)
		return
	}
	pl, _ := json.Marshal(v1.UpdatePayload{Update: raw})
	p.send(newEnvelope(v1.TypeUpdate, p.cfg.Room, pl))
}

func (p *Provider) publishAwareness(pl v1.AwarenessPayload) {
	raw, _ := json.Marshal(pl)
	p.send(newEnvelope(v1.TypeAwareness, p.cfg.Room, raw))
}

// send queues env on the live connection. While offline it is dropped: the next
// handshake pushes the full state. A full queue drops the connection for the same reason.
func (p *Provider) send(env v1.Envelope) {
	p.mu.Lock()
	out, drop := p.out, p.dropSession
	p.mu.Unlock()
	if out == nil {
		return
	}

	select {
	case out <- env:
	default:
		p.log.Warn("transport.queue.full", "type", env.Type)
		if drop != nil {
			drop()
		}
	}
}

func (p *Provider) endpoint() string {
	p.mu.Lock()
	q := url.Values{}
	for k, v := range p.params {
		q.Set(k, v)
	}
	p.mu.Unlock()

	u := strings.TrimRight(p.cfg.URL, "/") + "/" + url.PathEscape(p.cfg.Room)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}
