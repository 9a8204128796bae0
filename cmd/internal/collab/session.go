package collab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"scribe/cmd/internal/notify"
	"scribe/cmd/internal/replica"
	"scribe/cmd/internal/transport"
)

// AuthParam is the connection parameter carrying the credential.
const AuthParam = "auth"

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "disconnected"
	}
}

// Transport is the realtime provider a Session drives.
type Transport interface {
	Connect()
	Disconnect()
	Destroy()
	Connected() bool
	ShouldConnect() bool
	SetParam(key, value string)
	Param(key string) string
	Awareness() Awareness
	OnStatus(fn func(transport.Status)) (cancel func())
}

// Awareness is the ephemeral per-peer state a transport carries.
type Awareness interface {
	ClientID() uint64
	SetLocalStateField(key string, value any) error
	States() map[uint64]map[string]json.RawMessage
	OnChange(fn func(transport.AwarenessChange)) (cancel func())
}

// TransportConfig is what a TransportFactory gets for each new session.
type TransportConfig struct {
	Room     string
	Doc      *replica.Doc
	Params   map[string]string
	Dispatch func(func())
}

// TransportFactory builds a connecting transport for one room.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// ProviderFactory returns a TransportFactory dialing the relay at url.
func ProviderFactory(url string, log *slog.Logger) TransportFactory {
	return func(cfg TransportConfig) (Transport, error) {
		p, err := transport.New(transport.Config{
			URL:      url,
			Room:     cfg.Room,
			Doc:      cfg.Doc,
			Params:   cfg.Params,
			Dispatch: cfg.Dispatch,
			Log:      log,
		})
		if err != nil {
			return nil, err
		}
		return providerTransport{p}, nil
	}
}

type providerTransport struct {
	*transport.Provider
}

func (p providerTransport) Awareness() Awareness { return p.Provider.Awareness() }

// SessionConfig configures NewSession.
type SessionConfig struct {
	Room      string
	Transport TransportFactory
	Params    map[string]string
	Dispatch  func(func())
	Log       *slog.Logger
}

// Session is one realtime connection bound to one room and one fresh replica root.
type Session struct {
	room string
	doc  *replica.Doc
	tr   Transport
	log  *slog.Logger

	state     SessionState
	alive     bool
	listeners notify.Set[func(SessionState)]
	unstatus  func()
}

// NewSession creates the room's root and starts connecting.
func NewSession(cfg SessionConfig) (*Session, error) {
	room := strings.TrimSpace(cfg.Room)
	if room == "" {
		return nil, ErrInvalidRoom
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Session{
		room:  room,
		doc:   replica.NewDoc(),
		log:   cfg.Log.With("room", room),
		state: StateConnecting,
		alive: true,
	}

	tr, err := cfg.Transport(TransportConfig{
		Room:     room,
		Doc:      s.doc,
		Params:   cfg.Params,
		Dispatch: cfg.Dispatch,
	})
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	s.tr = tr
	s.unstatus = tr.OnStatus(s.onStatus)

	s.log.Info("session.open", "client_id", s.doc.ClientID())
	return s, nil
}

// Room returns the room id.
func (s *Session) Room() string { return s.room }

// Doc returns the room's replica root.
func (s *Session) Doc() *replica.Doc { return s.doc }

// Awareness returns the presence subsystem of the transport.
func (s *Session) Awareness() Awareness { return s.tr.Awareness() }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// IsConnected reports whether the transport is connected.
func (s *Session) IsConnected() bool { return s.alive && s.tr.Connected() }

// ShouldConnect reports whether the transport is trying to stay connected.
func (s *Session) ShouldConnect() bool { return s.alive && s.tr.ShouldConnect() }

// Connect resumes the connection after Disconnect.
func (s *Session) Connect() {
	if !s.alive {
		return
	}
	s.tr.Connect()
	if !s.tr.Connected() {
		s.setState(StateConnecting)
	}
}

// Disconnect closes the connection and stops reconnecting.
func (s *Session) Disconnect() {
	if !s.alive {
		return
	}
	s.tr.Disconnect()
	s.setState(StateDisconnected)
}

// SetParam updates a connection parameter in place. The live connection is kept.
func (s *Session) SetParam(key, value string) {
	if !s.alive {
		return
	}
	s.tr.SetParam(key, value)
}

// Param returns a connection parameter.
func (s *Session) Param(key string) string {
	if s.tr == nil {
		return ""
	}
	return s.tr.Param(key)
}

// OnStateChange registers fn for state transitions.
func (s *Session) OnStateChange(fn func(SessionState)) (cancel func()) {
	return s.listeners.Add(fn)
}

// Listeners reports the number of OnStateChange registrations.
func (s *Session) Listeners() int { return s.listeners.Len() }

// Destroy closes the transport and drops every listener. Later calls are no-ops, and so
// are transport callbacks still in flight.
func (s *Session) Destroy() {
	if !s.alive {
		return
	}
	s.alive = false
	if s.unstatus != nil {
		s.unstatus()
	}
	s.tr.Destroy()

	s.state = StateDestroyed
	for _, fn := range s.listeners.Snapshot() {
		fn(StateDestroyed)
	}
	s.listeners.Clear()
	s.log.Info("session.destroy")
}

func (s *Session) onStatus(st transport.Status) {
	if !s.alive {
		return
	}
	switch st {
	case transport.StatusConnected:
		s.setState(StateConnected)
	case transport.StatusConnecting:
		s.setState(StateConnecting)
	default:
		s.setState(StateDisconnected)
	}
}

func (s *Session) setState(next SessionState) {
	if s.state == next {
		return
	}
	s.log.Info("session.state", "from", s.state.String(), "to", next.String())
	s.state = next
	for _, fn := range s.listeners.Snapshot() {
		fn(next)
	}
}
