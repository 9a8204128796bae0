package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"scribe/cmd/internal/auth/access"
	"scribe/cmd/security/fingerprint"
	v1 "scribe/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// AuthParam is the query parameter carrying the access token on the websocket URL.
const AuthParam = "auth"

// anonymousPeer is the peer id of sessions admitted without a token.
const anonymousPeer = "anonymous"

// TokenVerifier checks relay access tokens.
type TokenVerifier interface {
	Verify(token string, now time.Time) (access.Claims, error)
}

// WSGateway is the WebSocket entrypoint of the relay, mounted at /ws/{room}.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the room replica held by the Hub.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	tokens  TokenVerifier
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. When hub is nil, it falls back to an in-memory hub.
// A nil tokens verifier only works with RequireAuth disabled.
func NewWSGateway(log *slog.Logger, hub *Hub, tokens TokenVerifier, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, nil, nil, metrics)
	}

	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		hub:            hub,
		tokens:         tokens,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Hub returns the rooms served by this gateway.
func (g *WSGateway) Hub() *Hub { return g.hub }

// session is the per-connection state shared by the read loop and the handlers.
type session struct {
	id     string
	room   *Room
	client *Client
	log    *slog.Logger
}

// HandleWS upgrades an HTTP request to a WebSocket session attached to one room.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := roomFromPath(r)
	if !ValidRoomID(roomID) {
		g.metrics.reject("bad_room")
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	peerID, err := g.authenticate(r)
	if err != nil {
		g.metrics.reject("auth")
		g.log.Info("ws.reject.auth", "err", err, "room", roomID, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(peerID, sessionID, g.cfg.SendQueueSize)
	log := g.log.With("session_id", sessionID, "room", roomID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	room, replay, err := g.hub.Join(ctx, roomID, client)
	if err != nil {
		log.Error("ws.join.fail", "err", err)
		p, _ := json.Marshal(v1.ErrorPayload{Code: "join_failed", Message: "room unavailable"})
		_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, roomID, p, now), g.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	log.Info("ws.session.open", "peer_id", peerID, "token_fp", fingerprint.Of(requestToken(r)))

	s := &session{id: sessionID, room: room, client: client, log: log}

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(context.WithoutCancel(ctx), room, sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	for _, env := range replay {
		g.enqueue(ctx, client, env)
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.metrics.reject("bad_json")
				g.trySendError(ctx, s, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.reject("rate_limited")
			g.sendErrorNow(ctx, conn, s, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.reject("bad_envelope")
			g.trySendError(ctx, s, "bad_envelope", err.Error())
			continue readLoop
		}
		if env.Room != "" && env.Room != roomID {
			g.metrics.reject("room_mismatch")
			g.trySendError(ctx, s, "room_mismatch", "envelope room does not match connection")
			continue readLoop
		}
		env.Room = roomID

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, s, env); err != nil {
				g.sendErrorNow(ctx, conn, s, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSyncRequest:
			if err := g.onSyncRequest(ctx, s); err != nil {
				g.trySendError(ctx, s, "sync_failed", err.Error())
				continue readLoop
			}

		case v1.TypeUpdate:
			if err := g.onUpdate(ctx, s, env); err != nil {
				g.metrics.reject("bad_update")
				g.trySendError(ctx, s, "bad_update", err.Error())
				continue readLoop
			}

		case v1.TypeAwareness:
			if err := g.onAwareness(ctx, s, env); err != nil {
				g.metrics.reject("bad_awareness")
				g.trySendError(ctx, s, "bad_awareness", err.Error())
				continue readLoop
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			log.Info("ws.peer.error", "code", p.Code, "message", p.Message)

		default:
			g.trySendError(ctx, s, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.session.close")
}

func roomFromPath(r *http.Request) string {
	if id := r.PathValue("room"); id != "" {
		return id
	}
	id := strings.TrimPrefix(r.URL.Path, "/ws/")
	if id == r.URL.Path {
		return ""
	}
	if u, err := url.PathUnescape(id); err == nil {
		return u
	}
	return id
}

// authenticate returns the peer id of the token bearer. With RequireAuth off a missing
// token admits an anonymous peer, but a present and invalid one is still refused.
func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	tok := requestToken(r)
	if tok == "" {
		if g.cfg.RequireAuth {
			return "", errors.New("missing token")
		}
		return anonymousPeer, nil
	}
	if g.tokens == nil {
		if g.cfg.RequireAuth {
			return "", errors.New("no token verifier")
		}
		return anonymousPeer, nil
	}

	claims, err := g.tokens.Verify(tok, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return claims.PeerID, nil
}

// requestToken reads the token from the auth query param, falling back to a Bearer header.
func requestToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get(AuthParam)); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ClientID == 0 {
		return errors.New("missing client_id")
	}
	if cur := s.client.ReplicaID(); cur != 0 && cur != p.ClientID {
		return errors.New("client_id changed")
	}
	s.client.setReplicaID(p.ClientID)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: s.id})
	ack := newEnvelope(v1.TypeHelloAck, s.room.ID, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, s.client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSyncRequest(ctx context.Context, s *session) error {
	state, err := s.room.State()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	p, _ := json.Marshal(v1.SyncStatePayload{Update: state})
	out := newEnvelope(v1.TypeSyncState, s.room.ID, p, time.Now().UTC())

	if !g.enqueue(ctx, s.client, out) {
		return errors.New("backpressure: sync_state")
	}
	return nil
}

func (g *WSGateway) onUpdate(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.UpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if len(p.Update) == 0 {
		return errors.New("empty update")
	}

	n, err := s.room.ApplyUpdate(p.Update)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	s.log.Debug("ws.update.apply", "fresh_ops", n)
	g.metrics.update(updateSourceLocal)
	s.room.Broadcast(env, s.id)
	g.hub.publish(ctx, s.room, env)
	return nil
}

func (g *WSGateway) onAwareness(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.AwarenessPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ClientID == 0 {
		return errors.New("missing client_id")
	}
	if id := s.client.ReplicaID(); id != 0 && id != p.ClientID {
		return errors.New("awareness for another client")
	}

	if !s.room.TrackAwareness(s.id, p, env) {
		return nil
	}
	s.room.Broadcast(env, s.id)
	g.hub.publish(ctx, s.room, env)
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, s *session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, s.room.ID, p, time.Now().UTC())
	_ = g.enqueue(ctx, s.client, env)
}

// sendErrorNow writes an error frame directly, ahead of anything still queued. Used right
// before the session closes, when the writer goroutine may already be gone.
func (g *WSGateway) sendErrorNow(ctx context.Context, conn *websocket.Conn, s *session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, s.room.ID, p, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
		s.log.Debug("ws.error.write.fail", "code", code, "err", err)
	}
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ, room string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		Room:    room,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}

	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)
	return out
}
