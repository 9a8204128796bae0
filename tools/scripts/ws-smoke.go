// Package main provides a CI-friendly WebSocket smoke test for the scribe relay.
//
// It validates:
//   - token issue on GET /auth/token
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - update fanout to another client (and no echo to the sender)
//   - sync_state carrying the applied update
//   - awareness replay to a late joiner and removal on leave
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "scribe/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	replicaID uint64
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

// smokeOp mirrors one replica insert op on the wire.
type smokeOp struct {
	Kind  string `json:"kind"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	ID    opID   `json:"id"`
	Orig  *opID  `json:"origin,omitempty"`
	Value string `json:"value"`
}

type opID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "relay websocket base URL")
		authURL   = flag.String("auth", "http://127.0.0.1:8080/auth/token", "token endpoint")
		accessKey = flag.String("access-key", os.Getenv("SCRIBE_ACCESS_KEY"), "access key for the token endpoint")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room      = flag.String("room", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "room to use")
		text      = flag.String("text", "hello scribe 👋", "text to insert")
		timeout   = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	roomURL := strings.TrimRight(*wsURL, "/") + "/" + url.PathEscape(*room)

	a := mustConnect(root, "A", roomURL, *authURL, *accessKey, *origin, *room, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", roomURL, *authURL, *accessKey, *origin, *room, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s room=%q\n", a.sessionID, b.sessionID, *room)
	}

	update := encodeInsert(a.replicaID, "smoke", *text)
	mustWriteWithTimeout(root, a.conn, envelope(v1.TypeUpdate, *room, v1.UpdatePayload{Update: update}), *timeout)

	got := b.mustReadUntilType(root, v1.TypeUpdate, *timeout, nil)
	var up v1.UpdatePayload
	if err := json.Unmarshal(got.Payload, &up); err != nil {
		fatalf("unmarshal update payload (B): %v", err)
	}
	if countOps(up.Update) != len([]rune(*text)) {
		fatalf("fanout op count mismatch: got=%d want=%d", countOps(up.Update), len([]rune(*text)))
	}

	// The sender must not see its own update: the next frame is the sync answer.
	mustWriteWithTimeout(root, a.conn, envelope(v1.TypeSyncRequest, *room, v1.SyncRequestPayload{}), *timeout)
	state := a.mustReadUntilType(root, v1.TypeSyncState, *timeout, nil)
	var sp v1.SyncStatePayload
	if err := json.Unmarshal(state.Payload, &sp); err != nil {
		fatalf("unmarshal sync_state payload (A): %v", err)
	}
	if n := countOps(sp.Update); n < len([]rune(*text)) {
		fatalf("sync_state missing ops: got=%d", n)
	}

	aw := v1.AwarenessPayload{ClientID: a.replicaID, Clock: 1, State: mustJSON(map[string]any{
		"user": map[string]string{"name": "Smoke A", "color": "#30bced", "colorLight": "#30bced33"},
	})}
	mustWriteWithTimeout(root, a.conn, envelope(v1.TypeAwareness, *room, aw), *timeout)
	b.mustReadUntilType(root, v1.TypeAwareness, *timeout, nil)

	c := mustConnectRaw(root, "C", roomURL, *authURL, *accessKey, *origin, *timeout)
	defer closeWS(c.conn)
	replay := c.mustReadUntilType(root, v1.TypeAwareness, *timeout, nil)
	var rp v1.AwarenessPayload
	if err := json.Unmarshal(replay.Payload, &rp); err != nil || rp.ClientID != a.replicaID {
		fatalf("awareness replay mismatch (C): %s", replay.Payload)
	}

	closeWS(a.conn)
	gone := b.mustReadUntilType(root, v1.TypeAwareness, *timeout, nil)
	var gp v1.AwarenessPayload
	if err := json.Unmarshal(gone.Payload, &gp); err != nil || gp.ClientID != a.replicaID || !gp.Removed() {
		fatalf("awareness removal mismatch (B): %s", gone.Payload)
	}

	fmt.Printf("OK: A=%s B=%s room=%s ops=%d\n", a.sessionID, b.sessionID, *room, len([]rune(*text)))
}

func encodeInsert(client uint64, name, text string) json.RawMessage {
	ops := make([]smokeOp, 0, len(text))
	var prev *opID
	clock := uint64(0)
	for _, r := range text {
		clock++
		id := opID{Client: client, Clock: clock}
		ops = append(ops, smokeOp{Kind: "ins", Type: "text", Name: name, ID: id, Orig: prev, Value: string(r)})
		prev = &id
	}
	return mustJSON(map[string]any{"ops": ops})
}

func countOps(raw json.RawMessage) int {
	var u struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		fatalf("decode update: %v", err)
	}
	return len(u.Ops)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fetchToken(parent context.Context, authURL, accessKey string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		fatalf("token request: %v", err)
	}
	if accessKey != "" {
		req.Header.Set("X-Scribe-Access-Key", accessKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("token fetch: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode != http.StatusOK {
		fatalf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body))
}

func mustConnect(parent context.Context, name, roomURL, authURL, accessKey, origin, room string, stepTimeout time.Duration) *smokeClient {
	c := mustConnectRaw(parent, name, roomURL, authURL, accessKey, origin, stepTimeout)

	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeHello, room, v1.HelloPayload{ClientID: c.replicaID}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, map[string]struct{}{v1.TypeAwareness: {}})

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func mustConnectRaw(parent context.Context, name, roomURL, authURL, accessKey, origin string, stepTimeout time.Duration) *smokeClient {
	token := fetchToken(parent, authURL, accessKey, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, roomURL+"?auth="+url.QueryEscape(token), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:      name,
		replicaID: rand.Uint64N(1<<53) + 1,
		conn:      conn,
		inbox:     make(chan v1.Envelope, 512),
		errCh:     make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(typ, room string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		Room:    room,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
