package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/cmd/internal/replica"
	v1 "scribe/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// fakeRelay is a minimal single-room relay: it acks hellos, answers sync requests from
// a server-side replica, and fans updates and awareness out to the other connections.
type fakeRelay struct {
	mu    sync.Mutex
	state *replica.Doc
	conns map[*websocket.Conn]struct{}
	auths []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{state: replica.NewDoc(), conns: make(map[*websocket.Conn]struct{})}
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	f.mu.Lock()
	f.auths = append(f.auths, r.URL.Query().Get("auth"))
	f.conns[conn] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		switch env.Type {
		case v1.TypeHello:
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeHelloAck, env.Room, json.RawMessage(`{"session_id":"s"}`)), time.Second)
		case v1.TypeSyncRequest:
			f.mu.Lock()
			raw, _ := replica.EncodeUpdate(f.state.EncodeState())
			f.mu.Unlock()
			pl, _ := json.Marshal(v1.SyncStatePayload{Update: raw})
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeSyncState, env.Room, pl), time.Second)
		case v1.TypeUpdate:
			var pl v1.UpdatePayload
			_ = json.Unmarshal(env.Payload, &pl)
			u, err := replica.DecodeUpdate(pl.Update)
			if err != nil {
				continue
			}
			f.mu.Lock()
			_, _ = f.state.ApplyUpdate(u, nil)
			f.mu.Unlock()
			f.broadcast(ctx, conn, env)
		case v1.TypeAwareness:
			f.broadcast(ctx, conn, env)
		}
	}
}

func (f *fakeRelay) broadcast(ctx context.Context, from *websocket.Conn, env v1.Envelope) {
	f.mu.Lock()
	peers := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		if c != from {
			peers = append(peers, c)
		}
	}
	f.mu.Unlock()

	for _, c := range peers {
		_ = writeEnvelope(ctx, c, env, time.Second)
	}
}

func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (f *fakeRelay) authLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auths...)
}

// owner serializes access to one Doc, standing in for an event loop.
type owner struct{ mu sync.Mutex }

func (o *owner) do(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRelay(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestProvider(t *testing.T, url string, o *owner, params map[string]string) *Provider {
	t.Helper()
	p, err := New(Config{
		URL:        url,
		Room:       "doc1",
		Doc:        replica.NewDoc(),
		Params:     params,
		Dispatch:   o.do,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "missing url", cfg: Config{Room: "r", Doc: replica.NewDoc()}, want: ErrMissingURL},
		{name: "missing room", cfg: Config{URL: "ws://x", Doc: replica.NewDoc()}, want: ErrMissingRoom},
		{name: "missing doc", cfg: Config{URL: "ws://x", Room: "r"}, want: ErrMissingDoc},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err != tc.want {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
}

func TestEndpointEncodesRoomAndParams(t *testing.T) {
	t.Parallel()

	p, err := New(Config{URL: "ws://relay/ws/", Room: "team notes", Doc: replica.NewDoc(), Manual: true, Params: map[string]string{"auth": "t 1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Destroy()

	if got, want := p.endpoint(), "ws://relay/ws/team%20notes?auth=t+1"; got != want {
		t.Fatalf("endpoint()=%q want %q", got, want)
	}
	if p.Status() != StatusDisconnected || p.ShouldConnect() {
		t.Fatalf("manual provider must start idle")
	}
}

func TestProvidersConverge(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	var oa, ob owner
	a := newTestProvider(t, url, &oa, nil)
	b := newTestProvider(t, url, &ob, nil)

	eventually(t, "both connected", func() bool { return a.Connected() && b.Connected() })

	oa.do(func() { _ = a.Doc().Text("intro").Insert(0, "hello") })
	eventually(t, "b sees update", func() bool {
		var s string
		ob.do(func() { s = b.Doc().Text("intro").String() })
		return s == "hello"
	})

	// A late joiner gets the relay state through sync_state.
	var oc owner
	c := newTestProvider(t, url, &oc, nil)
	eventually(t, "c syncs", func() bool {
		var s string
		oc.do(func() { s = c.Doc().Text("intro").String() })
		return s == "hello"
	})
}

func TestSetParamDoesNotReconnect(t *testing.T) {
	t.Parallel()

	relay, url := startRelay(t)
	var o owner
	p := newTestProvider(t, url, &o, map[string]string{"auth": "t1"})
	eventually(t, "connected", p.Connected)

	var statuses []Status
	o.do(func() { p.OnStatus(func(s Status) { statuses = append(statuses, s) }) })

	p.SetParam("auth", "t2")
	time.Sleep(50 * time.Millisecond)

	if got := relay.authLog(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("unexpected dials %v", got)
	}
	o.do(func() {
		if len(statuses) != 0 {
			t.Fatalf("status changed after SetParam: %v", statuses)
		}
	})
	if p.Param("auth") != "t2" {
		t.Fatalf("Param(auth)=%q", p.Param("auth"))
	}

	// The next dial carries the new token.
	relay.dropAll()
	eventually(t, "redial with new token", func() bool {
		got := relay.authLog()
		return len(got) >= 2 && got[len(got)-1] == "t2" && p.Connected()
	})
}

func TestReconnectPushesOfflineEdits(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	var oa, ob owner
	a := newTestProvider(t, url, &oa, nil)
	b := newTestProvider(t, url, &ob, nil)
	eventually(t, "connected", func() bool { return a.Connected() && b.Connected() })

	a.Disconnect()
	if a.Connected() || a.ShouldConnect() {
		t.Fatalf("Disconnect must stop the provider")
	}
	oa.do(func() { _ = a.Doc().Text("t").Insert(0, "offline") })
	a.Connect()

	eventually(t, "offline edit reaches b", func() bool {
		var s string
		ob.do(func() { s = b.Doc().Text("t").String() })
		return s == "offline"
	})
}

func TestAwarenessFlowsAndClearsOnDisconnect(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	var oa, ob owner
	a := newTestProvider(t, url, &oa, nil)
	b := newTestProvider(t, url, &ob, nil)
	eventually(t, "connected", func() bool { return a.Connected() && b.Connected() })

	oa.do(func() { _ = a.Awareness().SetLocalStateField("user", map[string]string{"name": "User 1"}) })

	eventually(t, "b sees a", func() bool {
		var ok bool
		ob.do(func() { _, ok = b.Awareness().States()[a.Awareness().ClientID()] })
		return ok
	})

	b.Disconnect()
	ob.do(func() {
		if _, ok := b.Awareness().States()[a.Awareness().ClientID()]; ok {
			t.Fatalf("remote state survived disconnect")
		}
	})
}

func TestDestroyReleasesListeners(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	var o owner
	p := newTestProvider(t, url, &o, nil)
	eventually(t, "connected", p.Connected)

	o.do(func() {
		p.OnStatus(func(Status) {})
		p.Awareness().OnChange(func(AwarenessChange) {})
	})

	p.Destroy()
	p.Destroy()

	if p.Connected() || p.ShouldConnect() {
		t.Fatalf("destroyed provider still active")
	}
	if p.Doc().Listeners() != 0 {
		t.Fatalf("doc listeners=%d want 0", p.Doc().Listeners())
	}
	if p.Awareness().Listeners() != 0 {
		t.Fatalf("awareness listeners=%d want 0", p.Awareness().Listeners())
	}
	p.Connect()
	if p.ShouldConnect() {
		t.Fatalf("Connect after Destroy must be a no-op")
	}
}
