package collab

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"scribe/cmd/internal/notify"
	"scribe/cmd/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAwareness struct {
	id        uint64
	local     map[string]json.RawMessage
	remote    map[uint64]map[string]json.RawMessage
	sets      int
	listeners notify.Set[func(transport.AwarenessChange)]
}

func newFakeAwareness(id uint64) *fakeAwareness {
	return &fakeAwareness{id: id, remote: make(map[uint64]map[string]json.RawMessage)}
}

func (a *fakeAwareness) ClientID() uint64 { return a.id }

func (a *fakeAwareness) SetLocalStateField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if a.local == nil {
		a.local = make(map[string]json.RawMessage)
	}
	a.local[key] = raw
	a.sets++
	a.emit(transport.AwarenessChange{Updated: []uint64{a.id}})
	return nil
}

func (a *fakeAwareness) States() map[uint64]map[string]json.RawMessage {
	out := make(map[uint64]map[string]json.RawMessage)
	if a.local != nil {
		out[a.id] = maps.Clone(a.local)
	}
	for id, st := range a.remote {
		out[id] = maps.Clone(st)
	}
	return out
}

func (a *fakeAwareness) OnChange(fn func(transport.AwarenessChange)) func() {
	return a.listeners.Add(fn)
}

func (a *fakeAwareness) addPeer(id uint64, p Presence) {
	raw, _ := json.Marshal(p)
	a.remote[id] = map[string]json.RawMessage{presenceUserField: raw}
	a.emit(transport.AwarenessChange{Added: []uint64{id}})
}

func (a *fakeAwareness) removePeer(id uint64) {
	delete(a.remote, id)
	a.emit(transport.AwarenessChange{Removed: []uint64{id}})
}

func (a *fakeAwareness) emit(c transport.AwarenessChange) {
	for _, fn := range a.listeners.Snapshot() {
		fn(c)
	}
}

type fakeTransport struct {
	cfg         TransportConfig
	aw          *fakeAwareness
	params      map[string]string
	should      bool
	connected   bool
	destroyed   bool
	connects    int
	disconnects int
	status      notify.Set[func(transport.Status)]
}

func (t *fakeTransport) Connect() {
	if t.destroyed || t.should {
		return
	}
	t.should = true
	t.connects++
}

func (t *fakeTransport) Disconnect() {
	if t.destroyed || !t.should {
		return
	}
	t.should = false
	t.connected = false
	t.disconnects++
}

func (t *fakeTransport) Destroy() {
	t.destroyed = true
	t.should = false
	t.connected = false
	t.status.Clear()
	t.aw.listeners.Clear()
}

func (t *fakeTransport) Connected() bool                           { return t.connected }
func (t *fakeTransport) ShouldConnect() bool                       { return t.should }
func (t *fakeTransport) SetParam(key, value string)                { t.params[key] = value }
func (t *fakeTransport) Param(key string) string                   { return t.params[key] }
func (t *fakeTransport) Awareness() Awareness                      { return t.aw }
func (t *fakeTransport) OnStatus(fn func(transport.Status)) func() { return t.status.Add(fn) }

// setStatus simulates the provider reporting a connection state.
func (t *fakeTransport) setStatus(s transport.Status) {
	t.connected = s == transport.StatusConnected
	for _, fn := range t.status.Snapshot() {
		fn(s)
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	built []*fakeTransport
	next  uint64
}

func (f *fakeFactory) build(cfg TransportConfig) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	params := maps.Clone(cfg.Params)
	if params == nil {
		params = map[string]string{}
	}
	tr := &fakeTransport{
		cfg:    cfg,
		aw:     newFakeAwareness(cfg.Doc.ClientID()),
		params: params,
		should: true,
	}
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

type fakeCredentials struct {
	mu      sync.Mutex
	token   string
	renewed notify.Set[func(string)]
}

func (c *fakeCredentials) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeCredentials) OnRenewed(fn func(string)) func() { return c.renewed.Add(fn) }

func (c *fakeCredentials) renew(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	for _, fn := range c.renewed.Snapshot() {
		fn(token)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// onLoop runs fn on the coordinator loop and fails the test on loop errors.
func onLoop(t *testing.T, c *Coordinator, fn func()) {
	t.Helper()
	if err := c.Do(testCtx(t), fn); err != nil {
		t.Fatalf("Do: %v", err)
	}
}
