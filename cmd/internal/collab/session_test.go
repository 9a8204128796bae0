package collab

import (
	"errors"
	"testing"

	"scribe/cmd/internal/transport"
)

func TestNewSessionValidates(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	if _, err := NewSession(SessionConfig{Room: "", Transport: f.build}); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("err=%v want ErrInvalidRoom", err)
	}
	if _, err := NewSession(SessionConfig{Room: "doc1"}); !errors.Is(err, ErrMissingTransport) {
		t.Fatalf("err=%v want ErrMissingTransport", err)
	}

	boom := errors.New("dial refused")
	failing := func(TransportConfig) (Transport, error) { return nil, boom }
	if _, err := NewSession(SessionConfig{Room: "doc1", Transport: failing}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want wrapped %v", err, boom)
	}
}

func TestSessionStateMachine(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	s, err := NewSession(SessionConfig{
		Room:      "doc1",
		Transport: f.build,
		Params:    map[string]string{AuthParam: "t1"},
		Log:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	tr := f.last()

	var states []SessionState
	s.OnStateChange(func(st SessionState) { states = append(states, st) })

	if s.State() != StateConnecting || s.Param(AuthParam) != "t1" || tr.cfg.Doc != s.Doc() {
		t.Fatalf("fresh session: state=%v param=%q", s.State(), s.Param(AuthParam))
	}

	tr.setStatus(transport.StatusConnected)
	if !s.IsConnected() || s.State() != StateConnected {
		t.Fatalf("expected connected, got %v", s.State())
	}

	s.SetParam(AuthParam, "t2")
	if tr.Param(AuthParam) != "t2" || !s.IsConnected() {
		t.Fatalf("SetParam must update in place")
	}

	s.Disconnect()
	s.Connect()
	tr.setStatus(transport.StatusConnected)

	want := []SessionState{StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states=%v want %v", states, want)
		}
	}

	s.Destroy()
	s.Destroy()
	if s.State() != StateDestroyed || !tr.destroyed || s.Listeners() != 0 {
		t.Fatalf("destroy incomplete: state=%v", s.State())
	}

	s.Connect()
	s.SetParam(AuthParam, "t3")
	if tr.connects != 1 || tr.Param(AuthParam) != "t2" {
		t.Fatalf("destroyed session still drives the transport")
	}
	if s.IsConnected() {
		t.Fatalf("destroyed session reports connected")
	}
}
