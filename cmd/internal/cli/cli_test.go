package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scribe/cmd/internal/auth/access"
	authapi "scribe/cmd/internal/auth/api"
	"scribe/cmd/internal/collab"
	"scribe/cmd/internal/realtime"
	"scribe/cmd/security/accesskey"
)

func executeCommand(args ...string) (string, error) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	want := map[string]bool{"serve": false, "edit": false, "hash-key": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestHashKey(t *testing.T) {
	out, err := executeCommand("hash-key")
	if err != nil {
		t.Fatalf("hash-key: %v", err)
	}

	var key, hash string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, _ := strings.Cut(line, "=")
		switch k {
		case "SCRIBE_ACCESS_KEY":
			key = v
		case "SCRIBE_AUTH_ACCESS_KEY_HASH":
			hash = v
		}
	}
	if key == "" || !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected output: %q", out)
	}

	ok, err := accesskey.DefaultConfig().Verify(hash, key)
	if err != nil || !ok {
		t.Fatalf("printed hash does not verify the printed key: ok=%v err=%v", ok, err)
	}

	if _, err := executeCommand("hash-key", "short"); err == nil {
		t.Fatalf("expected a policy error for a short key")
	}
}

func TestConnectLabel(t *testing.T) {
	t.Parallel()

	cases := map[collab.SessionState]string{
		collab.StateConnected:    "Disconnect",
		collab.StateConnecting:   "Disconnect",
		collab.StateDisconnected: "Connect",
		collab.StateDestroyed:    "Connect",
	}
	for st, want := range cases {
		if got := connectLabel(st); got != want {
			t.Fatalf("connectLabel(%s)=%q want %q", st, got, want)
		}
	}
}

func TestPresenceLines(t *testing.T) {
	t.Parallel()

	lines := presenceLines(map[uint64]collab.PresenceEntry{
		9: {ClientID: 9, Name: "User 9", Color: "#ee6352", Cursor: json.RawMessage(`{"document":"intro","anchor":4,"head":7}`)},
		3: {ClientID: 3, Name: "User 3", Color: "#30bced", Local: true},
	})
	want := []string{"3 User 3 #30bced (you)", "9 User 9 #ee6352 @intro:7"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("presenceLines=%q want %q", lines, want)
	}
}

func TestRunEdit_AgainstRelay(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := access.NewPasetoV4PublicManager(access.DefaultConfig())
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	auth, err := authapi.NewHandler(log, authapi.Config{TokenIPMax: 100, TokenIPWindow: time.Minute}, tokens, accesskey.DefaultConfig())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	gw := realtime.NewWSGateway(log, nil, tokens, nil, realtime.DefaultGatewayConfig())

	mux := http.NewServeMux()
	auth.Register(mux)
	mux.Handle("/ws/{room}", gw)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := editOptions{
		relayURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		authURL:  srv.URL + "/auth/token",
		room:     "doc1",
		name:     "Tester",
		logLevel: "error",
	}

	script := strings.Join([]string{
		"typed too early",
		":doc notes",
		"hello world",
		":who",
		":docs",
		":show",
		":bogus",
		":quit",
	}, "\n") + "\n"

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := runEdit(ctx, opts, strings.NewReader(script), &out); err != nil {
		t.Fatalf("runEdit: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		`Tester joined room "doc1"`,
		"! no active document",
		`* editing "notes"`,
		"* notes",
		"--- doc1/notes",
		"hello world\n",
		"@notes:12 (you)",
		`! unknown command "bogus"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in output:\n%s", want, got)
		}
	}
}
