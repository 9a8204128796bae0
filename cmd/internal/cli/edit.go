package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"scribe/cmd/internal/app"
	"scribe/cmd/internal/collab"
	"scribe/cmd/internal/editor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	defaultRelayURL = "ws://127.0.0.1:8080/ws"
	defaultAuthURL  = "http://127.0.0.1:8080/auth/token"
	initialRoom     = "doc1"

	firstTokenTimeout = 10 * time.Second
)

type editOptions struct {
	relayURL    string
	authURL     string
	accessKey   string
	room        string
	name        string
	logLevel    string
	logFormat   string
	metricsAddr string
	renewEvery  time.Duration
}

func newEditCmd() *cobra.Command {
	opts := editOptions{}

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Open an interactive editing session on a relay",
		Long: `Edit joins a room of the relay and binds a local buffer to one of its documents.
Lines you type are appended to the active document; lines starting with ':' are commands:

  :room NAME   switch to another room
  :doc NAME    switch to (or create) a document in the room
  :connect     toggle the connection
  :docs        list the documents of the room
  :who         list the peers in the room
  :show        print the active document
  :quit        leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEdit(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.relayURL, "relay", envOr("SCRIBE_RELAY_URL", defaultRelayURL), "relay websocket base URL")
	f.StringVar(&opts.authURL, "auth-url", envOr("SCRIBE_AUTH_URL", defaultAuthURL), "token endpoint URL")
	f.StringVar(&opts.accessKey, "access-key", os.Getenv("SCRIBE_ACCESS_KEY"), "access key for the token endpoint")
	f.StringVar(&opts.room, "room", initialRoom, "room to join first")
	f.StringVar(&opts.name, "name", "", "display name (default: random \"User NN\")")
	f.StringVar(&opts.logLevel, "log-level", envOr("SCRIBE_LOG_LEVEL", "warn"), "client log level")
	f.StringVar(&opts.logFormat, "log-format", envOr("SCRIBE_LOG_FORMAT", "pretty"), "client log format (json|pretty)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve client metrics on this address")
	f.DurationVar(&opts.renewEvery, "renew", 0, "token renewal interval (default: client default)")
	return cmd
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// lockedWriter serializes output from the REPL and from coordinator callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, format, args...)
}

func runEdit(ctx context.Context, opts editOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &lockedWriter{w: out}
	log := app.NewLoggerTo(os.Stderr, opts.logLevel, opts.logFormat, os.Getenv("NO_COLOR") == "")

	reg := prometheus.NewRegistry()
	metrics := collab.NewMetrics(reg)
	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	credOpts := []collab.CredentialOption{
		collab.WithCredentialLogger(log),
		collab.WithCredentialMetrics(metrics),
	}
	if opts.renewEvery > 0 {
		credOpts = append(credOpts, collab.WithRenewInterval(opts.renewEvery))
	}
	creds, err := collab.NewCredentialManager(collab.HTTPFetcher{URL: opts.authURL, AccessKey: opts.accessKey}, credOpts...)
	if err != nil {
		return err
	}
	if err := creds.Start(ctx); err != nil {
		return err
	}
	defer creds.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-creds.Failures():
				log.Warn("credential.fetch.fail", "err", err)
			}
		}
	}()

	// The first connect carries a token when the endpoint answers in time; later tokens
	// are swapped in place by the coordinator.
	wctx, wcancel := context.WithTimeout(ctx, firstTokenTimeout)
	if _, err := creds.Wait(wctx); err != nil {
		w.Printf("token endpoint unavailable (%v); retrying in the background\n", err)
	}
	wcancel()

	presence := collab.RandomPresence()
	if opts.name != "" {
		presence.Name = opts.name
	}

	buf := editor.NewBuffer("")
	coord, err := collab.NewCoordinator(collab.Config{
		Log:         log,
		Credentials: creds,
		Transport:   collab.ProviderFactory(opts.relayURL, log),
		Editors:     []editor.Model{buf},
		Presence:    presence,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = coord.Close(cctx)
	}()

	coord.OnConnectionChanged(func(s collab.SessionState) { w.Printf("* %s\n", s) })
	coord.OnActiveDocumentChanged(func(name string) {
		if name != "" {
			w.Printf("* editing %q\n", name)
		}
	})

	if err := coord.SwitchRoom(ctx, opts.room); err != nil {
		return err
	}
	w.Printf("%s joined room %q (%s)\n", presence.Name, opts.room, presence.Color)

	r := &repl{coord: coord, buf: buf, out: w}
	return r.run(ctx, in)
}

type repl struct {
	coord *collab.Coordinator
	buf   *editor.Buffer
	out   *lockedWriter
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := r.handle(ctx, sc.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			r.out.Printf("! %v\n", err)
		}
	}
	return sc.Err()
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, ":") {
		v, err := r.coord.View(ctx)
		if err != nil {
			return err
		}
		if v.Active == "" {
			return errors.New("no active document; use :doc NAME")
		}
		var end int
		if derr := r.coord.Do(ctx, func() {
			if err = r.buf.Append(line + "\n"); err == nil {
				end = r.buf.Len()
			}
		}); derr != nil {
			return derr
		}
		if err != nil {
			return err
		}
		return r.coord.SetCursor(ctx, &collab.Cursor{Document: v.Active, Anchor: end, Head: end})
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "room":
		return r.coord.SwitchRoom(ctx, arg)
	case "doc":
		return r.coord.SwitchDocument(ctx, arg)
	case "connect":
		st, err := r.coord.ToggleConnection(ctx)
		if err != nil {
			return err
		}
		r.out.Printf("[%s] %s\n", connectLabel(st), st)
		return nil
	case "docs":
		v, err := r.coord.View(ctx)
		if err != nil {
			return err
		}
		for _, name := range v.Documents {
			marker := " "
			if name == v.Active {
				marker = "*"
			}
			r.out.Printf("%s %s\n", marker, name)
		}
		return nil
	case "who":
		v, err := r.coord.View(ctx)
		if err != nil {
			return err
		}
		for _, line := range presenceLines(v.Presence) {
			r.out.Printf("%s\n", line)
		}
		return nil
	case "show":
		v, err := r.coord.View(ctx)
		if err != nil {
			return err
		}
		r.out.Printf("--- %s/%s [%s] ---\n%s", v.Room, v.Active, v.State, v.Text)
		if v.Text != "" && !strings.HasSuffix(v.Text, "\n") {
			r.out.Printf("\n")
		}
		return nil
	case "quit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// connectLabel is the action the connection toggle offers in state s.
func connectLabel(s collab.SessionState) string {
	switch s {
	case collab.StateConnected, collab.StateConnecting:
		return "Disconnect"
	default:
		return "Connect"
	}
}

func presenceLines(peers map[uint64]collab.PresenceEntry) []string {
	ids := make([]uint64, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		p := peers[id]
		suffix := ""
		if p.Local {
			suffix = " (you)"
		}
		if cur, ok := p.DecodeCursor(); ok {
			suffix = fmt.Sprintf(" @%s:%d", cur.Document, cur.Head) + suffix
		}
		lines = append(lines, fmt.Sprintf("%d %s %s%s", id, p.Name, p.Color, suffix))
	}
	return lines
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics.serve.fail", "err", err)
		}
	}()
	return func() { _ = srv.Close() }, nil
}
