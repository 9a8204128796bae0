// Package app wires the scribe relay runtime: config, logging, HTTP routes, persistence,
// cross-relay fanout and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"scribe/cmd/internal/auth/access"
	authapi "scribe/cmd/internal/auth/api"
	"scribe/cmd/internal/realtime"
	"scribe/cmd/security/accesskey"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the relay runtime: it owns the HTTP server, the room hub and their backing resources.
type App struct {
	cfg Config
	log Logger

	snapshots realtime.SnapshotStore
	dbPool    *pgxpool.Pool

	broker realtime.Broker
	redis  *redis.Client

	hub  *realtime.Hub
	ws   *realtime.WSGateway
	auth *authapi.Handler

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	tokenCfg, err := access.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("token config: %w", err)
	}
	if err := ValidateSecurityConfig(cfg, tokenCfg); err != nil {
		return nil, err
	}
	tokens, err := access.NewPasetoV4PublicManager(tokenCfg)
	if err != nil {
		return nil, err
	}
	if tokenCfg.Ephemeral() {
		log.Warn("auth.token.key.ephemeral", "public_key", tokens.PublicKeyHex())
	}

	keys, err := accesskey.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("access key config: %w", err)
	}
	authHandler, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), tokens, keys)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	a := &App{
		cfg:      cfg,
		log:      log,
		auth:     authHandler,
		registry: reg,
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		a.closeResources()
		return nil, err
	}

	a.hub = realtime.NewHub(log, a.snapshots, a.broker, metrics)
	a.ws = realtime.NewWSGateway(log, a.hub, tokens, metrics, cfg.WS)
	return a, nil
}

// Handler returns the complete HTTP surface of the relay.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.redis, a.ws, a.auth, a.registry)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	var hubWG sync.WaitGroup
	hubWG.Add(1)
	go func() {
		defer hubWG.Done()
		a.hub.Run(hubCtx, a.cfg.SnapshotInterval)
	}()
	stopHubAndWait := func() {
		stopHub()
		hubWG.Wait()
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws/{room}",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		stopHubAndWait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	// Final snapshot flush happens inside hub.Run once it observes cancellation.
	stopHubAndWait()

	a.log.Info("server.stopped")
	return err
}

// openStore decides between Postgres-backed snapshots and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.snapshots = realtime.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}

	ectx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ectx); err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.snapshots = store
	a.dbPool = pool
	return nil
}

// openBroker connects the Redis fanout when SCRIBE_REDIS_URL is set.
func (a *App) openBroker(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.log.Info("broker.disabled.local_only")
		a.broker = realtime.LocalBroker{}
		return nil
	}

	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse SCRIBE_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	relayID, err := realtime.NewRelayID(time.Now().UTC())
	if err != nil {
		_ = rdb.Close()
		return err
	}
	broker, err := realtime.NewRedisBroker(a.log, rdb, relayID)
	if err != nil {
		_ = rdb.Close()
		return err
	}

	a.log.Info("broker.enabled.redis", "relay_id", relayID, "addr", opts.Addr)
	a.broker = broker
	a.redis = rdb
	return nil
}

func (a *App) closeResources() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.Contains(base, "://"):
		return base
	default:
		return "ws://" + base
	}
}
