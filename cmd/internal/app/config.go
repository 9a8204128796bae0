package app

import (
	"time"

	"scribe/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	RedisURL string

	SnapshotInterval time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, startup fails when SCRIBE_TOKEN_SECRET_KEY_HEX is unset: tokens signed with an
	// ephemeral key die with the process.
	RequireTokenKey bool

	// Browser access to /auth/token from other origins.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := realtime.DefaultGatewayConfig()
	ws.DevInsecure = EnvBool("SCRIBE_WS_DEV_INSECURE", ws.DevInsecure)
	ws.RequireAuth = EnvBool("SCRIBE_WS_REQUIRE_AUTH", ws.RequireAuth)
	ws.OriginRequired = EnvBool("SCRIBE_WS_ORIGIN_REQUIRED", ws.OriginRequired)
	ws.AllowedOrigins = EnvCSV("SCRIBE_WS_ALLOWED_ORIGINS", ws.AllowedOrigins)
	ws.WriteTimeout = EnvDuration("SCRIBE_WS_WRITE_TIMEOUT", ws.WriteTimeout)
	ws.ReadIdleTimeout = EnvDuration("SCRIBE_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout)
	ws.SendQueueSize = EnvInt("SCRIBE_WS_SEND_QUEUE", ws.SendQueueSize)
	ws.HeartbeatEvery = EnvDuration("SCRIBE_WS_HEARTBEAT_INTERVAL", ws.HeartbeatEvery)
	ws.HeartbeatTimeout = EnvDuration("SCRIBE_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout)
	ws.RateEvents = EnvInt("SCRIBE_WS_RATE_EVENTS", ws.RateEvents)
	ws.RateWindow = EnvDuration("SCRIBE_WS_RATE_WINDOW", ws.RateWindow)

	return Config{
		HTTPAddr:  EnvString("SCRIBE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SCRIBE_LOG_LEVEL", "info"),
		LogFormat: EnvString("SCRIBE_LOG_FORMAT", "json"),
		LogColor:  EnvBool("SCRIBE_LOG_COLOR", EnvString("NO_COLOR", "") == ""),

		ReadHeaderTimeout: EnvDuration("SCRIBE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SCRIBE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SCRIBE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SCRIBE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SCRIBE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SCRIBE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SCRIBE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SCRIBE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("SCRIBE_DB_SCHEMA", "scribe"),

		RedisURL: EnvString("SCRIBE_REDIS_URL", ""),

		SnapshotInterval: EnvDuration("SCRIBE_SNAPSHOT_INTERVAL", 2*time.Second),

		ReadinessRequireDB: EnvBool("SCRIBE_READINESS_REQUIRE_DB", false),
		RequireTokenKey:    EnvBool("SCRIBE_REQUIRE_TOKEN_KEY", false),

		CORSAllowedOrigins:   EnvCSV("SCRIBE_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("SCRIBE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SCRIBE_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("SCRIBE_METRICS_ENABLED", true),

		WS: ws,
	}
}
