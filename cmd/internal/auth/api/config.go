package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls token endpoint behavior and security defaults.
type Config struct {
	// TrustProxy honors X-Forwarded-For / X-Real-IP for the client address.
	TrustProxy bool

	// Per-IP sliding window for GET /auth/token.
	TokenIPMax    int
	TokenIPWindow time.Duration

	// AccessKeyHash is the Argon2id hash of the shared access key. Empty disables the check.
	AccessKeyHash string
}

// LoadConfigFromEnv loads token endpoint config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		TrustProxy:    envBool("SCRIBE_AUTH_TRUST_PROXY", false),
		TokenIPMax:    envInt("SCRIBE_AUTH_TOKEN_IP_MAX", 30),
		TokenIPWindow: envDuration("SCRIBE_AUTH_TOKEN_IP_WINDOW", time.Minute),
		AccessKeyHash: strings.TrimSpace(os.Getenv("SCRIBE_AUTH_ACCESS_KEY_HASH")),
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
