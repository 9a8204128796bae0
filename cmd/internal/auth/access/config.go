package access

import (
	"os"
	"strings"
	"time"
)

// Config controls token issuance and verification.
type Config struct {
	// Issuer is the value set in the "iss" claim.
	Issuer string

	// TTL is the lifetime of an issued token.
	TTL time.Duration

	// ClockSkew is the tolerated time skew during verification.
	ClockSkew time.Duration

	// SecretKeyHex is the hex-encoded Ed25519 secret key. Empty means an ephemeral
	// keypair is generated at startup and tokens do not survive a restart.
	SecretKeyHex string
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:    "scribe",
		TTL:       time.Hour,
		ClockSkew: 30 * time.Second,
	}
}

// Ephemeral reports whether no signing key is configured.
func (c Config) Ephemeral() bool { return strings.TrimSpace(c.SecretKeyHex) == "" }

// LoadConfigFromEnv loads token configuration from environment variables.
//
// Optional:
//   - SCRIBE_TOKEN_ISSUER
//   - SCRIBE_TOKEN_TTL
//   - SCRIBE_TOKEN_CLOCK_SKEW
//   - SCRIBE_TOKEN_SECRET_KEY_HEX
//
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("SCRIBE_TOKEN_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("SCRIBE_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if v := os.Getenv("SCRIBE_TOKEN_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.SecretKeyHex = strings.TrimSpace(os.Getenv("SCRIBE_TOKEN_SECRET_KEY_HEX"))

	// A token that outlives its own skew window is never valid.
	if cfg.TTL <= cfg.ClockSkew {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
