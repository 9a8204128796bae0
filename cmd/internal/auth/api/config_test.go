package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SCRIBE_AUTH_TRUST_PROXY", "true")
	t.Setenv("SCRIBE_AUTH_TOKEN_IP_MAX", "5")
	t.Setenv("SCRIBE_AUTH_TOKEN_IP_WINDOW", "30s")
	t.Setenv("SCRIBE_AUTH_ACCESS_KEY_HASH", "  $argon2id$x  ")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy || cfg.TokenIPMax != 5 || cfg.TokenIPWindow != 30*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AccessKeyHash != "$argon2id$x" {
		t.Fatalf("hash not trimmed: %q", cfg.AccessKeyHash)
	}
}

func TestLoadConfigFromEnv_InvalidFallsBack(t *testing.T) {
	t.Setenv("SCRIBE_AUTH_TOKEN_IP_MAX", "-1")
	t.Setenv("SCRIBE_AUTH_TOKEN_IP_WINDOW", "soon")

	cfg := LoadConfigFromEnv()
	if cfg.TokenIPMax != 30 || cfg.TokenIPWindow != time.Minute {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
