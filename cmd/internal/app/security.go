package app

import (
	"errors"

	"scribe/cmd/internal/auth/access"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast: with SCRIBE_REQUIRE_TOKEN_KEY=true a relay must not silently mint tokens with
// a key that disappears on restart.
func ValidateSecurityConfig(cfg Config, tokens access.Config) error {
	if cfg.RequireTokenKey && tokens.Ephemeral() {
		return errors.New("security policy: SCRIBE_REQUIRE_TOKEN_KEY=true but SCRIBE_TOKEN_SECRET_KEY_HEX is missing")
	}
	if !cfg.WS.RequireAuth && cfg.RequireTokenKey {
		return errors.New("security policy: SCRIBE_REQUIRE_TOKEN_KEY=true but SCRIBE_WS_REQUIRE_AUTH=false")
	}
	return nil
}
