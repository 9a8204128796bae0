// Package fingerprint derives short, log-safe identifiers from secrets.
//
// Tokens and access keys never reach the logs. A fingerprint lets an operator
// correlate "auth.token.issue" with "ws.session.open" without exposing the token.
//
// Environment:
//   - SCRIBE_FINGERPRINT_KEY: when set, fingerprints are HMAC-SHA256 keyed and cannot be
//     brute-forced from a leaked log.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// EnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	EnvKey = "SCRIBE_FINGERPRINT_KEY"

	// Length is the number of hex characters kept.
	Length = 12
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Of returns the fingerprint of secret, or "" for an empty secret.
func Of(secret string) string {
	if secret == "" {
		return ""
	}
	var sum string
	if key := strings.TrimSpace(os.Getenv(EnvKey)); key != "" {
		sum = HashHMACSHA256Hex(secret, []byte(key))
	} else {
		sum = HashSHA256Hex(secret)
	}
	return sum[:Length]
}
