// Package access issues and verifies the short-lived relay access tokens handed out by
// GET /auth/token.
//
// Tokens are PASETO v4.public. The relay verifies them with the public half of the same
// Ed25519 keypair, so a verifier never needs the signing key.
package access
