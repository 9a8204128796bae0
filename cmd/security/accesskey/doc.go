// Package accesskey hashes and verifies the shared access key that guards GET /auth/token.
//
// Keys are stored as Argon2id hashes in a PHC-like string:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Hash strings are untrusted input during Verify; parameters far above the configured
// cost are refused.
package accesskey
