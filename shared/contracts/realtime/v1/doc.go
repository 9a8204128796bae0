// Package v1 defines the scribe sync protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay, the client transport and the smoke tool so the wire
// protocol stays authoritative in one place.
package v1
