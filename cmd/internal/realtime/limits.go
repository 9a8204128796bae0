package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A full-state push of a large
	// room must fit.
	maxFrameBytes = 1 << 20 // 1 MiB
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 600
	rateLimitWindow = 10 * time.Second

	// Snapshot flush cadence and per-save deadline.
	snapshotInterval    = 2 * time.Second
	snapshotSaveTimeout = 5 * time.Second
)
