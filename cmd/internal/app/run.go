package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the `scribe serve` entrypoint.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(ctx context.Context) error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
