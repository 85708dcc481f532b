package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Bootstrap loads config from the environment and builds an App.
func Bootstrap(ctx context.Context, opts ...Option) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	return New(ctx, cfg, log, opts...)
}

// Run is the long-running entrypoint used by `nex serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(opts ...Option) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := Bootstrap(ctx, opts...)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
