package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/vdid.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	loaded, envErr := LoadDotEnv()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	if envErr != nil {
		return envErr
	}
	if len(loaded) > 0 {
		log.Debug("config.dotenv.loaded", "files", loaded)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
