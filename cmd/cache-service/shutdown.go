package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// runService starts the background tasks and the HTTP server, then blocks
// until a shutdown signal arrives.
func runService(ctx context.Context, app *application, configPath string, logger observability.Logger) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.scheduler.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	watcher := startConfigWatcher(runCtx, app, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// startConfigWatcher hot-reloads the config file when one is in use.
func startConfigWatcher(
	ctx context.Context,
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, app.config, app.applyThresholds, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop http server gracefully", observability.Error(err))
	}

	app.scheduler.Stop()

	if err := app.close(shutdownCtx); err != nil {
		logger.Error("failed to release resources", observability.Error(err))
	}

	logger.Info("avacache stopped")
}
