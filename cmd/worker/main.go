package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/app"
	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/logging"
)

func main() {
	logger := logging.New("worker")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("config load failed")
	}

	logger.WithFields(logrus.Fields{
		"env":           cfg.Env,
		"state_backend": cfg.StateBackend,
		"dsn_set":       cfg.DSN != "",
		"diff_interval": cfg.Diff.Interval.String(),
	}).Info("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("loop", name).Info("starting")
			err := run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("loop", name).Error("stopped")
				cancel()
			}
		}()
	}
	start("runner", a.Runner().Run)
	start("scheduler", a.Scheduler().Run)

	waitForShutdown(ctx, logger, cancel)
	wg.Wait()
	logger.Info("shutdown complete")
}

func waitForShutdown(ctx context.Context, logger logrus.FieldLogger, cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()
}
