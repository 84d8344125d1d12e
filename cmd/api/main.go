package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/api/auth"
	"github.com/ETAnderson/catalogsync/internal/api/handlers"
	"github.com/ETAnderson/catalogsync/internal/api/middleware"
	"github.com/ETAnderson/catalogsync/internal/app"
	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/logging"
)

func main() {
	logger := logging.New("api")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("config load failed")
	}

	logger.WithFields(logrus.Fields{
		"env":           cfg.Env,
		"state_backend": cfg.StateBackend,
		"dsn_set":       cfg.DSN != "",
		"sites":         len(cfg.Sites),
	}).Info("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	var pub *rsa.PublicKey
	if cfg.JWTPublicKeyPEM != "" {
		pub, err = auth.LoadRSAPublicKeyFromEnv("JWT_PUBLIC_KEY_PEM")
		if err != nil {
			logger.WithError(err).Fatal("jwt public key invalid")
		}
	} else if cfg.Env != "dev" {
		logger.Fatal("JWT_PUBLIC_KEY_PEM is required outside dev")
	}

	protect := func(h http.Handler) http.Handler {
		h = middleware.IdempotencyMiddleware{Store: a.Store, Next: h}
		h = middleware.AuthMiddleware{Env: cfg.Env, PublicKey: pub, Next: h}
		return middleware.DevOperatorMiddleware{Env: cfg.Env, Next: h}
	}

	mux := http.NewServeMux()
	handlers.Routes{
		Runs:      handlers.RunsHandler{Store: a.Store, RunLease: a.Config.Worker.RunLease},
		Products:  handlers.ProductsHandler{Store: a.Store, Linker: a.Merger},
		Review:    handlers.ReviewFlagsHandler{Store: a.Store},
		RunEvents: handlers.RunEventsHandler{Bus: a.Bus, Log: logger.WithField("component", "ws")},
		Webhook:   a.Gateway(),
		Protect:   protect,
	}.Register(mux)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Prometheus(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.APIRunWorker {
		go func() {
			logger.Info("in-process worker starting")
			if err := a.Runner().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("in-process worker stopped")
			}
		}()
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("starting")

		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	waitForShutdown(logger, server, cancel)
}

func waitForShutdown(logger logrus.FieldLogger, server *http.Server, cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	_ = server.Shutdown(ctx)
	logger.Info("shutdown complete")
}
