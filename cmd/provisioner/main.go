// The provisioner binary receives commerce webhooks and turns paid
// orders into instances and credit grants through the Control Plane.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gsvlabs/cmp/pkg/config"
	"github.com/gsvlabs/cmp/pkg/cpclient"
	"github.com/gsvlabs/cmp/pkg/observability"
	"github.com/gsvlabs/cmp/pkg/provisioner"
)

func main() {
	cfg := config.LoadProvisioner()
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "provisioner",
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, log)
	if err != nil {
		log.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var idem provisioner.IdemStore
	if cfg.IdempotencyPath != "" {
		sqliteIdem, err := provisioner.NewSQLiteIdem(cfg.IdempotencyPath, cfg.IdempotencyTTL)
		if err != nil {
			log.Error("idempotency store init failed", "error", err, "path", cfg.IdempotencyPath)
			os.Exit(1)
		}
		defer func() { _ = sqliteIdem.Close() }()
		idem = sqliteIdem
	} else {
		log.Warn("IDEMPOTENCY_DB_PATH not set, duplicate suppression will not survive restarts")
		idem = provisioner.NewMemoryIdem(cfg.IdempotencyTTL)
	}

	srv := provisioner.New(provisioner.Deps{
		ControlPlane:  cpclient.New(cfg.ControlPlaneURL),
		Idempotency:   idem,
		WebhookSecret: cfg.WebhookSecret,
		Log:           log,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("provisioner listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
