// The connector-gateway binary executes tool calls against external
// systems on behalf of running instances. It is the only process that
// reads connector credentials.
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
	"github.com/gsvlabs/cmp/pkg/connectorgw"
	"github.com/gsvlabs/cmp/pkg/cpclient"
	"github.com/gsvlabs/cmp/pkg/observability"
	"github.com/gsvlabs/cmp/pkg/vault"
)

func main() {
	cfg := config.LoadConnectorGateway()
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "connector-gateway",
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

	var secrets vault.Secrets
	if cfg.VaultToken != "" {
		secrets = vault.NewClient(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount)
	} else {
		log.Warn("VAULT_TOKEN not set, using in-process secret store")
		secrets = vault.NewMemory()
	}

	var limiter connectorgw.Limiter
	if cfg.RedisAddr != "" {
		limiter = connectorgw.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimit, cfg.RateWindow)
	} else {
		log.Warn("REDIS_ADDR not set, rate limiting is per-replica only")
		limiter = connectorgw.NewMemoryLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	srv := connectorgw.New(connectorgw.Deps{
		ControlPlane: cpclient.New(cfg.ControlPlaneURL),
		Secrets:      secrets,
		Executor:     connectorgw.NewExecutor(0),
		Limiter:      limiter,
		Log:          log,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("connector gateway listening", "port", cfg.Port)
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
