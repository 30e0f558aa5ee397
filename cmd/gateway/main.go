// The gateway binary terminates end-user run traffic: it authenticates
// instance API keys and console tokens, holds credits with the Control
// Plane, invokes the flow engine and settles actual usage.
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

	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/config"
	"github.com/gsvlabs/cmp/pkg/cpclient"
	"github.com/gsvlabs/cmp/pkg/gateway"
	"github.com/gsvlabs/cmp/pkg/observability"
)

func main() {
	cfg := config.LoadGateway()
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "gateway",
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

	branding, err := gateway.LoadBranding(cfg.BrandingFile)
	if err != nil {
		log.Error("branding load failed", "error", err, "file", cfg.BrandingFile)
		os.Exit(1)
	}

	var validator *auth.JWTValidator
	if cfg.OIDCJWKSURL != "" {
		validator = auth.NewJWTValidator(auth.NewJWKSKeySet(cfg.OIDCJWKSURL), cfg.OIDCAudiences, auth.WithIssuer(cfg.OIDCIssuer))
	} else {
		log.Warn("OIDC_JWKS_URL not set, only API key auth will succeed")
	}

	srv := gateway.New(gateway.Deps{
		ControlPlane: cpclient.New(cfg.ControlPlaneURL),
		Engine:       gateway.NewEngineClient(cfg.EngineURL, 0),
		Branding:     branding,
		Validator:    validator,
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,
		RunBudget:    cfg.DefaultRunBudget,
		Log:          log,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("gateway listening", "port", cfg.Port, "engine", cfg.EngineURL)
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
