// The control-plane binary hosts the CMP Control Plane: catalog,
// instances, wallets, connector bindings and the service-to-service
// billing routes. It is the only process with write access to the
// domain store.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gsvlabs/cmp/pkg/artifacts"
	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/config"
	"github.com/gsvlabs/cmp/pkg/connectors"
	"github.com/gsvlabs/cmp/pkg/controlplane"
	"github.com/gsvlabs/cmp/pkg/instances"
	"github.com/gsvlabs/cmp/pkg/metering"
	"github.com/gsvlabs/cmp/pkg/observability"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/provision"
	"github.com/gsvlabs/cmp/pkg/store"
	"github.com/gsvlabs/cmp/pkg/vault"
)

func main() {
	cfg := config.LoadControlPlane()
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "control-plane",
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

	st, meter, closeDB, err := openStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	var secrets vault.Secrets
	if cfg.VaultToken != "" {
		secrets = vault.NewClient(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount)
	} else {
		log.Warn("VAULT_TOKEN not set, using in-process secret store")
		secrets = vault.NewMemory()
	}

	art, err := artifacts.New(ctx, artifacts.FactoryConfig{
		Backend: cfg.ArtifactBackend,
		Dir:     cfg.ArtifactDir,
		S3: artifacts.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		},
		GCSBucket: cfg.GCSBucket,
	})
	if err != nil {
		log.Error("artifact store init failed", "error", err)
		os.Exit(1)
	}

	var validator *auth.JWTValidator
	if cfg.OIDCJWKSURL != "" {
		validator = auth.NewJWTValidator(auth.NewJWKSKeySet(cfg.OIDCJWKSURL), cfg.OIDCAudiences, auth.WithIssuer(cfg.OIDCIssuer))
	} else {
		log.Warn("OIDC_JWKS_URL not set, console routes will reject all bearer tokens")
	}

	bill := billing.NewService(st, log,
		billing.WithRecorder(meter),
		billing.WithRunBudget(cfg.DefaultRunBudget),
		billing.WithTrialCredits(cfg.TrialCredits))
	org := orgs.NewService(st, bill, log)
	cat := catalog.NewService(st, log)
	inst := instances.NewService(st, cat, org, bill, log)
	prov := provision.NewService(st, org, cat, inst, bill, log)
	conn := connectors.NewService(st, secrets, log)

	sweeper := billing.NewSweeper(st, log, cfg.ReservationExpiry, cfg.SweepInterval)
	go sweeper.Run(ctx)

	srv := controlplane.New(controlplane.Deps{
		Store:      st,
		Billing:    bill,
		Catalog:    cat,
		Orgs:       org,
		Instances:  inst,
		Provision:  prov,
		Connectors: conn,
		Meter:      meter,
		Artifacts:  art,
		Validator:  validator,
		Log:        log,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("control plane listening", "port", cfg.Port)
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

// openStore selects the store backend from the DSN. "memory" is the
// single-process development mode; anything else is a Postgres DSN
// shared with the metering recorder.
func openStore(ctx context.Context, dsn string, log *slog.Logger) (store.Store, metering.Recorder, func(), error) {
	if dsn == "memory" {
		log.Warn("running on the in-memory store, data will not survive restarts")
		return store.NewMemory(), metering.NewMemoryRecorder(), func() {}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	pg := store.NewPostgresFromDB(db)
	if err := pg.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return pg, metering.NewPostgresRecorder(db), func() { _ = db.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
