// Package config loads service configuration from environment variables,
// 12-factor style. Every value has a development default; production
// deployments set the variables explicitly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getcsv(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ControlPlane is the control plane service configuration.
type ControlPlane struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	OIDCJWKSURL   string
	OIDCIssuer    string
	OIDCAudiences []string

	VaultAddr  string
	VaultToken string
	VaultMount string

	ArtifactBackend string
	ArtifactDir     string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	GCSBucket       string

	ReservationExpiry time.Duration
	SweepInterval     time.Duration

	DefaultRunBudget int64
	TrialCredits     int64

	OTLPEndpoint string
}

// LoadControlPlane reads control plane configuration from the environment.
func LoadControlPlane() *ControlPlane {
	return &ControlPlane{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://cmp@localhost:5432/cmp?sslmode=disable"),

		OIDCJWKSURL:   getenv("OIDC_JWKS_URL", ""),
		OIDCIssuer:    getenv("OIDC_ISSUER", ""),
		OIDCAudiences: getcsv("OIDC_AUDIENCES", []string{"cmp-console", "account"}),

		VaultAddr:  getenv("VAULT_ADDR", "http://localhost:8200"),
		VaultToken: getenv("VAULT_TOKEN", ""),
		VaultMount: getenv("VAULT_MOUNT", "cmp"),

		ArtifactBackend: getenv("ARTIFACT_BACKEND", "file"),
		ArtifactDir:     getenv("ARTIFACT_DIR", "./artifacts"),
		S3Bucket:        getenv("ARTIFACT_S3_BUCKET", ""),
		S3Region:        getenv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getenv("ARTIFACT_S3_ENDPOINT", ""),
		GCSBucket:       getenv("ARTIFACT_GCS_BUCKET", ""),

		ReservationExpiry: getduration("RESERVATION_EXPIRY", 30*time.Minute),
		SweepInterval:     getduration("RESERVATION_SWEEP_INTERVAL", 5*time.Minute),

		DefaultRunBudget: int64(getint("DEFAULT_RUN_BUDGET", 10)),
		TrialCredits:     int64(getint("TRIAL_CREDITS", 100)),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Gateway is the run gateway configuration.
type Gateway struct {
	Port     string
	LogLevel string

	ControlPlaneURL string
	EngineURL       string

	OIDCJWKSURL   string
	OIDCIssuer    string
	OIDCAudiences []string

	BrandingFile string

	RateLimitRPS   int
	RateLimitBurst int

	DefaultRunBudget int64

	OTLPEndpoint string
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() *Gateway {
	return &Gateway{
		Port:     getenv("PORT", "8081"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		ControlPlaneURL: getenv("CONTROL_PLANE_URL", "http://localhost:8080"),
		EngineURL:       getenv("ENGINE_URL", "http://localhost:7860"),

		OIDCJWKSURL:   getenv("OIDC_JWKS_URL", ""),
		OIDCIssuer:    getenv("OIDC_ISSUER", ""),
		OIDCAudiences: getcsv("OIDC_AUDIENCES", []string{"cmp-gateway", "cmp-console", "account"}),

		BrandingFile: getenv("WIDGET_BRANDING_FILE", ""),

		RateLimitRPS:   getint("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getint("RATE_LIMIT_BURST", 20),

		DefaultRunBudget: int64(getint("DEFAULT_RUN_BUDGET", 10)),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Provisioner is the commerce webhook provisioner configuration.
type Provisioner struct {
	Port     string
	LogLevel string

	ControlPlaneURL string
	WebhookSecret   string

	IdempotencyPath string // sqlite file; empty = in-memory
	IdempotencyTTL  time.Duration

	OTLPEndpoint string
}

// LoadProvisioner reads provisioner configuration from the environment.
func LoadProvisioner() *Provisioner {
	return &Provisioner{
		Port:     getenv("PORT", "8082"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		ControlPlaneURL: getenv("CONTROL_PLANE_URL", "http://localhost:8080"),
		WebhookSecret:   getenv("COMMERCE_WEBHOOK_SECRET", ""),

		IdempotencyPath: getenv("IDEMPOTENCY_DB_PATH", ""),
		IdempotencyTTL:  getduration("IDEMPOTENCY_TTL", 24*time.Hour),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// ConnectorGateway is the connector execution gateway configuration.
type ConnectorGateway struct {
	Port     string
	LogLevel string

	ControlPlaneURL string

	VaultAddr  string
	VaultToken string
	VaultMount string

	RedisAddr     string
	RedisPassword string
	RateLimit     int // executions per window per binding
	RateWindow    time.Duration

	OTLPEndpoint string
}

// LoadConnectorGateway reads connector gateway configuration from the
// environment.
func LoadConnectorGateway() *ConnectorGateway {
	return &ConnectorGateway{
		Port:     getenv("PORT", "8083"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		ControlPlaneURL: getenv("CONTROL_PLANE_URL", "http://localhost:8080"),

		VaultAddr:  getenv("VAULT_ADDR", "http://localhost:8200"),
		VaultToken: getenv("VAULT_TOKEN", ""),
		VaultMount: getenv("VAULT_MOUNT", "cmp"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RateLimit:     getint("CONNECTOR_RATE_LIMIT", 60),
		RateWindow:    getduration("CONNECTOR_RATE_WINDOW", time.Minute),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
