package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gsvlabs/cmp/pkg/config"
)

func TestLoadControlPlaneDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OIDC_AUDIENCES", "")
	t.Setenv("RESERVATION_EXPIRY", "")
	t.Setenv("DEFAULT_RUN_BUDGET", "")
	t.Setenv("TRIAL_CREDITS", "")

	cfg := config.LoadControlPlane()
	assert.Equal(t, "8080", cfg.Port)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, []string{"cmp-console", "account"}, cfg.OIDCAudiences)
	assert.Equal(t, 30*time.Minute, cfg.ReservationExpiry)
	assert.Equal(t, int64(10), cfg.DefaultRunBudget)
	assert.Equal(t, int64(100), cfg.TrialCredits)
}

func TestLoadControlPlaneBillingOverrides(t *testing.T) {
	t.Setenv("DEFAULT_RUN_BUDGET", "25")
	t.Setenv("TRIAL_CREDITS", "500")

	cfg := config.LoadControlPlane()
	assert.Equal(t, int64(25), cfg.DefaultRunBudget)
	assert.Equal(t, int64(500), cfg.TrialCredits)
}

func TestLoadGatewayOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("OIDC_AUDIENCES", "gw, console ,")
	t.Setenv("RATE_LIMIT_RPS", "50")
	t.Setenv("DEFAULT_RUN_BUDGET", "7")

	cfg := config.LoadGateway()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, []string{"gw", "console"}, cfg.OIDCAudiences)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, int64(7), cfg.DefaultRunBudget)
}

func TestLoadProvisionerBadDurationFallsBack(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "not-a-duration")
	cfg := config.LoadProvisioner()
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}
