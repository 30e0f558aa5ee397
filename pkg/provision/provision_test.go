package provision

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/instances"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/store"
)

type env struct {
	store    *store.Memory
	svc      *Service
	orgs     *orgs.Service
	billing  *billing.Service
	offering *domain.Offering
	plan     *domain.Plan
	variant  *domain.Plan
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bill := billing.NewService(m, log)
	org := orgs.NewService(m, bill, log)
	cat := catalog.NewService(m, log)
	inst := instances.NewService(m, cat, org, bill, log)
	svc := NewService(m, org, cat, inst, bill, log)
	ctx := context.Background()

	offering, err := cat.CreateOffering(ctx, catalog.CreateOfferingInput{
		Name:              "Support Copilot",
		CommerceProductID: "prod-123",
	})
	require.NoError(t, err)
	version, err := cat.CreateVersion(ctx, catalog.CreateVersionInput{
		OfferingID:   offering.ID,
		VersionLabel: "1.0.0",
		Artifact:     domain.ArtifactRef{Key: "flows/copilot-1.0.0.json"},
	})
	require.NoError(t, err)
	_, err = cat.PublishVersion(ctx, version.ID)
	require.NoError(t, err)
	plan, err := cat.CreatePlan(ctx, catalog.CreatePlanInput{
		OfferingID:   offering.ID,
		Name:         "Starter",
		PriceCredits: 100,
		IsDefault:    true,
	})
	require.NoError(t, err)
	variant, err := cat.CreatePlan(ctx, catalog.CreatePlanInput{
		OfferingID:        offering.ID,
		Name:              "Pro",
		PriceCredits:      500,
		CommerceVariantID: "variant-pro",
	})
	require.NoError(t, err)

	return &env{store: m, svc: svc, orgs: org, billing: bill, offering: offering, plan: plan, variant: variant}
}

func TestProvisionCreatesInstanceAndKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, created, err := e.svc.ProvisionInstance(ctx, ProvisionInput{
		OrderID:    "ord-1",
		UserEmail:  "buyer@example.com",
		OfferingID: "prod-123",
		PlanID:     "variant-pro",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "active", res.Status)
	assert.NotEmpty(t, res.InstanceID)
	assert.Contains(t, res.APIKey, "cmp_sk_")

	inst, err := e.store.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceActive, inst.State)
	assert.Equal(t, e.variant.ID, inst.PlanID, "commerce variant id must win over the default plan")
}

func TestProvisionReplayReturnsStoredKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := ProvisionInput{
		OrderID:    "ord-2",
		UserEmail:  "buyer@example.com",
		OfferingID: "prod-123",
	}
	first, created, err := e.svc.ProvisionInstance(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := e.svc.ProvisionInstance(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.APIKey, second.APIKey, "replay must return the original key")

	keys, err := e.svc.instances.ListAPIKeys(ctx, first.InstanceID)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "replay must not mint another key")
}

func TestProvisionFallsBackToDefaultPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.svc.ProvisionInstance(ctx, ProvisionInput{
		OrderID:    "ord-3",
		UserEmail:  "buyer@example.com",
		OfferingID: "prod-123",
		PlanID:     "variant-unknown",
	})
	require.NoError(t, err)

	inst, err := e.store.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, e.plan.ID, inst.PlanID)
}

func TestProvisionResolvesByMetadata(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, _, err := e.svc.ProvisionInstance(ctx, ProvisionInput{
		OrderID:    "ord-4",
		UserEmail:  "buyer@example.com",
		OfferingID: "prod-unmapped",
		Metadata:   map[string]string{"product_name": "Support"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.InstanceID)
}

func TestProvisionUnknownOffering(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.svc.ProvisionInstance(context.Background(), ProvisionInput{
		OrderID:    "ord-5",
		UserEmail:  "buyer@example.com",
		OfferingID: "prod-nope",
	})
	require.ErrorIs(t, err, ErrOfferingUnresolved)
}

func TestAddCreditsTopsUpWorkspaceWallet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, created, err := e.svc.AddCredits(ctx, AddCreditsInput{
		OrderID:      "ord-6",
		UserEmail:    "buyer@example.com",
		CreditAmount: 200,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 200, res.CreditsAdded)

	ws, err := e.orgs.Resolve(ctx, "buyer@example.com", "buyer@example.com")
	require.NoError(t, err)
	w, err := e.store.GetWallet(ctx, ws.Wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, res.NewBalance, w.Balance)
}

func TestAddCreditsReplayDoesNotDoubleBill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	in := AddCreditsInput{OrderID: "ord-7", UserEmail: "buyer@example.com", CreditAmount: 200}
	first, _, err := e.svc.AddCredits(ctx, in)
	require.NoError(t, err)

	second, created, err := e.svc.AddCredits(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.NewBalance, second.NewBalance)

	w, err := e.store.GetWallet(ctx, first.WalletID)
	require.NoError(t, err)
	assert.Equal(t, first.NewBalance, w.Balance, "balance must not move on replay")
}

func TestAddCreditsRejectsNonPositiveAmount(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.svc.AddCredits(context.Background(), AddCreditsInput{
		OrderID:      "ord-8",
		UserEmail:    "buyer@example.com",
		CreditAmount: 0,
	})
	require.Error(t, err)
}
