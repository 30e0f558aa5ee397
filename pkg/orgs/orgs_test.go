package orgs

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
)

func newService() *Service {
	m := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(m, billing.NewService(m, log), log)
}

func TestResolveBootstrapsWorkspace(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	ws, err := svc.Resolve(ctx, "user-1", "ada@example.com")
	require.NoError(t, err)
	assert.True(t, ws.Created)
	assert.Equal(t, "ada's Workspace", ws.Org.Name)
	assert.Equal(t, "ada-s-workspace", ws.Org.Slug)
	assert.Equal(t, "Default", ws.Project.Name)
	assert.True(t, ws.Project.IsDefault)
	assert.Equal(t, int64(billing.TrialCredits), ws.Wallet.Balance)

	m, err := svc.Membership(ctx, ws.Org.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, m.Role)
}

func TestResolveIsIdempotent(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "user-1", "ada@example.com")
	require.NoError(t, err)
	second, err := svc.Resolve(ctx, "user-1", "ada@example.com")
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Org.ID, second.Org.ID)
	assert.Equal(t, first.Wallet.ID, second.Wallet.ID)
	// The trial is granted exactly once.
	assert.Equal(t, int64(billing.TrialCredits), second.Wallet.Balance)
}

func TestResolveFallsBackToUserID(t *testing.T) {
	svc := newService()
	ws, err := svc.Resolve(context.Background(), "u-42", "")
	require.NoError(t, err)
	assert.Equal(t, "u-42's Workspace", ws.Org.Name)
}

func TestRequireAdmin(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	ws, err := svc.Resolve(ctx, "owner", "owner@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.RequireAdmin(ctx, ws.Org.ID, "owner"))

	_, err = svc.AddMember(ctx, ws.Org.ID, "viewer", domain.RoleViewer)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.RequireAdmin(ctx, ws.Org.ID, "viewer"), ErrForbidden)
	assert.ErrorIs(t, svc.RequireAdmin(ctx, ws.Org.ID, "stranger"), ErrForbidden)
}

func TestCreateProjectDedupesSlug(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	ws, err := svc.Resolve(ctx, "owner", "owner@example.com")
	require.NoError(t, err)

	p1, err := svc.CreateProject(ctx, ws.Org.ID, "Data Pipeline")
	require.NoError(t, err)
	assert.Equal(t, "data-pipeline", p1.Slug)

	p2, err := svc.CreateProject(ctx, ws.Org.ID, "Data Pipeline")
	require.NoError(t, err)
	assert.Equal(t, "data-pipeline-1", p2.Slug)

	_, err = svc.CreateProject(ctx, ws.Org.ID, "   ")
	assert.Error(t, err)
}

func TestTeamsAggregateMemberships(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	ws, err := svc.Resolve(ctx, "owner", "owner@example.com")
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, ws.Org.ID, "u-1", domain.RoleMember, "ops", "billing")
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, ws.Org.ID, "u-2", domain.RoleMember, "ops")
	require.NoError(t, err)

	teams, err := svc.Teams(ctx, ws.Org.ID)
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, TeamSummary{Name: "billing", Members: 1}, teams[0])
	assert.Equal(t, TeamSummary{Name: "ops", Members: 2}, teams[1])
}
