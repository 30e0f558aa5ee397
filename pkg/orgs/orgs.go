// Package orgs manages workspaces: organizations, their default project,
// memberships, and first-login bootstrap.
package orgs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
)

// ErrForbidden is returned when a member lacks the required role.
var ErrForbidden = errors.New("orgs: insufficient role")

// Service resolves and bootstraps workspaces.
type Service struct {
	store   store.Store
	billing *billing.Service
	log     *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, b *billing.Service, log *slog.Logger) *Service {
	return &Service{store: st, billing: b, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Workspace bundles what a caller needs after resolution.
type Workspace struct {
	Org     *domain.Organization `json:"org"`
	Project *domain.Project      `json:"project"`
	Wallet  *domain.Wallet       `json:"wallet"`
	Created bool                 `json:"created"`
}

// Resolve returns the workspace a user owns, bootstrapping one on first
// contact: an organization named after the user, a default project, a
// wallet seeded with trial credits, and an owner membership. Repeat calls
// return the same workspace; the trial grant is deduplicated on the user.
func (s *Service) Resolve(ctx context.Context, userID, email string) (*Workspace, error) {
	if userID == "" {
		return nil, fmt.Errorf("orgs: user id is required")
	}
	if org, err := s.store.FindOwnedOrg(ctx, userID); err == nil {
		return s.load(ctx, org, false)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.bootstrap(ctx, userID, email)
}

func (s *Service) load(ctx context.Context, org *domain.Organization, created bool) (*Workspace, error) {
	project, err := s.store.GetDefaultProject(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("load default project: %w", err)
	}
	wallet, err := s.store.GetWalletByOrg(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &Workspace{Org: org, Project: project, Wallet: wallet, Created: created}, nil
}

func (s *Service) bootstrap(ctx context.Context, userID, email string) (*Workspace, error) {
	now := s.now()
	name := workspaceName(userID, email)
	taken := func(candidate string) bool {
		t, err := s.store.OrganizationSlugTaken(ctx, candidate)
		return err == nil && t
	}
	org := &domain.Organization{
		ID:        domain.NewID(),
		Name:      name,
		Slug:      domain.UniqueSlug(name, taken),
		OwnerID:   userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	project := &domain.Project{
		ID:        domain.NewID(),
		OrgID:     org.ID,
		Name:      "Default",
		Slug:      "default",
		IsDefault: true,
		CreatedAt: now,
	}
	membership := &domain.Membership{
		ID:        domain.NewID(),
		OrgID:     org.ID,
		UserID:    userID,
		Role:      domain.RoleOwner,
		CreatedAt: now,
	}
	wallet := &domain.Wallet{
		ID:        domain.NewID(),
		OrgID:     org.ID,
		Balance:   0,
		Currency:  "credits",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWorkspace(ctx, org, project, membership, wallet); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a bootstrap race; the winner's workspace is ours too.
			if existing, ferr := s.store.FindOwnedOrg(ctx, userID); ferr == nil {
				return s.load(ctx, existing, false)
			}
		}
		return nil, err
	}
	if _, err := s.billing.TrialGrant(ctx, wallet.ID, "workspace:"+userID); err != nil {
		return nil, fmt.Errorf("seed trial credits: %w", err)
	}
	s.log.InfoContext(ctx, "workspace bootstrapped",
		"org_id", org.ID, "user_id", userID, "slug", org.Slug)
	return s.load(ctx, org, true)
}

// workspaceName derives a human name from the email local part, falling
// back to the user id.
func workspaceName(userID, email string) string {
	base := userID
	if at := strings.Index(email, "@"); at > 0 {
		base = email[:at]
	}
	return base + "'s Workspace"
}

// Membership returns the caller's membership in the organization, or
// ErrForbidden when there is none.
func (s *Service) Membership(ctx context.Context, orgID, userID string) (*domain.Membership, error) {
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrForbidden
	}
	return m, err
}

// RequireAdmin rejects callers without an admin-grade role.
func (s *Service) RequireAdmin(ctx context.Context, orgID, userID string) error {
	m, err := s.Membership(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if !m.Role.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// AddMember grants a user a role in the organization, optionally
// placing them in teams.
func (s *Service) AddMember(ctx context.Context, orgID, userID string, role domain.Role, teams ...string) (*domain.Membership, error) {
	m := &domain.Membership{
		ID:        domain.NewID(),
		OrgID:     orgID,
		UserID:    userID,
		Role:      role,
		Teams:     teams,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Members lists the organization's memberships.
func (s *Service) Members(ctx context.Context, orgID string) ([]domain.Membership, error) {
	return s.store.ListMemberships(ctx, orgID)
}

// CreateProject adds a project to the organization. The slug is derived
// from the name and deduplicated against the org's existing projects.
func (s *Service) CreateProject(ctx context.Context, orgID, name string) (*domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("orgs: project name is required")
	}
	existing, err := s.store.ListProjects(ctx, orgID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(existing))
	for _, p := range existing {
		used[p.Slug] = true
	}
	project := &domain.Project{
		ID:        domain.NewID(),
		OrgID:     orgID,
		Name:      name,
		Slug:      domain.UniqueSlug(name, func(c string) bool { return used[c] }),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// TeamSummary aggregates a team name across memberships.
type TeamSummary struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Teams lists the organization's teams, derived from membership
// assignments, sorted by name.
func (s *Service) Teams(ctx context.Context, orgID string) ([]TeamSummary, error) {
	memberships, err := s.store.ListMemberships(ctx, orgID)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, m := range memberships {
		for _, team := range m.Teams {
			counts[team]++
		}
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]TeamSummary, 0, len(names))
	for _, name := range names {
		out = append(out, TeamSummary{Name: name, Members: counts[name]})
	}
	return out, nil
}

// OrgIDs lists the organizations the user belongs to.
func (s *Service) OrgIDs(ctx context.Context, userID string) ([]string, error) {
	return s.store.ListMembershipOrgIDs(ctx, userID)
}
