// Package instances manages provisioned offering instances: creation with
// idempotency, lifecycle transitions, per-instance API keys, trial starts,
// and the entitlements payload engines consume.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/store"
)

// ErrBadTransition is returned for disallowed state changes.
var ErrBadTransition = errors.New("instances: state transition not allowed")

// Service manages instances over the store.
type Service struct {
	store   store.Store
	catalog *catalog.Service
	orgs    *orgs.Service
	billing *billing.Service
	log     *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, cat *catalog.Service, org *orgs.Service, bill *billing.Service, log *slog.Logger) *Service {
	return &Service{store: st, catalog: cat, orgs: org, billing: bill, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput carries the writable instance fields.
type CreateInput struct {
	OrgID             string
	ProjectID         string
	OfferingVersionID string
	PlanID            string
	Name              string
	Overrides         map[string]any
	IdempotencyKey    string
	State             domain.InstanceState // defaults to active
}

// Create provisions an instance. A non-empty idempotency key makes the
// call replay-safe: the instance created by the first call comes back on
// every retry. Effective config merges version defaults, plan limits, and
// overrides at creation time.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Instance, bool, error) {
	if in.IdempotencyKey != "" {
		if existing, err := s.store.GetInstanceByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	version, err := s.store.GetOfferingVersion(ctx, in.OfferingVersionID)
	if err != nil {
		return nil, false, fmt.Errorf("load version: %w", err)
	}
	plan, err := s.store.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, false, fmt.Errorf("load plan: %w", err)
	}

	state := in.State
	if state == "" {
		state = domain.InstanceActive
	}
	now := s.now()
	inst := &domain.Instance{
		ID:                domain.NewID(),
		OfferingVersionID: version.ID,
		OrgID:             in.OrgID,
		ProjectID:         in.ProjectID,
		PlanID:            plan.ID,
		Name:              in.Name,
		State:             state,
		Overrides:         in.Overrides,
		EffectiveConfig:   domain.EffectiveConfig(version.Defaults, plan.Limits, in.Overrides),
		IdempotencyKey:    in.IdempotencyKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrConflict) && in.IdempotencyKey != "" {
			// Concurrent create with the same key; the winner's row is
			// the answer.
			if existing, gerr := s.store.GetInstanceByIdempotencyKey(ctx, in.IdempotencyKey); gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	s.log.InfoContext(ctx, "instance created",
		"instance_id", inst.ID, "org_id", inst.OrgID, "state", string(inst.State))
	return inst, true, nil
}

// Get loads an instance.
func (s *Service) Get(ctx context.Context, id string) (*domain.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// ListForUser lists instances across every organization the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Instance, error) {
	orgIDs, err := s.orgs.OrgIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(orgIDs) == 0 {
		return nil, nil
	}
	return s.store.ListInstancesByOrgs(ctx, orgIDs)
}

// Transition moves an instance through its lifecycle. Disallowed edges
// return ErrBadTransition; terminated is terminal.
func (s *Service) Transition(ctx context.Context, id string, next domain.InstanceState) (*domain.Instance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State == next {
		return inst, nil
	}
	if !inst.State.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, inst.State, next)
	}
	if err := s.store.UpdateInstanceState(ctx, id, next); err != nil {
		return nil, err
	}
	inst.State = next
	s.log.InfoContext(ctx, "instance state changed", "instance_id", id, "state", string(next))
	return inst, nil
}

// Entitlements is the payload an engine loads to know what an instance may
// do. It is derived, never stored.
type Entitlements struct {
	InstanceID      string         `json:"instance_id"`
	State           string         `json:"state"`
	Offering        OfferingRef    `json:"offering"`
	Version         VersionRef     `json:"version"`
	Plan            PlanRef        `json:"plan"`
	EffectiveConfig map[string]any `json:"effective_config"`
}

type OfferingRef struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type VersionRef struct {
	Label        string             `json:"label"`
	Artifact     domain.ArtifactRef `json:"artifact"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

type PlanRef struct {
	Slug   string         `json:"slug"`
	Limits map[string]any `json:"limits,omitempty"`
}

// Entitlements assembles the payload for an instance.
func (s *Service) Entitlements(ctx context.Context, instanceID string) (*Entitlements, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	version, err := s.store.GetOfferingVersion(ctx, inst.OfferingVersionID)
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	offering, err := s.store.GetOffering(ctx, version.OfferingID)
	if err != nil {
		return nil, fmt.Errorf("load offering: %w", err)
	}
	plan, err := s.store.GetPlan(ctx, inst.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	return &Entitlements{
		InstanceID:      inst.ID,
		State:           string(inst.State),
		Offering:        OfferingRef{ID: offering.ID, Slug: offering.Slug, Name: offering.Name},
		Version:         VersionRef{Label: version.VersionLabel, Artifact: version.Artifact, Capabilities: version.Capabilities},
		Plan:            PlanRef{Slug: plan.Slug, Limits: plan.Limits},
		EffectiveConfig: inst.EffectiveConfig,
	}, nil
}

// TrialResult is the outcome of a trial start.
type TrialResult struct {
	Instance *domain.Instance `json:"instance"`
	APIKey   string           `json:"api_key,omitempty"` // raw key, set on first start only
	Created  bool             `json:"created"`
	// Credits seeded into the workspace wallet by this call; zero when
	// the workspace already existed.
	TrialCreditsGranted int64 `json:"trial_credits_granted"`
}

// StartTrial provisions a trial instance of an offering for a user's
// workspace. Keyed on (user, offering): repeat starts return the existing
// instance without minting a new key.
func (s *Service) StartTrial(ctx context.Context, userID, email, offeringID string) (*TrialResult, error) {
	offering, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	ws, err := s.orgs.Resolve(ctx, userID, email)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if existing, err := s.store.FindInstanceByOrgAndOffering(ctx, ws.Org.ID, offeringID); err == nil {
		granted, gerr := s.trialGrant(ctx, ws, existing.ID)
		if gerr != nil {
			return nil, gerr
		}
		return &TrialResult{Instance: existing, Created: false, TrialCreditsGranted: granted}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	version, err := s.catalog.NewestPublishedVersion(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.TrialPlan(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	inst, created, err := s.Create(ctx, CreateInput{
		OrgID:             ws.Org.ID,
		ProjectID:         ws.Project.ID,
		OfferingVersionID: version.ID,
		PlanID:            plan.ID,
		Name:              offering.Name + " Trial",
		IdempotencyKey:    "trial:" + userID + ":" + offeringID,
	})
	if err != nil {
		return nil, err
	}
	granted, gerr := s.trialGrant(ctx, ws, inst.ID)
	if gerr != nil {
		return nil, gerr
	}
	if !created {
		return &TrialResult{Instance: inst, Created: false, TrialCreditsGranted: granted}, nil
	}
	raw, _, err := s.CreateAPIKey(ctx, inst.ID, "Trial Key", nil)
	if err != nil {
		return nil, fmt.Errorf("mint trial key: %w", err)
	}
	return &TrialResult{Instance: inst, APIKey: raw, Created: true, TrialCreditsGranted: granted}, nil
}

// trialGrant reports the credits this trial start put into the wallet:
// the bootstrap grant when the workspace was just created, or a fresh
// grant when an existing wallet sits at exactly zero. Repeat starts on
// the same instance dedupe on the trial reference and grant nothing.
func (s *Service) trialGrant(ctx context.Context, ws *orgs.Workspace, instanceID string) (int64, error) {
	if ws.Created {
		return s.billing.TrialCreditAmount(), nil
	}
	if ws.Wallet.Balance != 0 {
		return 0, nil
	}
	res, err := s.billing.TrialGrant(ctx, ws.Wallet.ID, "trial:"+instanceID)
	if err != nil {
		return 0, fmt.Errorf("grant trial credits: %w", err)
	}
	if res.Replayed {
		return 0, nil
	}
	return res.Added, nil
}
