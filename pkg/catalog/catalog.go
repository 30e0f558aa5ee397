// Package catalog manages offerings, their immutable published versions,
// and plans.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
)

var (
	// ErrFrozen is returned when mutating a non-draft version.
	ErrFrozen = errors.New("catalog: published versions are immutable")
	// ErrNoPublishedVersion is returned when an offering has nothing to run.
	ErrNoPublishedVersion = errors.New("catalog: offering has no published version")
	// ErrNoArtifact rejects publishing a version without a flow artifact.
	ErrNoArtifact = errors.New("catalog: version has no artifact")
)

// Service is the catalog front end over the store.
type Service struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(st store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateOfferingInput carries the writable offering fields.
type CreateOfferingInput struct {
	Name              string
	Slug              string
	Category          domain.OfferingCategory
	Description       string
	CommerceProductID string
	ThumbnailURL      string
}

// CreateOffering registers a draft offering. An empty slug is derived from
// the name; collisions get a numeric suffix.
func (s *Service) CreateOffering(ctx context.Context, in CreateOfferingInput) (*domain.Offering, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("catalog: offering name is required")
	}
	slug := in.Slug
	if slug == "" {
		taken := func(candidate string) bool {
			t, err := s.store.OfferingSlugTaken(ctx, candidate)
			return err == nil && t
		}
		slug = domain.UniqueSlug(in.Name, taken)
	}
	now := s.now()
	o := &domain.Offering{
		ID:                domain.NewID(),
		Name:              in.Name,
		Slug:              slug,
		Category:          in.Category,
		Description:       in.Description,
		Status:            domain.OfferingDraft,
		CommerceProductID: in.CommerceProductID,
		ThumbnailURL:      in.ThumbnailURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if o.Category == "" {
		o.Category = domain.CategoryAgent
	}
	if err := s.store.CreateOffering(ctx, o); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "offering created", "offering_id", o.ID, "slug", o.Slug)
	return o, nil
}

// PublishOffering moves an offering to published. It requires at least one
// published version so buyers never land on an empty offering.
func (s *Service) PublishOffering(ctx context.Context, offeringID string) (*domain.Offering, error) {
	o, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	if _, err := s.NewestPublishedVersion(ctx, offeringID); err != nil {
		return nil, err
	}
	o.Status = domain.OfferingPublished
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOffering(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ResolveOffering maps a free-form identifier to an offering. Lookup order:
// exact slug, commerce product id, then a case-insensitive name fragment.
func (s *Service) ResolveOffering(ctx context.Context, identifier string) (*domain.Offering, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, store.ErrNotFound
	}
	if o, err := s.store.GetOfferingBySlug(ctx, identifier); err == nil {
		return o, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if o, err := s.store.GetOfferingByCommerceProductID(ctx, identifier); err == nil {
		return o, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.FindOfferingByNameContains(ctx, identifier)
}

// CreateVersionInput carries the writable version fields.
type CreateVersionInput struct {
	OfferingID   string
	VersionLabel string
	Artifact     domain.ArtifactRef
	Capabilities []string
	Defaults     map[string]any
}

// CreateVersion registers a draft version of an offering.
func (s *Service) CreateVersion(ctx context.Context, in CreateVersionInput) (*domain.OfferingVersion, error) {
	if in.VersionLabel == "" {
		return nil, fmt.Errorf("catalog: version label is required")
	}
	if _, err := s.store.GetOffering(ctx, in.OfferingID); err != nil {
		return nil, err
	}
	v := &domain.OfferingVersion{
		ID:           domain.NewID(),
		OfferingID:   in.OfferingID,
		VersionLabel: in.VersionLabel,
		Artifact:     in.Artifact,
		Capabilities: in.Capabilities,
		Defaults:     in.Defaults,
		Status:       domain.VersionDraft,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateOfferingVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateVersion rewrites a draft version's content. Any version that left
// draft is frozen.
func (s *Service) UpdateVersion(ctx context.Context, versionID string, artifact domain.ArtifactRef, capabilities []string, defaults map[string]any) (*domain.OfferingVersion, error) {
	v, err := s.store.GetOfferingVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != domain.VersionDraft {
		return nil, ErrFrozen
	}
	v.Artifact = artifact
	v.Capabilities = capabilities
	v.Defaults = defaults
	if err := s.store.UpdateOfferingVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// PublishVersion freezes a version. A version without an artifact cannot
// publish; there would be nothing to run.
func (s *Service) PublishVersion(ctx context.Context, versionID string) (*domain.OfferingVersion, error) {
	v, err := s.store.GetOfferingVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != domain.VersionDraft {
		return nil, ErrFrozen
	}
	if v.Artifact.Key == "" {
		return nil, ErrNoArtifact
	}
	v.Status = domain.VersionPublished
	if err := s.store.UpdateOfferingVersion(ctx, v); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "version published", "version_id", v.ID, "label", v.VersionLabel)
	return v, nil
}

// NewestPublishedVersion picks the version to provision. Labels that parse
// as semver order by semver; anything else orders by creation time behind
// the semver-labeled ones.
func (s *Service) NewestPublishedVersion(ctx context.Context, offeringID string) (*domain.OfferingVersion, error) {
	versions, err := s.store.ListOfferingVersions(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	var best *domain.OfferingVersion
	var bestVer *semver.Version
	for i := range versions {
		v := &versions[i]
		if v.Status != domain.VersionPublished {
			continue
		}
		sv, perr := semver.NewVersion(strings.TrimPrefix(v.VersionLabel, "v"))
		switch {
		case best == nil:
			best, bestVer = v, nil
			if perr == nil {
				bestVer = sv
			}
		case perr == nil && (bestVer == nil || sv.GreaterThan(bestVer)):
			best, bestVer = v, sv
		case perr != nil && bestVer == nil && v.CreatedAt.After(best.CreatedAt):
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoPublishedVersion
	}
	return best, nil
}

// CreatePlanInput carries the writable plan fields.
type CreatePlanInput struct {
	OfferingID        string
	Name              string
	Slug              string
	BillingPeriod     domain.BillingPeriod
	PriceCredits      int64
	IncludedCredits   int64
	Limits            map[string]any
	IsDefault         bool
	IsTrial           bool
	CommerceVariantID string
}

// CreatePlan attaches a plan to an offering.
func (s *Service) CreatePlan(ctx context.Context, in CreatePlanInput) (*domain.Plan, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("catalog: plan name is required")
	}
	if _, err := s.store.GetOffering(ctx, in.OfferingID); err != nil {
		return nil, err
	}
	slug := in.Slug
	if slug == "" {
		slug = domain.Slugify(in.Name)
	}
	p := &domain.Plan{
		ID:                domain.NewID(),
		OfferingID:        in.OfferingID,
		Name:              in.Name,
		Slug:              slug,
		BillingPeriod:     in.BillingPeriod,
		PriceCredits:      in.PriceCredits,
		IncludedCredits:   in.IncludedCredits,
		Limits:            in.Limits,
		IsDefault:         in.IsDefault,
		IsTrial:           in.IsTrial,
		CommerceVariantID: in.CommerceVariantID,
		CreatedAt:         s.now(),
	}
	if p.BillingPeriod == "" {
		p.BillingPeriod = domain.PeriodMonthly
	}
	if err := s.store.CreatePlan(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PickPlan selects the plan for a provision request: the default plan when
// marked, else the cheapest by price. Trial plans are skipped unless
// nothing else exists.
func (s *Service) PickPlan(ctx context.Context, offeringID string) (*domain.Plan, error) {
	plans, err := s.store.ListPlans(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, store.ErrNotFound
	}
	var pick *domain.Plan
	for i := range plans {
		p := &plans[i]
		if p.IsTrial {
			continue
		}
		if p.IsDefault {
			return p, nil
		}
		if pick == nil || p.PriceCredits < pick.PriceCredits {
			pick = p
		}
	}
	if pick == nil {
		pick = &plans[0]
	}
	return pick, nil
}

// TrialPlan returns the offering's trial plan, or falls back to PickPlan.
func (s *Service) TrialPlan(ctx context.Context, offeringID string) (*domain.Plan, error) {
	plans, err := s.store.ListPlans(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if plans[i].IsTrial {
			return &plans[i], nil
		}
	}
	return s.PickPlan(ctx, offeringID)
}
