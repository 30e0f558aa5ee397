// Package provision implements the commerce intake paths: turning a
// paid order into a running instance, and credit-pack purchases into
// wallet top-ups. Both are idempotent on the order.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/instances"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/store"
)

// ErrOfferingUnresolved means no offering matched any of the order's
// identifiers.
var ErrOfferingUnresolved = errors.New("provision: offering could not be resolved")

// ErrNoPlan means the offering has no usable plan for the order.
var ErrNoPlan = errors.New("provision: no plan available")

// Service handles commerce-originated provisioning and top-ups.
type Service struct {
	store     store.Store
	orgs      *orgs.Service
	catalog   *catalog.Service
	instances *instances.Service
	billing   *billing.Service
	log       *slog.Logger
	now       func() time.Time
}

// NewService wires the intake service over the domain services it
// orchestrates.
func NewService(st store.Store, org *orgs.Service, cat *catalog.Service, inst *instances.Service, bill *billing.Service, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		orgs:      org,
		catalog:   cat,
		instances: inst,
		billing:   bill,
		log:       log.With("component", "provision"),
		now:       time.Now,
	}
}

// ProvisionInput is one paid order line that maps to an offering.
type ProvisionInput struct {
	OrderID    string
	UserEmail  string
	OfferingID string // commerce product id
	PlanID     string // commerce variant id
	Metadata   map[string]string
}

// ProvisionResult is the stored and replayed outcome of provisioning.
type ProvisionResult struct {
	InstanceID string `json:"instance_id"`
	APIKey     string `json:"api_key"`
	Status     string `json:"status"`
}

// ProvisionInstance creates an instance and a default API key for a
// paid order. Replays of the same (order, offering) return the stored
// response, full API key included, without side effects.
func (s *Service) ProvisionInstance(ctx context.Context, in ProvisionInput) (*ProvisionResult, bool, error) {
	key := fmt.Sprintf("provision:%s:%s", in.OrderID, in.OfferingID)

	if prior, err := s.replay(ctx, key); err != nil {
		return nil, false, err
	} else if prior != nil {
		var out ProvisionResult
		if err := json.Unmarshal(prior.Response, &out); err != nil {
			return nil, false, fmt.Errorf("decode stored provision response: %w", err)
		}
		s.log.InfoContext(ctx, "provision replayed", "key", key, "instance_id", out.InstanceID)
		return &out, false, nil
	}

	ws, err := s.orgs.Resolve(ctx, in.UserEmail, in.UserEmail)
	if err != nil {
		return nil, false, fmt.Errorf("resolve workspace: %w", err)
	}

	offering, err := s.resolveOffering(ctx, in)
	if err != nil {
		return nil, false, err
	}
	version, err := s.catalog.NewestPublishedVersion(ctx, offering.ID)
	if err != nil {
		return nil, false, fmt.Errorf("pick version for %s: %w", offering.Slug, err)
	}
	plan, err := s.resolvePlan(ctx, offering.ID, in.PlanID)
	if err != nil {
		return nil, false, err
	}

	inst, _, err := s.instances.Create(ctx, instances.CreateInput{
		OrgID:             ws.Org.ID,
		ProjectID:         ws.Project.ID,
		OfferingVersionID: version.ID,
		PlanID:            plan.ID,
		Name:              fmt.Sprintf("%s - Order %s", offering.Name, in.OrderID),
		IdempotencyKey:    key,
		State:             domain.InstanceActive,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create instance: %w", err)
	}

	rawKey, _, err := s.instances.CreateAPIKey(ctx, inst.ID, "Default Key - Order "+in.OrderID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("mint api key: %w", err)
	}

	out := &ProvisionResult{InstanceID: inst.ID, APIKey: rawKey, Status: "active"}
	stored, err := s.record(ctx, key, out)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		// Lost the idempotency race; honor the winner's response.
		var prior ProvisionResult
		if err := json.Unmarshal(stored.Response, &prior); err != nil {
			return nil, false, fmt.Errorf("decode stored provision response: %w", err)
		}
		return &prior, false, nil
	}

	s.log.InfoContext(ctx, "instance provisioned",
		"order_id", in.OrderID,
		"offering", offering.Slug,
		"instance_id", inst.ID,
		"org_id", ws.Org.ID,
	)
	return out, true, nil
}

// resolveOffering tries the order's identifiers in decreasing
// specificity: explicit slug, commerce product id, then a name
// fragment.
func (s *Service) resolveOffering(ctx context.Context, in ProvisionInput) (*domain.Offering, error) {
	candidates := []string{
		in.Metadata["cp_offering_id"],
		in.OfferingID,
		in.Metadata["product_name"],
	}
	for _, ref := range candidates {
		if ref == "" {
			continue
		}
		off, err := s.catalog.ResolveOffering(ctx, ref)
		if err == nil {
			return off, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve offering %q: %w", ref, err)
		}
	}
	return nil, ErrOfferingUnresolved
}

// resolvePlan matches the commerce variant id first and falls back to
// the offering's default pick.
func (s *Service) resolvePlan(ctx context.Context, offeringID, variantID string) (*domain.Plan, error) {
	plans, err := s.store.ListPlans(ctx, offeringID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if variantID != "" {
		for i := range plans {
			if plans[i].CommerceVariantID == variantID {
				return &plans[i], nil
			}
		}
	}
	plan, err := s.catalog.PickPlan(ctx, offeringID)
	if err != nil {
		return nil, ErrNoPlan
	}
	return plan, nil
}

// AddCreditsInput is a credit-pack purchase.
type AddCreditsInput struct {
	OrderID      string
	UserEmail    string
	CreditAmount int64
}

// AddCreditsResult is the stored and replayed outcome of a top-up.
type AddCreditsResult struct {
	WalletID     string `json:"wallet_id"`
	CreditsAdded int64  `json:"credits_added"`
	NewBalance   int64  `json:"new_balance"`
}

// AddCredits tops up the buyer's workspace wallet, idempotent on the
// order id.
func (s *Service) AddCredits(ctx context.Context, in AddCreditsInput) (*AddCreditsResult, bool, error) {
	if in.CreditAmount <= 0 {
		return nil, false, fmt.Errorf("provision: credit amount must be positive, got %d", in.CreditAmount)
	}
	key := "credits:" + in.OrderID

	if prior, err := s.replay(ctx, key); err != nil {
		return nil, false, err
	} else if prior != nil {
		var out AddCreditsResult
		if err := json.Unmarshal(prior.Response, &out); err != nil {
			return nil, false, fmt.Errorf("decode stored credits response: %w", err)
		}
		s.log.InfoContext(ctx, "top-up replayed", "key", key, "wallet_id", out.WalletID)
		return &out, false, nil
	}

	ws, err := s.orgs.Resolve(ctx, in.UserEmail, in.UserEmail)
	if err != nil {
		return nil, false, fmt.Errorf("resolve workspace: %w", err)
	}

	topup, err := s.billing.Topup(ctx, ws.Wallet.ID, in.CreditAmount, domain.EntryTopup, key, map[string]any{
		"source":   "commerce",
		"order_id": in.OrderID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("apply top-up: %w", err)
	}

	out := &AddCreditsResult{
		WalletID:     ws.Wallet.ID,
		CreditsAdded: in.CreditAmount,
		NewBalance:   topup.Balance,
	}
	stored, err := s.record(ctx, key, out)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		var prior AddCreditsResult
		if err := json.Unmarshal(stored.Response, &prior); err != nil {
			return nil, false, fmt.Errorf("decode stored credits response: %w", err)
		}
		return &prior, false, nil
	}

	s.log.InfoContext(ctx, "credits added",
		"order_id", in.OrderID,
		"wallet_id", ws.Wallet.ID,
		"amount", in.CreditAmount,
		"balance", topup.Balance,
	)
	return out, true, nil
}

// replay returns the stored record for key, or nil when the key is
// fresh.
func (s *Service) replay(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := s.store.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up idempotency key %s: %w", key, err)
	}
	return rec, nil
}

// record stores the response under key in canonical JSON form so that
// replays are byte-for-byte identical. Returns the pre-existing record
// when another writer won the key.
func (s *Service) record(ctx context.Context, key string, response any) (*domain.IdempotencyRecord, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encode response for %s: %w", key, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize response for %s: %w", key, err)
	}
	existing, created, err := s.store.PutIdempotencyRecord(ctx, &domain.IdempotencyRecord{
		Key:       key,
		Response:  canonical,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("store idempotency record %s: %w", key, err)
	}
	if !created {
		return existing, nil
	}
	return nil, nil
}
