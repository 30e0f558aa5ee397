// Package domain defines the entities of the CMP control plane: the catalog
// (offerings, versions, plans), workspaces (organizations, projects,
// memberships), provisioned instances with their API keys, and the credit
// accounting objects (wallets, ledger entries, reservations).
//
// All identifiers are opaque UUID strings. All timestamps are UTC.
// Credit amounts are whole int64 credits; there are no fractional credits.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.New().String()
}

// Role is a membership role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Organization is the top-level tenant. One wallet per organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project scopes instances and connector bindings within an organization.
type Project struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to an organization with a role.
// (org_id, user_id) is unique.
type Membership struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Teams     []string  `json:"teams,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the role carries admin privileges.
func (r Role) IsAdmin() bool { return r == RoleOwner || r == RoleAdmin }

// OfferingCategory classifies catalog entries.
type OfferingCategory string

const (
	CategoryAgent      OfferingCategory = "agent"
	CategoryApp        OfferingCategory = "app"
	CategoryAssistant  OfferingCategory = "assistant"
	CategoryAutomation OfferingCategory = "automation"
)

// OfferingStatus is the catalog lifecycle state of an offering.
type OfferingStatus string

const (
	OfferingDraft     OfferingStatus = "draft"
	OfferingPublished OfferingStatus = "published"
	OfferingPaused    OfferingStatus = "paused"
	OfferingEOS       OfferingStatus = "eos"
	OfferingEOL       OfferingStatus = "eol"
)

// Offering is an agent or app available for purchase or trial.
type Offering struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Slug              string           `json:"slug"`
	Category          OfferingCategory `json:"category"`
	Description       string           `json:"description,omitempty"`
	Status            OfferingStatus   `json:"status"`
	CommerceProductID string           `json:"commerce_product_id,omitempty"`
	ThumbnailURL      string           `json:"thumbnail_url,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// VersionStatus is the lifecycle state of an offering version.
// A version whose status is not draft is frozen.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionPublished  VersionStatus = "published"
	VersionPaused     VersionStatus = "paused"
	VersionDeprecated VersionStatus = "deprecated"
)

// ArtifactRef points at a flow artifact in the object store.
type ArtifactRef struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"` // 64 hex chars
}

// OfferingVersion is an immutable named revision of an offering.
// (offering_id, version_label) is unique.
type OfferingVersion struct {
	ID           string         `json:"id"`
	OfferingID   string         `json:"offering_id"`
	VersionLabel string         `json:"version_label"`
	Artifact     ArtifactRef    `json:"artifact"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Defaults     map[string]any `json:"defaults,omitempty"`
	Status       VersionStatus  `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

// BillingPeriod is a plan's billing cadence.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
	PeriodOneTime BillingPeriod = "one_time"
	PeriodUsage   BillingPeriod = "usage"
)

// Plan is a pricing and limit bundle attached to an offering.
// (offering_id, slug) is unique.
type Plan struct {
	ID                string         `json:"id"`
	OfferingID        string         `json:"offering_id"`
	Name              string         `json:"name"`
	Slug              string         `json:"slug"`
	BillingPeriod     BillingPeriod  `json:"billing_period"`
	PriceCredits      int64          `json:"price_credits"`
	IncludedCredits   int64          `json:"included_credits"`
	Limits            map[string]any `json:"limits,omitempty"`
	IsDefault         bool           `json:"is_default"`
	IsTrial           bool           `json:"is_trial"`
	CommerceVariantID string         `json:"commerce_variant_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// InstanceState is the lifecycle state of a provisioned instance.
type InstanceState string

const (
	InstanceRequested    InstanceState = "requested"
	InstanceProvisioning InstanceState = "provisioning"
	InstanceActive       InstanceState = "active"
	InstancePaused       InstanceState = "paused"
	InstanceTerminated   InstanceState = "terminated"
)

// CanTransition reports whether s may move to next.
// Terminated is terminal; any state may terminate.
func (s InstanceState) CanTransition(next InstanceState) bool {
	if s == InstanceTerminated {
		return false
	}
	if next == InstanceTerminated {
		return true
	}
	switch s {
	case InstanceRequested:
		return next == InstanceProvisioning || next == InstanceActive
	case InstanceProvisioning:
		return next == InstanceActive
	case InstanceActive:
		return next == InstancePaused
	case InstancePaused:
		return next == InstanceActive
	}
	return false
}

// Instance is a provisioned subscription to an (offering version, plan)
// pair within a project.
type Instance struct {
	ID                string         `json:"id"`
	OfferingVersionID string         `json:"offering_version_id"`
	OrgID             string         `json:"org_id"`
	ProjectID         string         `json:"project_id"`
	PlanID            string         `json:"plan_id"`
	Name              string         `json:"name"`
	State             InstanceState  `json:"state"`
	Overrides         map[string]any `json:"overrides,omitempty"`
	EffectiveConfig   map[string]any `json:"effective_config,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// APIKey is a per-instance credential. Only the prefix and the SHA-256
// hash of the full key are stored; the full key is surfaced exactly once.
type APIKey struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"` // first 12 chars of the full key
	Hash       string     `json:"-"`      // 64-hex SHA-256 of the full key
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Wallet holds the credit balance for an organization. One per org.
type Wallet struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryTopup       EntryType = "topup"
	EntryUsage       EntryType = "usage"
	EntryRefund      EntryType = "refund"
	EntryTrialGrant  EntryType = "trial_grant"
	EntryReservation EntryType = "reservation"
	EntrySettlement  EntryType = "settlement"
)

// LedgerEntry is an append-only accounting row. The wallet balance equals
// the sum of its ledger entries at all times.
type LedgerEntry struct {
	ID          string         `json:"id"`
	WalletID    string         `json:"wallet_id"`
	Amount      int64          `json:"amount"` // positive = credit, negative = debit
	EntryType   EntryType      `json:"entry_type"`
	ReferenceID string         `json:"reference_id,omitempty"`
	InstanceID  string         `json:"instance_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ReservationStatus is the lifecycle state of a credit hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationSettled   ReservationStatus = "settled"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether the status is write-once final.
func (s ReservationStatus) Terminal() bool { return s != ReservationPending }

// Reservation is a pending hold on credits created by authorize and
// discharged by settle. It leaves pending at most once.
type Reservation struct {
	ID         string            `json:"id"`
	WalletID   string            `json:"wallet_id"`
	InstanceID string            `json:"instance_id"`
	Amount     int64             `json:"amount"` // >= 0
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
}

// BindingStatus is the lifecycle state of a connector binding.
type BindingStatus string

const (
	BindingActive  BindingStatus = "active"
	BindingRevoked BindingStatus = "revoked"
)

// ConnectorBinding links a project to an external API. Credentials live in
// the secret store under SecretPath, never in the domain store.
type ConnectorBinding struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	ProjectID     string         `json:"project_id"`
	ConnectorID   string         `json:"connector_id"`
	ConnectorType string         `json:"connector_type"` // http, mcp, oauth2
	DisplayName   string         `json:"display_name"`
	Config        map[string]any `json:"config,omitempty"`
	SecretPath    string         `json:"secret_path"`
	Status        BindingStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IdempotencyRecord pins an externally visible side effect to a single
// outcome. The stored response is replayed verbatim on key collision.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Response  []byte    `json:"response"` // canonical JSON
	CreatedAt time.Time `json:"created_at"`
}
