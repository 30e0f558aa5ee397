// Package store provides durable persistence for the CMP domain entities.
// It exposes a Store interface with a Postgres implementation for
// production and an in-memory implementation for tests and single-node
// development.
//
// Two classes of critical section are modeled explicitly:
//
//   - the wallet section (authorize, settle, top-up, trial grant) runs
//     inside WalletTx, serialized per wallet;
//   - the idempotency section uses insert-if-absent on the primary key of
//     idempotency_records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on uniqueness violations.
	ErrConflict = errors.New("store: conflict")
	// ErrFrozen is returned when writing to a published offering version.
	ErrFrozen = errors.New("store: offering version is frozen")
)

// WalletTx is the transactional handle for a single wallet's critical
// section. All reads see the wallet row locked for the duration of the
// transaction; concurrent sections on the same wallet serialize.
type WalletTx interface {
	// Wallet returns the locked wallet row as of transaction start.
	Wallet() *domain.Wallet

	// PendingTotal sums the amounts of all pending reservations.
	PendingTotal() (int64, error)

	// InsertReservation adds a reservation row.
	InsertReservation(r *domain.Reservation) error

	// GetReservation reloads a reservation within the transaction.
	GetReservation(id string) (*domain.Reservation, error)

	// TransitionReservation moves a reservation out of pending.
	// Returns ErrConflict if the reservation already left pending.
	TransitionReservation(id string, status domain.ReservationStatus, settledAt *time.Time) error

	// AddBalance applies a signed delta to the wallet balance.
	AddBalance(delta int64) error

	// InsertLedgerEntry appends an accounting row.
	InsertLedgerEntry(e *domain.LedgerEntry) error

	// FindLedgerByReference returns the first entry with the reference id.
	FindLedgerByReference(referenceID string) (*domain.LedgerEntry, error)
}

// Store is the persistence contract for the control plane.
type Store interface {
	// Organizations, projects, memberships.
	CreateOrganization(ctx context.Context, org *domain.Organization) error
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	OrganizationSlugTaken(ctx context.Context, slug string) (bool, error)
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetDefaultProject(ctx context.Context, orgID string) (*domain.Project, error)
	ListProjects(ctx context.Context, orgID string) ([]domain.Project, error)
	CreateMembership(ctx context.Context, m *domain.Membership) error
	GetMembership(ctx context.Context, orgID, userID string) (*domain.Membership, error)
	ListMembershipOrgIDs(ctx context.Context, userID string) ([]string, error)
	ListMemberships(ctx context.Context, orgID string) ([]domain.Membership, error)
	FindOwnedOrg(ctx context.Context, userID string) (*domain.Organization, error)

	// CreateWorkspace writes an organization with its default project,
	// owner membership and wallet in one transaction: either every row
	// lands or none does.
	CreateWorkspace(ctx context.Context, org *domain.Organization, project *domain.Project, m *domain.Membership, w *domain.Wallet) error

	// Catalog.
	CreateOffering(ctx context.Context, o *domain.Offering) error
	UpdateOffering(ctx context.Context, o *domain.Offering) error
	GetOffering(ctx context.Context, id string) (*domain.Offering, error)
	GetOfferingBySlug(ctx context.Context, slug string) (*domain.Offering, error)
	GetOfferingByCommerceProductID(ctx context.Context, productID string) (*domain.Offering, error)
	FindOfferingByNameContains(ctx context.Context, fragment string) (*domain.Offering, error)
	ListOfferings(ctx context.Context, onlyPublished bool) ([]domain.Offering, error)
	OfferingSlugTaken(ctx context.Context, slug string) (bool, error)

	CreateOfferingVersion(ctx context.Context, v *domain.OfferingVersion) error
	UpdateOfferingVersion(ctx context.Context, v *domain.OfferingVersion) error
	GetOfferingVersion(ctx context.Context, id string) (*domain.OfferingVersion, error)
	ListOfferingVersions(ctx context.Context, offeringID string) ([]domain.OfferingVersion, error)

	CreatePlan(ctx context.Context, p *domain.Plan) error
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	ListPlans(ctx context.Context, offeringID string) ([]domain.Plan, error)

	// Instances and API keys.
	CreateInstance(ctx context.Context, in *domain.Instance) error
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	GetInstanceByIdempotencyKey(ctx context.Context, key string) (*domain.Instance, error)
	FindInstanceByOrgAndOffering(ctx context.Context, orgID, offeringID string) (*domain.Instance, error)
	ListInstancesByOrgs(ctx context.Context, orgIDs []string) ([]domain.Instance, error)
	UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState) error

	CreateAPIKey(ctx context.Context, k *domain.APIKey) error
	GetAPIKeyByPrefixHash(ctx context.Context, prefix, hash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context, instanceID string) ([]domain.APIKey, error)
	DeactivateAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	// Wallets and ledgers.
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, id string) (*domain.Wallet, error)
	GetWalletByOrg(ctx context.Context, orgID string) (*domain.Wallet, error)
	ListLedgerEntries(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListPendingReservationsBefore(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error)

	// WalletTx runs fn inside the wallet critical section.
	// The transaction commits iff fn returns nil.
	WalletTx(ctx context.Context, walletID string, fn func(tx WalletTx) error) error

	// Idempotency. PutIdempotencyRecord inserts rec if the key is absent;
	// if present it returns the existing record and created=false.
	PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (existing *domain.IdempotencyRecord, created bool, err error)
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Connector bindings.
	CreateBinding(ctx context.Context, b *domain.ConnectorBinding) error
	GetBinding(ctx context.Context, id string) (*domain.ConnectorBinding, error)
	ListBindingsByOrgs(ctx context.Context, orgIDs []string) ([]domain.ConnectorBinding, error)
	UpdateBindingStatus(ctx context.Context, id string, status domain.BindingStatus) error

	Ping(ctx context.Context) error
}
