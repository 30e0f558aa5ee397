package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Memory is an in-process Store for tests and single-node development.
// A global mutex guards the maps; an additional per-wallet mutex serializes
// wallet critical sections the same way the Postgres row lock does.
type Memory struct {
	mu sync.RWMutex

	orgs        map[string]domain.Organization
	projects    map[string]domain.Project
	memberships map[string]domain.Membership

	offerings map[string]domain.Offering
	versions  map[string]domain.OfferingVersion
	plans     map[string]domain.Plan

	instances map[string]domain.Instance
	apiKeys   map[string]domain.APIKey

	wallets      map[string]domain.Wallet
	ledger       []domain.LedgerEntry
	reservations map[string]domain.Reservation

	idempotency map[string]domain.IdempotencyRecord
	bindings    map[string]domain.ConnectorBinding

	walletLocks map[string]*sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orgs:         map[string]domain.Organization{},
		projects:     map[string]domain.Project{},
		memberships:  map[string]domain.Membership{},
		offerings:    map[string]domain.Offering{},
		versions:     map[string]domain.OfferingVersion{},
		plans:        map[string]domain.Plan{},
		instances:    map[string]domain.Instance{},
		apiKeys:      map[string]domain.APIKey{},
		wallets:      map[string]domain.Wallet{},
		reservations: map[string]domain.Reservation{},
		idempotency:  map[string]domain.IdempotencyRecord{},
		bindings:     map[string]domain.ConnectorBinding{},
		walletLocks:  map[string]*sync.Mutex{},
	}
}

var _ Store = (*Memory)(nil)

// Organizations.

func (m *Memory) CreateOrganization(_ context.Context, org *domain.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if o.Slug == org.Slug {
			return ErrConflict
		}
	}
	m.orgs[org.ID] = *org
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *Memory) OrganizationSlugTaken(_ context.Context, slug string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orgs {
		if o.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = *p
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) GetDefaultProject(_ context.Context, orgID string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.OrgID == orgID && p.IsDefault {
			p := p
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListProjects(_ context.Context, orgID string) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Project
	for _, p := range m.projects {
		if p.OrgID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateMembership(_ context.Context, mem *domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.memberships {
		if x.OrgID == mem.OrgID && x.UserID == mem.UserID {
			return ErrConflict
		}
	}
	m.memberships[mem.ID] = *mem
	return nil
}

func (m *Memory) GetMembership(_ context.Context, orgID, userID string) (*domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, x := range m.memberships {
		if x.OrgID == orgID && x.UserID == userID {
			x := x
			return &x, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListMembershipOrgIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, x := range m.memberships {
		if x.UserID == userID {
			ids = append(ids, x.OrgID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListMemberships(_ context.Context, orgID string) ([]domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Membership
	for _, x := range m.memberships {
		if x.OrgID == orgID {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindOwnedOrg(_ context.Context, userID string) (*domain.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, x := range m.memberships {
		if x.UserID == userID && x.Role == domain.RoleOwner {
			if o, ok := m.orgs[x.OrgID]; ok {
				return &o, nil
			}
		}
	}
	return nil, ErrNotFound
}

// CreateWorkspace writes the four bootstrap rows under one lock section;
// all conflict checks run before the first write so a rejection leaves
// the maps untouched.
func (m *Memory) CreateWorkspace(_ context.Context, org *domain.Organization, p *domain.Project, mem *domain.Membership, w *domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if o.Slug == org.Slug {
			return ErrConflict
		}
	}
	for _, x := range m.memberships {
		if x.OrgID == mem.OrgID && x.UserID == mem.UserID {
			return ErrConflict
		}
	}
	for _, x := range m.wallets {
		if x.OrgID == w.OrgID {
			return ErrConflict
		}
	}
	m.orgs[org.ID] = *org
	m.projects[p.ID] = *p
	m.memberships[mem.ID] = *mem
	m.wallets[w.ID] = *w
	return nil
}

// Catalog.

func (m *Memory) CreateOffering(_ context.Context, o *domain.Offering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.offerings {
		if x.Slug == o.Slug {
			return ErrConflict
		}
	}
	m.offerings[o.ID] = *o
	return nil
}

func (m *Memory) UpdateOffering(_ context.Context, o *domain.Offering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offerings[o.ID]; !ok {
		return ErrNotFound
	}
	m.offerings[o.ID] = *o
	return nil
}

func (m *Memory) GetOffering(_ context.Context, id string) (*domain.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offerings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *Memory) GetOfferingBySlug(_ context.Context, slug string) (*domain.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offerings {
		if o.Slug == slug {
			o := o
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetOfferingByCommerceProductID(_ context.Context, productID string) (*domain.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if productID == "" {
		return nil, ErrNotFound
	}
	for _, o := range m.offerings {
		if o.CommerceProductID == productID {
			o := o
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindOfferingByNameContains(_ context.Context, fragment string) (*domain.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frag := strings.ToLower(fragment)
	var matches []domain.Offering
	for _, o := range m.offerings {
		if strings.Contains(strings.ToLower(o.Name), frag) {
			matches = append(matches, o)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	// Deterministic pick on ties.
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return &matches[0], nil
}

func (m *Memory) ListOfferings(_ context.Context, onlyPublished bool) ([]domain.Offering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Offering
	for _, o := range m.offerings {
		if onlyPublished && o.Status != domain.OfferingPublished {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) OfferingSlugTaken(_ context.Context, slug string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offerings {
		if o.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateOfferingVersion(_ context.Context, v *domain.OfferingVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.versions {
		if x.OfferingID == v.OfferingID && x.VersionLabel == v.VersionLabel {
			return ErrConflict
		}
	}
	m.versions[v.ID] = *v
	return nil
}

func (m *Memory) UpdateOfferingVersion(_ context.Context, v *domain.OfferingVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.versions[v.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != domain.VersionDraft && cur.Status != v.Status {
		// Status changes out of a frozen state are still not allowed;
		// content changes on frozen versions are rejected at the service.
		if cur.Status == domain.VersionDeprecated {
			return ErrFrozen
		}
	}
	m.versions[v.ID] = *v
	return nil
}

func (m *Memory) GetOfferingVersion(_ context.Context, id string) (*domain.OfferingVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) ListOfferingVersions(_ context.Context, offeringID string) ([]domain.OfferingVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.OfferingVersion
	for _, v := range m.versions {
		if v.OfferingID == offeringID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreatePlan(_ context.Context, p *domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.plans {
		if x.OfferingID == p.OfferingID && x.Slug == p.Slug {
			return ErrConflict
		}
	}
	m.plans[p.ID] = *p
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListPlans(_ context.Context, offeringID string) ([]domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Plan
	for _, p := range m.plans {
		if p.OfferingID == offeringID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Instances.

func (m *Memory) CreateInstance(_ context.Context, in *domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.IdempotencyKey != "" {
		for _, x := range m.instances {
			if x.IdempotencyKey == in.IdempotencyKey {
				return ErrConflict
			}
		}
	}
	m.instances[in.ID] = *in
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (m *Memory) GetInstanceByIdempotencyKey(_ context.Context, key string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key == "" {
		return nil, ErrNotFound
	}
	for _, in := range m.instances {
		if in.IdempotencyKey == key {
			in := in
			return &in, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindInstanceByOrgAndOffering(_ context.Context, orgID, offeringID string) (*domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.instances {
		if in.OrgID != orgID {
			continue
		}
		v, ok := m.versions[in.OfferingVersionID]
		if ok && v.OfferingID == offeringID {
			in := in
			return &in, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListInstancesByOrgs(_ context.Context, orgIDs []string) ([]domain.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := map[string]bool{}
	for _, id := range orgIDs {
		allowed[id] = true
	}
	var out []domain.Instance
	for _, in := range m.instances {
		if allowed[in.OrgID] {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateInstanceState(_ context.Context, id string, state domain.InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	in.State = state
	in.UpdatedAt = time.Now().UTC()
	m.instances[id] = in
	return nil
}

// API keys.

func (m *Memory) CreateAPIKey(_ context.Context, k *domain.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[k.ID] = *k
	return nil
}

func (m *Memory) GetAPIKeyByPrefixHash(_ context.Context, prefix, hash string) (*domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.Prefix == prefix && k.Hash == hash {
			k := k
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListAPIKeys(_ context.Context, instanceID string) ([]domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range m.apiKeys {
		if k.InstanceID == instanceID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeactivateAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.IsActive = false
	m.apiKeys[id] = k
	return nil
}

func (m *Memory) TouchAPIKey(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &usedAt
	m.apiKeys[id] = k
	return nil
}

// Wallets.

func (m *Memory) CreateWallet(_ context.Context, w *domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.wallets {
		if x.OrgID == w.OrgID {
			return ErrConflict
		}
	}
	m.wallets[w.ID] = *w
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id string) (*domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) GetWalletByOrg(_ context.Context, orgID string) (*domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.wallets {
		if w.OrgID == orgID {
			w := w
			return &w, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListLedgerEntries(_ context.Context, walletID string, limit int) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.LedgerEntry
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if m.ledger[i].WalletID == walletID {
			out = append(out, m.ledger[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) ListPendingReservationsBefore(_ context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.Status == domain.ReservationPending && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// memWalletTx operates on the shared maps while the per-wallet lock and the
// global lock are held by WalletTx.
type memWalletTx struct {
	m      *Memory
	wallet domain.Wallet
}

func (t *memWalletTx) Wallet() *domain.Wallet { w := t.wallet; return &w }

func (t *memWalletTx) PendingTotal() (int64, error) {
	var total int64
	for _, r := range t.m.reservations {
		if r.WalletID == t.wallet.ID && r.Status == domain.ReservationPending {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *memWalletTx) InsertReservation(r *domain.Reservation) error {
	t.m.reservations[r.ID] = *r
	return nil
}

func (t *memWalletTx) GetReservation(id string) (*domain.Reservation, error) {
	r, ok := t.m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memWalletTx) TransitionReservation(id string, status domain.ReservationStatus, settledAt *time.Time) error {
	r, ok := t.m.reservations[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != domain.ReservationPending {
		return ErrConflict
	}
	r.Status = status
	r.SettledAt = settledAt
	t.m.reservations[id] = r
	return nil
}

func (t *memWalletTx) AddBalance(delta int64) error {
	w := t.m.wallets[t.wallet.ID]
	w.Balance += delta
	w.UpdatedAt = time.Now().UTC()
	t.m.wallets[t.wallet.ID] = w
	t.wallet = w
	return nil
}

func (t *memWalletTx) InsertLedgerEntry(e *domain.LedgerEntry) error {
	t.m.ledger = append(t.m.ledger, *e)
	return nil
}

func (t *memWalletTx) FindLedgerByReference(referenceID string) (*domain.LedgerEntry, error) {
	for i := range t.m.ledger {
		if t.m.ledger[i].ReferenceID == referenceID {
			e := t.m.ledger[i]
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) WalletTx(_ context.Context, walletID string, fn func(tx WalletTx) error) error {
	m.mu.Lock()
	lock, ok := m.walletLocks[walletID]
	if !ok {
		lock = &sync.Mutex{}
		m.walletLocks[walletID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	// No rollback: callers treat a mid-section error as fatal and the
	// memory store is for tests, where fn either fully applies or fails
	// before its first write.
	return fn(&memWalletTx{m: m, wallet: w})
}

// Idempotency.

func (m *Memory) PutIdempotencyRecord(_ context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.idempotency[rec.Key]; ok {
		cur := cur
		return &cur, false, nil
	}
	m.idempotency[rec.Key] = *rec
	stored := *rec
	return &stored, true, nil
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Bindings.

func (m *Memory) CreateBinding(_ context.Context, b *domain.ConnectorBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.ID] = *b
	return nil
}

func (m *Memory) GetBinding(_ context.Context, id string) (*domain.ConnectorBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) ListBindingsByOrgs(_ context.Context, orgIDs []string) ([]domain.ConnectorBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := map[string]bool{}
	for _, id := range orgIDs {
		allowed[id] = true
	}
	var out []domain.ConnectorBinding
	for _, b := range m.bindings {
		if allowed[b.OrgID] {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateBindingStatus(_ context.Context, id string, status domain.BindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	m.bindings[id] = b
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
