package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Postgres implements Store over database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against dsn.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool; used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

var _ Store = (*Postgres)(nil)

// Init applies the schema. Safe to call on every boot.
func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// mapErr converts driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func toJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func fromJSONMap(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func fromJSONStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return s
}

// Organizations.

func (p *Postgres) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, slug, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		org.ID, org.Name, org.Slug, org.OwnerID, org.CreatedAt, org.UpdatedAt)
	return mapErr(err)
}

func (p *Postgres) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, slug, owner_id, created_at, updated_at FROM organizations WHERE id = $1`, id)
	var o domain.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func (p *Postgres) OrganizationSlugTaken(ctx context.Context, slug string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM organizations WHERE slug = $1`, slug).Scan(&n)
	return n > 0, mapErr(err)
}

func (p *Postgres) CreateProject(ctx context.Context, pr *domain.Project) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, slug, is_default, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.ID, pr.OrgID, pr.Name, pr.Slug, pr.IsDefault, pr.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, slug, is_default, created_at FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (p *Postgres) GetDefaultProject(ctx context.Context, orgID string) (*domain.Project, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, slug, is_default, created_at
		 FROM projects WHERE org_id = $1 AND is_default ORDER BY created_at LIMIT 1`, orgID)
	return scanProject(row)
}

func (p *Postgres) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, org_id, name, slug, is_default, created_at
		 FROM projects WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var pr domain.Project
		if err := rows.Scan(&pr.ID, &pr.OrgID, &pr.Name, &pr.Slug, &pr.IsDefault, &pr.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row) (*domain.Project, error) {
	var pr domain.Project
	if err := row.Scan(&pr.ID, &pr.OrgID, &pr.Name, &pr.Slug, &pr.IsDefault, &pr.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &pr, nil
}

func (p *Postgres) CreateMembership(ctx context.Context, m *domain.Membership) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO memberships (id, org_id, user_id, role, teams, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.OrgID, m.UserID, string(m.Role), toJSON(m.Teams), m.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) GetMembership(ctx context.Context, orgID, userID string) (*domain.Membership, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, role, teams, created_at
		 FROM memberships WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	var m domain.Membership
	var teams []byte
	if err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &teams, &m.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	m.Teams = fromJSONStrings(teams)
	return &m, nil
}

func (p *Postgres) ListMembershipOrgIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT org_id FROM memberships WHERE user_id = $1 ORDER BY org_id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ListMemberships(ctx context.Context, orgID string) ([]domain.Membership, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, role, teams, created_at
		 FROM memberships WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		var teams []byte
		if err := rows.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &teams, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Teams = fromJSONStrings(teams)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOwnedOrg(ctx context.Context, userID string) (*domain.Organization, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT o.id, o.name, o.slug, o.owner_id, o.created_at, o.updated_at
		 FROM organizations o
		 JOIN memberships m ON m.org_id = o.id
		 WHERE m.user_id = $1 AND m.role = 'owner'
		 ORDER BY o.created_at LIMIT 1`, userID)
	var o domain.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

// CreateWorkspace inserts the four bootstrap rows in one transaction so a
// half-created workspace can never be observed.
func (p *Postgres) CreateWorkspace(ctx context.Context, org *domain.Organization, pr *domain.Project, m *domain.Membership, w *domain.Wallet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workspace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, slug, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		org.ID, org.Name, org.Slug, org.OwnerID, org.CreatedAt, org.UpdatedAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, slug, is_default, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.ID, pr.OrgID, pr.Name, pr.Slug, pr.IsDefault, pr.CreatedAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (id, org_id, user_id, role, teams, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.OrgID, m.UserID, string(m.Role), toJSON(m.Teams), m.CreatedAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (id, org_id, balance, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.OrgID, w.Balance, w.Currency, w.CreatedAt, w.UpdatedAt); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

// Catalog.

func (p *Postgres) CreateOffering(ctx context.Context, o *domain.Offering) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO offerings (id, name, slug, category, description, status, commerce_product_id, thumbnail_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.Name, o.Slug, string(o.Category), o.Description, string(o.Status),
		o.CommerceProductID, o.ThumbnailURL, o.CreatedAt, o.UpdatedAt)
	return mapErr(err)
}

func (p *Postgres) UpdateOffering(ctx context.Context, o *domain.Offering) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offerings SET name = $2, category = $3, description = $4, status = $5,
		        commerce_product_id = $6, thumbnail_url = $7, updated_at = $8
		 WHERE id = $1`,
		o.ID, o.Name, string(o.Category), o.Description, string(o.Status),
		o.CommerceProductID, o.ThumbnailURL, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const offeringCols = `id, name, slug, category, description, status, commerce_product_id, thumbnail_url, created_at, updated_at`

func scanOffering(s interface{ Scan(...any) error }) (*domain.Offering, error) {
	var o domain.Offering
	if err := s.Scan(&o.ID, &o.Name, &o.Slug, &o.Category, &o.Description, &o.Status,
		&o.CommerceProductID, &o.ThumbnailURL, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func (p *Postgres) GetOffering(ctx context.Context, id string) (*domain.Offering, error) {
	return scanOffering(p.db.QueryRowContext(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE id = $1`, id))
}

func (p *Postgres) GetOfferingBySlug(ctx context.Context, slug string) (*domain.Offering, error) {
	return scanOffering(p.db.QueryRowContext(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE slug = $1`, slug))
}

func (p *Postgres) GetOfferingByCommerceProductID(ctx context.Context, productID string) (*domain.Offering, error) {
	if productID == "" {
		return nil, ErrNotFound
	}
	return scanOffering(p.db.QueryRowContext(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE commerce_product_id = $1 ORDER BY created_at LIMIT 1`, productID))
}

func (p *Postgres) FindOfferingByNameContains(ctx context.Context, fragment string) (*domain.Offering, error) {
	return scanOffering(p.db.QueryRowContext(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE name ILIKE '%' || $1 || '%' ORDER BY created_at LIMIT 1`, fragment))
}

func (p *Postgres) ListOfferings(ctx context.Context, onlyPublished bool) ([]domain.Offering, error) {
	q := `SELECT ` + offeringCols + ` FROM offerings`
	if onlyPublished {
		q += ` WHERE status = 'published'`
	}
	q += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Offering
	for rows.Next() {
		o, err := scanOffering(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *Postgres) OfferingSlugTaken(ctx context.Context, slug string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM offerings WHERE slug = $1`, slug).Scan(&n)
	return n > 0, mapErr(err)
}

func (p *Postgres) CreateOfferingVersion(ctx context.Context, v *domain.OfferingVersion) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO offering_versions (id, offering_id, version_label, artifact_key, artifact_sha, capabilities, defaults, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.OfferingID, v.VersionLabel, v.Artifact.Key, v.Artifact.SHA256,
		toJSON(v.Capabilities), toJSON(v.Defaults), string(v.Status), v.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) UpdateOfferingVersion(ctx context.Context, v *domain.OfferingVersion) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offering_versions SET artifact_key = $2, artifact_sha = $3,
		        capabilities = $4, defaults = $5, status = $6
		 WHERE id = $1`,
		v.ID, v.Artifact.Key, v.Artifact.SHA256, toJSON(v.Capabilities), toJSON(v.Defaults), string(v.Status))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanVersion(s interface{ Scan(...any) error }) (*domain.OfferingVersion, error) {
	var v domain.OfferingVersion
	var caps, defaults []byte
	if err := s.Scan(&v.ID, &v.OfferingID, &v.VersionLabel, &v.Artifact.Key, &v.Artifact.SHA256,
		&caps, &defaults, &v.Status, &v.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	v.Capabilities = fromJSONStrings(caps)
	v.Defaults = fromJSONMap(defaults)
	return &v, nil
}

const versionCols = `id, offering_id, version_label, artifact_key, artifact_sha, capabilities, defaults, status, created_at`

func (p *Postgres) GetOfferingVersion(ctx context.Context, id string) (*domain.OfferingVersion, error) {
	return scanVersion(p.db.QueryRowContext(ctx,
		`SELECT `+versionCols+` FROM offering_versions WHERE id = $1`, id))
}

func (p *Postgres) ListOfferingVersions(ctx context.Context, offeringID string) ([]domain.OfferingVersion, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+versionCols+` FROM offering_versions WHERE offering_id = $1 ORDER BY created_at`, offeringID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.OfferingVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *Postgres) CreatePlan(ctx context.Context, pl *domain.Plan) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO plans (id, offering_id, name, slug, billing_period, price_credits, included_credits, limits, is_default, is_trial, commerce_variant_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pl.ID, pl.OfferingID, pl.Name, pl.Slug, string(pl.BillingPeriod), pl.PriceCredits,
		pl.IncludedCredits, toJSON(pl.Limits), pl.IsDefault, pl.IsTrial, pl.CommerceVariantID, pl.CreatedAt)
	return mapErr(err)
}

const planCols = `id, offering_id, name, slug, billing_period, price_credits, included_credits, limits, is_default, is_trial, commerce_variant_id, created_at`

func scanPlan(s interface{ Scan(...any) error }) (*domain.Plan, error) {
	var pl domain.Plan
	var limits []byte
	if err := s.Scan(&pl.ID, &pl.OfferingID, &pl.Name, &pl.Slug, &pl.BillingPeriod,
		&pl.PriceCredits, &pl.IncludedCredits, &limits, &pl.IsDefault, &pl.IsTrial,
		&pl.CommerceVariantID, &pl.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	pl.Limits = fromJSONMap(limits)
	return &pl, nil
}

func (p *Postgres) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	return scanPlan(p.db.QueryRowContext(ctx,
		`SELECT `+planCols+` FROM plans WHERE id = $1`, id))
}

func (p *Postgres) ListPlans(ctx context.Context, offeringID string) ([]domain.Plan, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+planCols+` FROM plans WHERE offering_id = $1 ORDER BY created_at`, offeringID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pl)
	}
	return out, rows.Err()
}
