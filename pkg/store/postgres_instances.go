package store

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Instances.

func (p *Postgres) CreateInstance(ctx context.Context, in *domain.Instance) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO instances (id, offering_version_id, org_id, project_id, plan_id, name, state, overrides, effective_config, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		in.ID, in.OfferingVersionID, in.OrgID, in.ProjectID, in.PlanID, in.Name, string(in.State),
		toJSON(in.Overrides), toJSON(in.EffectiveConfig), in.IdempotencyKey, in.CreatedAt, in.UpdatedAt)
	return mapErr(err)
}

const instanceCols = `id, offering_version_id, org_id, project_id, plan_id, name, state, overrides, effective_config, idempotency_key, created_at, updated_at`

func scanInstance(s interface{ Scan(...any) error }) (*domain.Instance, error) {
	var in domain.Instance
	var overrides, cfg []byte
	if err := s.Scan(&in.ID, &in.OfferingVersionID, &in.OrgID, &in.ProjectID, &in.PlanID,
		&in.Name, &in.State, &overrides, &cfg, &in.IdempotencyKey, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	in.Overrides = fromJSONMap(overrides)
	in.EffectiveConfig = fromJSONMap(cfg)
	return &in, nil
}

func (p *Postgres) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	return scanInstance(p.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE id = $1`, id))
}

func (p *Postgres) GetInstanceByIdempotencyKey(ctx context.Context, key string) (*domain.Instance, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	return scanInstance(p.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE idempotency_key = $1`, key))
}

func (p *Postgres) FindInstanceByOrgAndOffering(ctx context.Context, orgID, offeringID string) (*domain.Instance, error) {
	return scanInstance(p.db.QueryRowContext(ctx,
		`SELECT i.id, i.offering_version_id, i.org_id, i.project_id, i.plan_id, i.name, i.state,
		        i.overrides, i.effective_config, i.idempotency_key, i.created_at, i.updated_at
		 FROM instances i
		 JOIN offering_versions v ON v.id = i.offering_version_id
		 WHERE i.org_id = $1 AND v.offering_id = $2
		 ORDER BY i.created_at LIMIT 1`, orgID, offeringID))
}

func (p *Postgres) ListInstancesByOrgs(ctx context.Context, orgIDs []string) ([]domain.Instance, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE org_id = ANY($1) ORDER BY created_at`,
		pq.Array(orgIDs))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE instances SET state = $2, updated_at = NOW() WHERE id = $1`, id, string(state))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// API keys.

func (p *Postgres) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, instance_id, name, prefix, hash, last_used_at, expires_at, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		k.ID, k.InstanceID, k.Name, k.Prefix, k.Hash, k.LastUsedAt, k.ExpiresAt, k.IsActive, k.CreatedAt)
	return mapErr(err)
}

const apiKeyCols = `id, instance_id, name, prefix, hash, last_used_at, expires_at, is_active, created_at`

func scanAPIKey(s interface{ Scan(...any) error }) (*domain.APIKey, error) {
	var k domain.APIKey
	if err := s.Scan(&k.ID, &k.InstanceID, &k.Name, &k.Prefix, &k.Hash,
		&k.LastUsedAt, &k.ExpiresAt, &k.IsActive, &k.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (p *Postgres) GetAPIKeyByPrefixHash(ctx context.Context, prefix, hash string) (*domain.APIKey, error) {
	return scanAPIKey(p.db.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE prefix = $1 AND hash = $2`, prefix, hash))
}

func (p *Postgres) ListAPIKeys(ctx context.Context, instanceID string) ([]domain.APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE instance_id = $1 ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (p *Postgres) DeactivateAPIKey(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	return mapErr(err)
}

// Idempotency. The insert races resolve on the primary key: exactly one
// writer wins, everyone else reads the stored response back.

func (p *Postgres) PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, response, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Response, rec.CreatedAt)
	if err != nil {
		return nil, false, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	existing, err := p.GetIdempotencyRecord(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *Postgres) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT key, response, created_at FROM idempotency_records WHERE key = $1`, key)
	var rec domain.IdempotencyRecord
	if err := row.Scan(&rec.Key, &rec.Response, &rec.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

// Connector bindings.

func (p *Postgres) CreateBinding(ctx context.Context, b *domain.ConnectorBinding) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO connector_bindings (id, org_id, project_id, connector_id, connector_type, display_name, config, secret_path, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.OrgID, b.ProjectID, b.ConnectorID, b.ConnectorType, b.DisplayName,
		toJSON(b.Config), b.SecretPath, string(b.Status), b.CreatedAt)
	return mapErr(err)
}

const bindingCols = `id, org_id, project_id, connector_id, connector_type, display_name, config, secret_path, status, created_at`

func scanBinding(s interface{ Scan(...any) error }) (*domain.ConnectorBinding, error) {
	var b domain.ConnectorBinding
	var cfg []byte
	if err := s.Scan(&b.ID, &b.OrgID, &b.ProjectID, &b.ConnectorID, &b.ConnectorType,
		&b.DisplayName, &cfg, &b.SecretPath, &b.Status, &b.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	b.Config = fromJSONMap(cfg)
	return &b, nil
}

func (p *Postgres) GetBinding(ctx context.Context, id string) (*domain.ConnectorBinding, error) {
	return scanBinding(p.db.QueryRowContext(ctx,
		`SELECT `+bindingCols+` FROM connector_bindings WHERE id = $1`, id))
}

func (p *Postgres) ListBindingsByOrgs(ctx context.Context, orgIDs []string) ([]domain.ConnectorBinding, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bindingCols+` FROM connector_bindings WHERE org_id = ANY($1) ORDER BY created_at`,
		pq.Array(orgIDs))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.ConnectorBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateBindingStatus(ctx context.Context, id string, status domain.BindingStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE connector_bindings SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
