package store

// Postgres schema. Init applies the statements in order; every statement is
// idempotent so Init can run on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    slug        TEXT NOT NULL UNIQUE,
    owner_id    TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL REFERENCES organizations(id),
    name        TEXT NOT NULL,
    slug        TEXT NOT NULL,
    is_default  BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(org_id);

CREATE TABLE IF NOT EXISTS memberships (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL REFERENCES organizations(id),
    user_id     TEXT NOT NULL,
    role        TEXT NOT NULL,
    teams       JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (org_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);

CREATE TABLE IF NOT EXISTS offerings (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    slug                TEXT NOT NULL UNIQUE,
    category            TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    commerce_product_id TEXT NOT NULL DEFAULT '',
    thumbnail_url       TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offerings_product ON offerings(commerce_product_id) WHERE commerce_product_id <> '';

CREATE TABLE IF NOT EXISTS offering_versions (
    id             TEXT PRIMARY KEY,
    offering_id    TEXT NOT NULL REFERENCES offerings(id),
    version_label  TEXT NOT NULL,
    artifact_key   TEXT NOT NULL DEFAULT '',
    artifact_sha   TEXT NOT NULL DEFAULT '',
    capabilities   JSONB NOT NULL DEFAULT '[]',
    defaults       JSONB NOT NULL DEFAULT '{}',
    status         TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (offering_id, version_label)
);

CREATE TABLE IF NOT EXISTS plans (
    id                  TEXT PRIMARY KEY,
    offering_id         TEXT NOT NULL REFERENCES offerings(id),
    name                TEXT NOT NULL,
    slug                TEXT NOT NULL,
    billing_period      TEXT NOT NULL,
    price_credits       BIGINT NOT NULL DEFAULT 0,
    included_credits    BIGINT NOT NULL DEFAULT 0,
    limits              JSONB NOT NULL DEFAULT '{}',
    is_default          BOOLEAN NOT NULL DEFAULT FALSE,
    is_trial            BOOLEAN NOT NULL DEFAULT FALSE,
    commerce_variant_id TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    UNIQUE (offering_id, slug)
);

CREATE TABLE IF NOT EXISTS instances (
    id                  TEXT PRIMARY KEY,
    offering_version_id TEXT NOT NULL REFERENCES offering_versions(id),
    org_id              TEXT NOT NULL REFERENCES organizations(id),
    project_id          TEXT NOT NULL REFERENCES projects(id),
    plan_id             TEXT NOT NULL REFERENCES plans(id),
    name                TEXT NOT NULL,
    state               TEXT NOT NULL,
    overrides           JSONB NOT NULL DEFAULT '{}',
    effective_config    JSONB NOT NULL DEFAULT '{}',
    idempotency_key     TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_idem ON instances(idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_instances_org ON instances(org_id);

CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT PRIMARY KEY,
    instance_id  TEXT NOT NULL REFERENCES instances(id),
    name         TEXT NOT NULL,
    prefix       TEXT NOT NULL,
    hash         TEXT NOT NULL,
    last_used_at TIMESTAMPTZ,
    expires_at   TIMESTAMPTZ,
    is_active    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

CREATE TABLE IF NOT EXISTS wallets (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL UNIQUE REFERENCES organizations(id),
    balance     BIGINT NOT NULL DEFAULT 0,
    currency    TEXT NOT NULL DEFAULT 'credits',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id           TEXT PRIMARY KEY,
    wallet_id    TEXT NOT NULL REFERENCES wallets(id),
    amount       BIGINT NOT NULL,
    entry_type   TEXT NOT NULL,
    reference_id TEXT NOT NULL DEFAULT '',
    instance_id  TEXT NOT NULL DEFAULT '',
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries(wallet_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_id) WHERE reference_id <> '';

CREATE TABLE IF NOT EXISTS reservations (
    id          TEXT PRIMARY KEY,
    wallet_id   TEXT NOT NULL REFERENCES wallets(id),
    instance_id TEXT NOT NULL DEFAULT '',
    amount      BIGINT NOT NULL CHECK (amount >= 0),
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    settled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations(wallet_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS idempotency_records (
    key        TEXT PRIMARY KEY,
    response   BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS connector_bindings (
    id             TEXT PRIMARY KEY,
    org_id         TEXT NOT NULL REFERENCES organizations(id),
    project_id     TEXT NOT NULL REFERENCES projects(id),
    connector_id   TEXT NOT NULL,
    connector_type TEXT NOT NULL,
    display_name   TEXT NOT NULL,
    config         JSONB NOT NULL DEFAULT '{}',
    secret_path    TEXT NOT NULL,
    status         TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bindings_org ON connector_bindings(org_id);

CREATE TABLE IF NOT EXISTS usage_events (
    id             TEXT PRIMARY KEY,
    instance_id    TEXT NOT NULL,
    reservation_id TEXT NOT NULL DEFAULT '',
    usage          JSONB NOT NULL DEFAULT '{}',
    credits        BIGINT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_instance ON usage_events(instance_id, created_at DESC);
`
