package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/artifacts"
	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/connectors"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/instances"
	"github.com/gsvlabs/cmp/pkg/metering"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/provision"
	"github.com/gsvlabs/cmp/pkg/store"
	"github.com/gsvlabs/cmp/pkg/vault"
)

var testSecret = []byte("controlplane-test-secret")

type env struct {
	srv      *httptest.Server
	store    *store.Memory
	catalog  *catalog.Service
	orgs     *orgs.Service
	billing  *billing.Service
	offering string // slug
	version  string
	plan     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	meter := metering.NewMemoryRecorder()
	bill := billing.NewService(m, log, billing.WithRecorder(meter))
	org := orgs.NewService(m, bill, log)
	cat := catalog.NewService(m, log)
	inst := instances.NewService(m, cat, org, bill, log)
	prov := provision.NewService(m, org, cat, inst, bill, log)
	conn := connectors.NewService(m, vault.NewMemory(), log)
	art, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	validator := auth.NewJWTValidator(
		&auth.StaticKeySet{Keys: map[string]any{"test": testSecret}},
		[]string{"cmp-console"},
	)
	s := New(Deps{
		Store:      m,
		Billing:    bill,
		Catalog:    cat,
		Orgs:       org,
		Instances:  inst,
		Provision:  prov,
		Connectors: conn,
		Meter:      meter,
		Artifacts:  art,
		Validator:  validator,
		Log:        log,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	offering, err := cat.CreateOffering(ctx, catalog.CreateOfferingInput{
		Name:              "Support Copilot",
		CommerceProductID: "prod-123",
	})
	require.NoError(t, err)
	version, err := cat.CreateVersion(ctx, catalog.CreateVersionInput{
		OfferingID:   offering.ID,
		VersionLabel: "1.0.0",
		Artifact:     domain.ArtifactRef{Key: "flows/copilot-1.0.0.json"},
	})
	require.NoError(t, err)
	_, err = cat.PublishVersion(ctx, version.ID)
	require.NoError(t, err)
	_, err = cat.PublishOffering(ctx, offering.ID)
	require.NoError(t, err)
	plan, err := cat.CreatePlan(ctx, catalog.CreatePlanInput{
		OfferingID: offering.ID, Name: "Starter", PriceCredits: 100, IsDefault: true,
	})
	require.NoError(t, err)

	return &env{
		srv: srv, store: m, catalog: cat, orgs: org, billing: bill,
		offering: offering.Slug, version: version.ID, plan: plan.ID,
	}
}

func userToken(t *testing.T, sub, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  []string{"cmp-console"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: email,
	})
	token.Header["kid"] = "test"
	s, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func (e *env) call(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPublicOfferingList(t *testing.T) {
	e := newEnv(t)
	var out struct {
		Offerings []map[string]any `json:"offerings"`
	}
	code := e.call(t, http.MethodGet, "/offerings", "", nil, &out)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, out.Offerings, 1)
	assert.Equal(t, "published", out.Offerings[0]["status"])
}

func TestProtectedRouteRejectsAnonymous(t *testing.T) {
	e := newEnv(t)
	code := e.call(t, http.MethodPost, "/orgs/auto", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestWorkspaceAndWallet(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-1", "ada@example.com")

	var ws struct {
		Org     map[string]any `json:"org"`
		Wallet  map[string]any `json:"wallet"`
		Created bool           `json:"created"`
	}
	code := e.call(t, http.MethodPost, "/orgs/auto", token, nil, &ws)
	assert.Equal(t, http.StatusCreated, code)
	assert.True(t, ws.Created)

	var wallet struct {
		Balance int64 `json:"balance"`
	}
	code = e.call(t, http.MethodGet, "/wallets/me", token, nil, &wallet)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, billing.TrialCredits, wallet.Balance)

	var ledger struct {
		Entries []map[string]any `json:"entries"`
	}
	code = e.call(t, http.MethodGet, "/wallets/me/ledger", token, nil, &ledger)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, "trial_grant", ledger.Entries[0]["entry_type"])
}

func TestAuthorizeSettleOverHTTP(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-1", "ada@example.com")

	var ws struct {
		Org     map[string]any `json:"org"`
		Project map[string]any `json:"project"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", token, nil, &ws)

	var inst struct {
		ID string `json:"id"`
	}
	code := e.call(t, http.MethodPost, "/instances", token, map[string]any{
		"org_id":              ws.Org["id"],
		"project_id":          ws.Project["id"],
		"offering_version_id": e.version,
		"plan_id":             e.plan,
		"name":                "Prod",
	}, &inst)
	require.Equal(t, http.StatusCreated, code)

	var authz authorizeResponse
	code = e.call(t, http.MethodPost, "/billing/authorize", "", map[string]any{
		"instance_id": inst.ID,
	}, &authz)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, authz.Allowed)
	assert.EqualValues(t, billing.DefaultRunBudget, authz.Budget)
	assert.EqualValues(t, 100, authz.Balance)

	var settle struct {
		Debited       int64  `json:"debited"`
		Balance       int64  `json:"balance"`
		LedgerEntryID string `json:"ledger_entry_id"`
		Status        string `json:"status"`
	}
	code = e.call(t, http.MethodPost, "/billing/settle", "", map[string]any{
		"reservation_id": authz.ReservationID,
		"instance_id":    inst.ID,
		"usage":          map[string]int64{"llm_tokens_in": 5000, "llm_tokens_out": 1000},
	}, &settle)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 7, settle.Debited)
	assert.EqualValues(t, 93, settle.Balance)
	assert.NotEmpty(t, settle.LedgerEntryID)
	assert.Equal(t, "settled", settle.Status)

	// Replay reports a zero debit and moves nothing.
	var replay struct {
		Debited int64  `json:"debited"`
		Balance int64  `json:"balance"`
		Status  string `json:"status"`
	}
	code = e.call(t, http.MethodPost, "/billing/settle", "", map[string]any{
		"reservation_id": authz.ReservationID,
		"instance_id":    inst.ID,
	}, &replay)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, replay.Debited)
	assert.EqualValues(t, 93, replay.Balance)
	assert.Equal(t, "settled", replay.Status)
}

func TestSettleUnknownReservation(t *testing.T) {
	e := newEnv(t)
	code := e.call(t, http.MethodPost, "/billing/settle", "", map[string]any{
		"reservation_id": "nope",
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCommerceProvisionAndReplay(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"order_id":    "ord-1",
		"user_email":  "buyer@example.com",
		"offering_id": "prod-123",
	}

	var first provision.ProvisionResult
	code := e.call(t, http.MethodPost, "/integrations/commerce/provision", "", body, &first)
	require.Equal(t, http.StatusCreated, code)
	assert.Contains(t, first.APIKey, "cmp_sk_")

	var second provision.ProvisionResult
	code = e.call(t, http.MethodPost, "/integrations/commerce/provision", "", body, &second)
	require.Equal(t, http.StatusOK, code, "replay is 200, not 201")
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.APIKey, second.APIKey)
}

func TestOrderPaidCreditPack(t *testing.T) {
	e := newEnv(t)
	var out orderPaidResponse
	code := e.call(t, http.MethodPost, "/integrations/saleor/order-paid", "", map[string]any{
		"order_id":   "ord-2",
		"user_email": "buyer@example.com",
		"lines": []map[string]any{
			{"sku": "CREDITS-100", "quantity": 2},
		},
	}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Success)
	assert.EqualValues(t, 200, out.Results[0].CreditsAdded)
}

func TestTrialStartIsIdempotent(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-7", "grace@example.com")
	body := map[string]any{"product_slug": e.offering}

	var first instances.TrialResult
	code := e.call(t, http.MethodPost, "/instances/trial", token, body, &first)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, first.APIKey)
	assert.EqualValues(t, billing.TrialCredits, first.TrialCreditsGranted)

	var second instances.TrialResult
	code = e.call(t, http.MethodPost, "/instances/trial", token, body, &second)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.Instance.ID, second.Instance.ID)
	assert.Empty(t, second.APIKey, "no new key on repeat start")
	assert.Zero(t, second.TrialCreditsGranted)
}

func TestIntrospectEndpoint(t *testing.T) {
	e := newEnv(t)
	var prov provision.ProvisionResult
	e.call(t, http.MethodPost, "/integrations/commerce/provision", "", map[string]any{
		"order_id":    "ord-3",
		"user_email":  "buyer@example.com",
		"offering_id": "prod-123",
	}, &prov)

	var good introspectResponse
	code := e.call(t, http.MethodPost, "/api_keys/introspect", "", map[string]any{"api_key": prov.APIKey}, &good)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, good.Valid)
	assert.Equal(t, prov.InstanceID, good.InstanceID)

	var bad introspectResponse
	code = e.call(t, http.MethodPost, "/api_keys/introspect", "", map[string]any{"api_key": "cmp_sk_bogus"}, &bad)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, bad.Valid)
}

func TestWalletAccessControl(t *testing.T) {
	e := newEnv(t)
	owner := userToken(t, "user-1", "ada@example.com")
	stranger := userToken(t, "user-2", "mallory@example.com")

	var ws struct {
		Wallet map[string]any `json:"wallet"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", owner, nil, &ws)
	walletID, _ := ws.Wallet["id"].(string)
	require.NotEmpty(t, walletID)

	code := e.call(t, http.MethodGet, "/wallets/"+walletID, stranger, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code = e.call(t, http.MethodPost, "/wallets/"+walletID+"/topups", stranger, map[string]any{"amount": 10}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	var topup struct {
		Balance int64 `json:"balance"`
	}
	code = e.call(t, http.MethodPost, "/wallets/"+walletID+"/topups", owner, map[string]any{"amount": 10}, &topup)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 110, topup.Balance)
}

func TestBindingLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-1", "ada@example.com")

	var ws struct {
		Org     map[string]any `json:"org"`
		Project map[string]any `json:"project"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", token, nil, &ws)

	var binding struct {
		ID string `json:"id"`
	}
	code := e.call(t, http.MethodPost, "/connectors/bindings", token, map[string]any{
		"org_id":         ws.Org["id"],
		"project_id":     ws.Project["id"],
		"connector_id":   "github",
		"connector_type": "http",
		"config":         map[string]any{"base_url": "https://api.github.com"},
		"credentials":    map[string]string{"api_key": "ghp_1234567890"},
	}, &binding)
	require.Equal(t, http.StatusCreated, code)

	var creds struct {
		Credentials map[string]string `json:"credentials"`
	}
	code = e.call(t, http.MethodGet, "/connectors/bindings/"+binding.ID+"/credentials", token, nil, &creds)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, creds.Credentials["api_key"], "1234567")

	// Service-to-service fetch carries the secret path.
	var internal struct {
		SecretPath string `json:"secret_path"`
	}
	code = e.call(t, http.MethodGet, "/internal/bindings/"+binding.ID, "", nil, &internal)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, internal.SecretPath)

	code = e.call(t, http.MethodPost, "/connectors/bindings/"+binding.ID+"/revoke", token, nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code = e.call(t, http.MethodPost, "/connectors/bindings/"+binding.ID+"/revoke", token, nil, nil)
	assert.Equal(t, http.StatusOK, code, "revoke is idempotent")
}

func TestInvalidBindingConfigIsBadRequest(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-1", "ada@example.com")

	var ws struct {
		Org map[string]any `json:"org"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", token, nil, &ws)

	code := e.call(t, http.MethodPost, "/connectors/bindings", token, map[string]any{
		"org_id":         ws.Org["id"],
		"connector_id":   "github",
		"connector_type": "http",
		"config":         map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestArtifactUploadAndFetch(t *testing.T) {
	e := newEnv(t)
	token := userToken(t, "user-1", "ada@example.com")

	// A fresh draft version to attach the artifact to.
	off, err := e.catalog.ResolveOffering(context.Background(), e.offering)
	require.NoError(t, err)
	draft, err := e.catalog.CreateVersion(context.Background(), catalog.CreateVersionInput{
		OfferingID:   off.ID,
		VersionLabel: "1.1.0",
	})
	require.NoError(t, err)

	flow := map[string]any{"nodes": []any{map[string]any{"id": "llm-1"}}}
	var updated domain.OfferingVersion
	code := e.call(t, http.MethodPut, "/versions/"+draft.ID+"/artifact", token, flow, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "flows/"+draft.ID+".json", updated.Artifact.Key)
	assert.Len(t, updated.Artifact.SHA256, 64)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/artifacts/"+updated.Artifact.Key, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Contains(t, fetched, "nodes")

	// Published versions are frozen; re-upload is rejected.
	_, err = e.catalog.PublishVersion(context.Background(), draft.ID)
	require.NoError(t, err)
	code = e.call(t, http.MethodPut, "/versions/"+draft.ID+"/artifact", token, flow, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = e.call(t, http.MethodGet, "/artifacts/flows/ghost.json", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMemberListAndTeams(t *testing.T) {
	e := newEnv(t)
	owner := userToken(t, "user-1", "ada@example.com")
	stranger := userToken(t, "user-3", "eve@example.com")

	var ws struct {
		Org map[string]any `json:"org"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", owner, nil, &ws)
	orgID, _ := ws.Org["id"].(string)
	require.NotEmpty(t, orgID)

	code := e.call(t, http.MethodPost, "/orgs/"+orgID+"/members", owner,
		map[string]any{"user_id": "user-2", "role": "member", "teams": []string{"ops"}}, nil)
	require.Equal(t, http.StatusCreated, code)

	var out struct {
		Members []domain.Membership `json:"members"`
	}
	code = e.call(t, http.MethodGet, "/orgs/"+orgID+"/members", owner, nil, &out)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Members, 2)

	byUser := map[string]domain.Membership{}
	for _, m := range out.Members {
		byUser[m.UserID] = m
	}
	assert.Equal(t, domain.RoleOwner, byUser["user-1"].Role)
	assert.Equal(t, domain.RoleMember, byUser["user-2"].Role)
	assert.Equal(t, []string{"ops"}, byUser["user-2"].Teams)

	code = e.call(t, http.MethodGet, "/orgs/"+orgID+"/members", stranger, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	var teams struct {
		Teams []orgs.TeamSummary `json:"teams"`
	}
	code = e.call(t, http.MethodGet, "/orgs/"+orgID+"/teams", owner, nil, &teams)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, teams.Teams, 1)
	assert.Equal(t, "ops", teams.Teams[0].Name)
	assert.Equal(t, 1, teams.Teams[0].Members)
}

func TestProjectCreateAndList(t *testing.T) {
	e := newEnv(t)
	owner := userToken(t, "user-1", "ada@example.com")

	var ws struct {
		Org map[string]any `json:"org"`
	}
	e.call(t, http.MethodPost, "/orgs/auto", owner, nil, &ws)
	orgID, _ := ws.Org["id"].(string)

	var created domain.Project
	code := e.call(t, http.MethodPost, "/orgs/"+orgID+"/projects", owner,
		map[string]any{"name": "Staging"}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "staging", created.Slug)

	// Same name again gets a deduplicated slug.
	var dup domain.Project
	code = e.call(t, http.MethodPost, "/orgs/"+orgID+"/projects", owner,
		map[string]any{"name": "Staging"}, &dup)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "staging-1", dup.Slug)

	var out struct {
		Projects []domain.Project `json:"projects"`
	}
	code = e.call(t, http.MethodGet, "/orgs/"+orgID+"/projects", owner, nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out.Projects, 3) // default + two created

	code = e.call(t, http.MethodPost, "/orgs/"+orgID+"/projects", owner,
		map[string]any{"name": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
