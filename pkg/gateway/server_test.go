package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/cpclient"
)

// fakeCP is a scriptable Control Plane stub.
type fakeCP struct {
	mu            sync.Mutex
	allowed       bool
	balance       int64
	settleFails   bool
	settleCalls   []map[string]int64
	widgetOrigins []any
}

func (f *fakeCP) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /billing/authorize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"allowed":        f.allowed,
			"reservation_id": "res-1",
			"budget":         10,
			"balance":        f.balance,
		})
	})
	mux.HandleFunc("POST /billing/settle", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Usage map[string]int64 `json:"usage"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.settleCalls = append(f.settleCalls, req.Usage)
		if f.settleFails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"debited": 7, "balance": f.balance - 7, "status": "settled",
		})
	})
	mux.HandleFunc("POST /api_keys/introspect", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.APIKey == "cmp_sk_valid" {
			json.NewEncoder(w).Encode(map[string]any{
				"valid": true, "instance_id": "inst-1", "org_id": "org-1", "key_id": "key-1",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"valid": false})
	})
	mux.HandleFunc("GET /instances/{id}/entitlements", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"instance_id": r.PathValue("id"),
			"state":       "active",
			"offering":    map[string]any{"slug": "support-copilot"},
			"effective_config": map[string]any{
				"widget_origins": f.widgetOrigins,
			},
		})
	})
	return mux
}

func (f *fakeCP) settled() []map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]int64(nil), f.settleCalls...)
}

type env struct {
	gw     *httptest.Server
	cp     *fakeCP
	engine *httptest.Server
}

func newEnv(t *testing.T, engineHandler http.HandlerFunc) *env {
	t.Helper()
	cp := &fakeCP{allowed: true, balance: 100, widgetOrigins: []any{"https://example.com"}}
	cpSrv := httptest.NewServer(cp.handler())
	t.Cleanup(cpSrv.Close)

	if engineHandler == nil {
		engineHandler = func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"output": map[string]any{"text": "hello"},
				"usage":  map[string]int64{"llm_tokens_in": 5000, "llm_tokens_out": 1000},
			})
		}
	}
	engine := httptest.NewServer(engineHandler)
	t.Cleanup(engine.Close)

	branding, err := LoadBranding("")
	require.NoError(t, err)

	s := New(Deps{
		ControlPlane: cpclient.New(cpSrv.URL, cpclient.WithMaxTries(2)),
		Engine:       NewEngineClient(engine.URL, 5*time.Second),
		Branding:     branding,
		Validator:    nil, // API-key auth only in these tests
		RunBudget:    10,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	gw := httptest.NewServer(s.Handler())
	t.Cleanup(gw.Close)

	return &env{gw: gw, cp: cp, engine: engine}
}

func (e *env) post(t *testing.T, path, apiKey string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.gw.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t, nil)

	var out runResponse
	code := e.post(t, "/v1/runs", "cmp_sk_valid", map[string]any{
		"input": map[string]any{"message": "hi"},
	}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "hello", out.Output["text"])
	assert.EqualValues(t, 7, out.Billing.Debited)
	assert.EqualValues(t, 93, out.Billing.Balance)

	calls := e.cp.settled()
	require.Len(t, calls, 1)
	assert.EqualValues(t, 5000, calls[0]["llm_tokens_in"])
}

func TestRunRequiresAuth(t *testing.T) {
	e := newEnv(t, nil)
	code := e.post(t, "/v1/runs", "", map[string]any{"input": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = e.post(t, "/v1/runs", "cmp_sk_wrong", map[string]any{"input": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRunInsufficientCredits(t *testing.T) {
	e := newEnv(t, nil)
	e.cp.allowed = false

	code := e.post(t, "/v1/runs", "cmp_sk_valid", map[string]any{"input": map[string]any{}}, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Empty(t, e.cp.settled(), "no reservation to settle when refused")
}

func TestRunEngineFailureReleasesHold(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	code := e.post(t, "/v1/runs", "cmp_sk_valid", map[string]any{"input": map[string]any{}}, nil)
	assert.Equal(t, http.StatusBadGateway, code)

	calls := e.cp.settled()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0], "hold released with empty usage")
}

func TestRunSettleFailureStillReturnsOutput(t *testing.T) {
	e := newEnv(t, nil)
	e.cp.settleFails = true

	var out runResponse
	code := e.post(t, "/v1/runs", "cmp_sk_valid", map[string]any{
		"input": map[string]any{"message": "hi"},
	}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", out.Output["text"])
	assert.EqualValues(t, 0, out.Billing.Debited)
	assert.EqualValues(t, 100, out.Billing.Balance, "pre-authorize balance on settle failure")
}

func TestRunKeyCannotTargetOtherInstance(t *testing.T) {
	e := newEnv(t, nil)
	code := e.post(t, "/v1/runs", "cmp_sk_valid", map[string]any{
		"instance_id": "inst-other",
		"input":       map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestWidgetSessionInit(t *testing.T) {
	e := newEnv(t, nil)

	var out widgetSessionResponse
	code := e.post(t, "/v1/widget/session:init", "cmp_sk_valid", map[string]any{
		"instance_id": "inst-1",
		"origin":      "https://example.com",
	}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, out.Token, "ws_")
	assert.True(t, out.ExpiresAt.After(time.Now()))
	require.NotNil(t, out.Branding)
	assert.True(t, out.Branding.PoweredBy)
}

func TestWidgetSessionRejectsUnlistedOrigin(t *testing.T) {
	e := newEnv(t, nil)
	code := e.post(t, "/v1/widget/session:init", "cmp_sk_valid", map[string]any{
		"instance_id": "inst-1",
		"origin":      "https://evil.example",
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSessionStoreLookup(t *testing.T) {
	var ss sessionStore
	token, _ := ss.issue("inst-1", "https://example.com")

	inst, origin, ok := ss.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, "inst-1", inst)
	assert.Equal(t, "https://example.com", origin)

	_, _, ok = ss.Lookup("ws_unknown")
	assert.False(t, ok)
}

func TestOriginAllowed(t *testing.T) {
	cfg := map[string]any{"widget_origins": []any{"https://a.example", "*"}}
	assert.True(t, originAllowed(cfg, "https://anything.example"))

	cfg = map[string]any{"widget_origins": []any{"https://a.example"}}
	assert.True(t, originAllowed(cfg, "https://a.example"))
	assert.False(t, originAllowed(cfg, "https://b.example"))
	assert.False(t, originAllowed(map[string]any{}, "https://a.example"))
}

func TestBrandingFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/branding.yaml"
	require.NoError(t, writeFile(path, `
default: acme
profiles:
  acme:
    logo_url: https://acme.example/logo.svg
    primary_color: "#112233"
    powered_by: false
  other:
    greeting: Hello
`))
	b, err := LoadBranding(path)
	require.NoError(t, err)

	acme := b.For("acme")
	assert.Equal(t, "acme", acme.Name)
	assert.Equal(t, "#112233", acme.PrimaryColor)
	assert.False(t, acme.PoweredBy)

	// Unknown keys fall back to the default profile.
	assert.Equal(t, "acme", b.For("missing").Name)
	assert.Equal(t, "Hello", b.For("other").Greeting)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
