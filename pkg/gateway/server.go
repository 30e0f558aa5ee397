// Package gateway is the public runtime edge: it authenticates run
// requests, reserves budget with the Control Plane, invokes the
// execution engine, and settles actual usage.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/cpclient"
)

var tracer = otel.Tracer("cmp/gateway")

// keyIntrospector adapts Control Plane key introspection to the auth
// middleware's interface.
type keyIntrospector struct {
	cp *cpclient.Client
}

func (k keyIntrospector) AuthenticateKey(ctx context.Context, raw string) (*auth.Principal, error) {
	kc, err := k.cp.IntrospectKey(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !kc.Valid {
		return nil, nil
	}
	return &auth.Principal{
		Kind:       auth.KindAPIKey,
		Subject:    kc.KeyID,
		InstanceID: kc.InstanceID,
		OrgID:      kc.OrgID,
	}, nil
}

// Server is the Gateway HTTP surface.
type Server struct {
	cp        *cpclient.Client
	engine    *EngineClient
	branding  *Branding
	validator *auth.JWTValidator
	limiter   *api.GlobalRateLimiter
	runBudget int64
	log       *slog.Logger

	sessions sessionStore
}

// Deps carries the Gateway's wiring.
type Deps struct {
	ControlPlane *cpclient.Client
	Engine       *EngineClient
	Branding     *Branding
	Validator    *auth.JWTValidator
	RateLimitRPS int
	RateBurst    int
	RunBudget    int64
	Log          *slog.Logger
}

// New assembles the Gateway server.
func New(d Deps) *Server {
	s := &Server{
		cp:        d.ControlPlane,
		engine:    d.Engine,
		branding:  d.Branding,
		validator: d.Validator,
		runBudget: d.RunBudget,
		log:       d.Log.With("component", "gateway"),
	}
	if d.RateLimitRPS > 0 {
		s.limiter = api.NewGlobalRateLimiter(d.RateLimitRPS, d.RateBurst)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := auth.RequireAuth(s.validator, keyIntrospector{cp: s.cp})
	mux.Handle("POST /v1/runs", authed(http.HandlerFunc(s.handleRun)))
	mux.Handle("POST /v1/widget/session:init", authed(http.HandlerFunc(s.handleWidgetSession)))

	mux.HandleFunc("GET /health", api.HealthHandler("gateway"))
	mux.HandleFunc("GET /ready", api.HealthHandler("gateway"))

	mws := []func(http.Handler) http.Handler{
		api.TraceMiddleware,
		api.LoggingMiddleware(s.log),
	}
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware)
	}
	return api.Chain(mux, mws...)
}

type runRequest struct {
	InstanceID string         `json:"instance_id"`
	Input      map[string]any `json:"input"`
	Metadata   map[string]any `json:"metadata"`
}

type runBilling struct {
	Debited int64 `json:"debited"`
	Balance int64 `json:"balance"`
}

type runResponse struct {
	RunID   string           `json:"run_id"`
	Output  map[string]any   `json:"output"`
	Usage   map[string]int64 `json:"usage"`
	Billing runBilling       `json:"billing"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := auth.MustPrincipal(ctx)

	var req runRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}

	instanceID := req.InstanceID
	if p.Kind == auth.KindAPIKey {
		// API keys are bound to one instance; the body cannot widen that.
		if instanceID != "" && instanceID != p.InstanceID {
			api.WriteForbidden(w, r, "key is not bound to this instance")
			return
		}
		instanceID = p.InstanceID
	}
	if instanceID == "" {
		api.WriteBadRequest(w, r, "instance_id is required")
		return
	}

	ctx, span := tracer.Start(ctx, "gateway.run",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	authz, err := s.cp.Authorize(ctx, instanceID, s.runBudget)
	if err != nil {
		var cpErr *cpclient.Error
		if errors.As(err, &cpErr) && cpErr.Status == http.StatusNotFound {
			api.WriteNotFound(w, r, "unknown instance")
			return
		}
		s.log.ErrorContext(ctx, "authorize failed", "instance_id", instanceID, "error", err)
		api.WriteUpstream(w, r, "billing authorization unavailable")
		return
	}
	if !authz.Allowed {
		api.WritePaymentRequired(w, r, "insufficient credits")
		return
	}

	engineRes, err := s.engine.Invoke(ctx, EngineRequest{
		InstanceID: instanceID,
		Input:      req.Input,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "engine invocation failed",
			"instance_id", instanceID, "reservation_id", authz.ReservationID, "error", err)
		// Release the hold; the run produced nothing billable.
		if _, settleErr := s.cp.Settle(ctx, authz.ReservationID, instanceID, map[string]int64{}); settleErr != nil {
			s.log.WarnContext(ctx, "failed to release reservation after engine failure",
				"reservation_id", authz.ReservationID, "error", settleErr)
		}
		api.WriteUpstream(w, r, "engine invocation failed")
		return
	}

	billing := runBilling{}
	settle, err := s.cp.Settle(ctx, authz.ReservationID, instanceID, engineRes.Usage)
	if err != nil {
		// The run happened and cannot be retracted. Surface it with a zero
		// debit; reservation expiry bounds the inconsistency.
		s.log.ErrorContext(ctx, "settle failed after successful run",
			"reservation_id", authz.ReservationID, "instance_id", instanceID, "error", err)
		billing = runBilling{Debited: 0, Balance: authz.Balance}
	} else {
		billing = runBilling{Debited: settle.Debited, Balance: settle.Balance}
	}

	api.WriteJSON(w, http.StatusOK, runResponse{
		RunID:   uuid.NewString(),
		Output:  engineRes.Output,
		Usage:   engineRes.Usage,
		Billing: billing,
	})
}

// widgetSessionTTL bounds how long an issued widget token is accepted.
const widgetSessionTTL = time.Hour

type widgetSessionRequest struct {
	InstanceID string `json:"instance_id"`
	Origin     string `json:"origin"`
}

type widgetSessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Branding  *BrandingProfile `json:"branding"`
}

func (s *Server) handleWidgetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req widgetSessionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.InstanceID == "" || req.Origin == "" {
		api.WriteBadRequest(w, r, "instance_id and origin are required")
		return
	}

	ent, err := s.cp.InstanceEntitlements(ctx, req.InstanceID)
	if err != nil {
		var cpErr *cpclient.Error
		if errors.As(err, &cpErr) && cpErr.Status == http.StatusNotFound {
			api.WriteNotFound(w, r, "unknown instance")
			return
		}
		api.WriteUpstream(w, r, "control plane unavailable")
		return
	}
	if !originAllowed(ent.EffectiveConfig, req.Origin) {
		api.WriteForbidden(w, r, "origin not allowed for this instance")
		return
	}

	token, expiresAt := s.sessions.issue(req.InstanceID, req.Origin)
	api.WriteJSON(w, http.StatusOK, widgetSessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Branding:  s.branding.For(ent.Offering.Slug),
	})
}

// originAllowed checks the request origin against the instance's
// widget_origins allowlist. No allowlist means no widget embedding.
func originAllowed(cfg map[string]any, origin string) bool {
	raw, ok := cfg["widget_origins"]
	if !ok {
		return false
	}
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		allowed, ok := v.(string)
		if !ok {
			continue
		}
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// sessionStore holds issued widget tokens in memory. Tokens are opaque
// and replica-local; a widget re-inits after a server restart.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]widgetSession
}

type widgetSession struct {
	instanceID string
	origin     string
	expiresAt  time.Time
}

func (ss *sessionStore) issue(instanceID, origin string) (string, time.Time) {
	buf := make([]byte, 24)
	rand.Read(buf)
	token := "ws_" + base64.RawURLEncoding.EncodeToString(buf)
	expiresAt := time.Now().Add(widgetSessionTTL)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.sessions == nil {
		ss.sessions = map[string]widgetSession{}
	}
	// Opportunistic expiry sweep keeps the map bounded.
	for k, v := range ss.sessions {
		if time.Now().After(v.expiresAt) {
			delete(ss.sessions, k)
		}
	}
	ss.sessions[token] = widgetSession{instanceID: instanceID, origin: origin, expiresAt: expiresAt}
	return token, expiresAt
}

// Lookup validates a widget token and returns its instance binding.
func (ss *sessionStore) Lookup(token string) (string, string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	sess, ok := ss.sessions[token]
	if !ok || time.Now().After(sess.expiresAt) {
		return "", "", false
	}
	return sess.instanceID, sess.origin, true
}
