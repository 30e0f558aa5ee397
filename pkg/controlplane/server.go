// Package controlplane is the HTTP surface of the Control Plane: the
// sole writer of the domain store. It hosts the catalog, instance,
// wallet and connector APIs for the console, plus the open
// service-to-service billing and commerce intake routes used by the
// Gateway and the Provisioner.
package controlplane

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/artifacts"
	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/billing"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/connectors"
	"github.com/gsvlabs/cmp/pkg/instances"
	"github.com/gsvlabs/cmp/pkg/metering"
	"github.com/gsvlabs/cmp/pkg/orgs"
	"github.com/gsvlabs/cmp/pkg/provision"
	"github.com/gsvlabs/cmp/pkg/store"
)

// Deps carries the wired services the server fronts.
type Deps struct {
	Store      store.Store
	Billing    *billing.Service
	Catalog    *catalog.Service
	Orgs       *orgs.Service
	Instances  *instances.Service
	Provision  *provision.Service
	Connectors *connectors.Service
	Meter      metering.Recorder
	Artifacts  artifacts.Store
	Validator  *auth.JWTValidator
	Log        *slog.Logger
}

// Server routes Control Plane HTTP traffic onto the domain services.
type Server struct {
	store      store.Store
	billing    *billing.Service
	catalog    *catalog.Service
	orgs       *orgs.Service
	instances  *instances.Service
	provision  *provision.Service
	connectors *connectors.Service
	meter      metering.Recorder
	artifacts  artifacts.Store
	validator  *auth.JWTValidator
	log        *slog.Logger
}

// New assembles the server. The validator may be nil only in tests;
// protected routes then reject every bearer token.
func New(d Deps) *Server {
	return &Server{
		store:      d.Store,
		billing:    d.Billing,
		catalog:    d.Catalog,
		orgs:       d.Orgs,
		instances:  d.Instances,
		provision:  d.Provision,
		connectors: d.Connectors,
		meter:      d.Meter,
		artifacts:  d.Artifacts,
		validator:  d.Validator,
		log:        d.Log.With("component", "controlplane"),
	}
}

// Handler builds the full route table with tracing and request logging
// applied outermost.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Service-to-service routes: open, reachable only inside the
	// deployment perimeter.
	mux.HandleFunc("POST /billing/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /billing/settle", s.handleSettle)
	mux.HandleFunc("POST /api_keys/introspect", s.handleIntrospect)
	mux.HandleFunc("POST /integrations/commerce/provision", s.handleProvision)
	mux.HandleFunc("POST /integrations/commerce/add-credits", s.handleAddCredits)
	mux.HandleFunc("POST /integrations/saleor/order-paid", s.handleOrderPaid)
	mux.HandleFunc("GET /internal/bindings/{id}", s.handleInternalBinding)
	mux.HandleFunc("GET /instances/{id}/entitlements", s.handleEntitlements)
	mux.HandleFunc("GET /artifacts/{key...}", s.handleGetArtifact)

	// Public catalog.
	mux.HandleFunc("GET /offerings", s.handleListOfferings)
	mux.HandleFunc("GET /offerings/{id}", s.handleGetOffering)

	// Authenticated console routes.
	authed := auth.RequireAuth(s.validator, s.instances)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux.Handle("POST /offerings", protect(s.handleCreateOffering))
	mux.Handle("POST /offerings/{id}/publish", protect(s.handlePublishOffering))
	mux.Handle("GET /offerings/{id}/versions", protect(s.handleListVersions))
	mux.Handle("POST /offerings/{id}/versions", protect(s.handleCreateVersion))
	mux.Handle("POST /versions/{id}/publish", protect(s.handlePublishVersion))
	mux.Handle("PUT /versions/{id}/artifact", protect(s.handleUploadArtifact))
	mux.Handle("GET /offerings/{id}/plans", protect(s.handleListPlans))
	mux.Handle("POST /offerings/{id}/plans", protect(s.handleCreatePlan))

	mux.Handle("POST /instances", protect(s.handleCreateInstance))
	mux.Handle("GET /instances", protect(s.handleListInstances))
	mux.Handle("GET /instances/{id}", protect(s.handleGetInstance))
	mux.Handle("POST /instances/{id}/state", protect(s.handleInstanceState))
	mux.Handle("GET /instances/{id}/usage", protect(s.handleInstanceUsage))
	mux.Handle("GET /instances/{id}/api_keys", protect(s.handleListAPIKeys))
	mux.Handle("POST /instances/{id}/api_keys", protect(s.handleCreateAPIKey))
	mux.Handle("POST /instances/{id}/api_keys/{key_id}/revoke", protect(s.handleRevokeAPIKey))
	mux.Handle("POST /instances/trial", protect(s.handleStartTrial))

	mux.Handle("GET /wallets/me", protect(s.handleMyWallet))
	mux.Handle("GET /wallets/me/ledger", protect(s.handleMyLedger))
	mux.Handle("GET /wallets/{id}", protect(s.handleGetWallet))
	mux.Handle("POST /wallets/{id}/topups", protect(s.handleTopup))

	mux.Handle("POST /orgs/auto", protect(s.handleResolveWorkspace))
	mux.Handle("GET /orgs", protect(s.handleListOrgs))
	mux.Handle("GET /orgs/{id}", protect(s.handleGetOrg))
	mux.Handle("GET /orgs/{id}/projects", protect(s.handleListProjects))
	mux.Handle("POST /orgs/{id}/projects", protect(s.handleCreateProject))
	mux.Handle("GET /orgs/{id}/teams", protect(s.handleListTeams))
	mux.Handle("POST /orgs/{id}/members", protect(s.handleAddMember))
	mux.Handle("GET /orgs/{id}/members", protect(s.handleListMembers))

	mux.Handle("POST /connectors/bindings", protect(s.handleCreateBinding))
	mux.Handle("GET /connectors/bindings", protect(s.handleListBindings))
	mux.Handle("GET /connectors/bindings/{id}", protect(s.handleGetBinding))
	mux.Handle("POST /connectors/bindings/{id}/revoke", protect(s.handleRevokeBinding))
	mux.Handle("GET /connectors/bindings/{id}/credentials", protect(s.handleBindingCredentials))

	mux.HandleFunc("GET /health", api.HealthHandler("control-plane"))
	mux.HandleFunc("GET /ready", api.HealthHandler("control-plane"))

	return api.Chain(mux,
		api.TraceMiddleware,
		api.LoggingMiddleware(s.log),
	)
}

// writeDomainErr translates service-layer failures into the error
// envelope.
func (s *Server) writeDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, provision.ErrOfferingUnresolved),
		errors.Is(err, provision.ErrNoPlan),
		errors.Is(err, billing.ErrWalletMissing),
		errors.Is(err, catalog.ErrNoPublishedVersion):
		api.WriteNotFound(w, r, err.Error())
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, instances.ErrBadTransition),
		errors.Is(err, store.ErrFrozen),
		errors.Is(err, catalog.ErrFrozen),
		errors.Is(err, catalog.ErrNoArtifact):
		api.WriteConflict(w, r, err.Error())
	case errors.Is(err, orgs.ErrForbidden),
		errors.Is(err, connectors.ErrRevoked):
		api.WriteForbidden(w, r, err.Error())
	default:
		api.WriteInternal(w, r, err)
	}
}

// requireUser returns the user principal, writing 403 for API-key
// callers since console routes are user-only.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, r, "authentication required")
		return nil, false
	}
	if p.Kind != auth.KindUser {
		api.WriteForbidden(w, r, "route requires a user token")
		return nil, false
	}
	return p, true
}

// requireMembership checks the caller belongs to the org.
func (s *Server) requireMembership(w http.ResponseWriter, r *http.Request, orgID, userID string) bool {
	if _, err := s.orgs.Membership(r.Context(), orgID, userID); err != nil {
		if errors.Is(err, orgs.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
			api.WriteForbidden(w, r, "not a member of this organization")
		} else {
			api.WriteInternal(w, r, err)
		}
		return false
	}
	return true
}
