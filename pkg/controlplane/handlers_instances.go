package controlplane

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/instances"
)

type createInstanceRequest struct {
	OrgID             string         `json:"org_id"`
	ProjectID         string         `json:"project_id"`
	OfferingVersionID string         `json:"offering_version_id"`
	PlanID            string         `json:"plan_id"`
	Name              string         `json:"name"`
	Overrides         map[string]any `json:"overrides"`
	IdempotencyKey    string         `json:"idempotency_key"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createInstanceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.OrgID == "" || req.OfferingVersionID == "" || req.PlanID == "" {
		api.WriteBadRequest(w, r, "org_id, offering_version_id and plan_id are required")
		return
	}
	if !s.requireMembership(w, r, req.OrgID, p.Subject) {
		return
	}
	inst, created, err := s.instances.Create(r.Context(), instances.CreateInput{
		OrgID:             req.OrgID,
		ProjectID:         req.ProjectID,
		OfferingVersionID: req.OfferingVersionID,
		PlanID:            req.PlanID,
		Name:              req.Name,
		Overrides:         req.Overrides,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	list, err := s.instances.ListForUser(r.Context(), p.Subject)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"instances": list})
}

// loadOwnedInstance fetches the instance and checks the caller can see
// it: API-key principals are pinned to their own instance, users need
// a membership in the owning org.
func (s *Server) loadOwnedInstance(w http.ResponseWriter, r *http.Request, instanceID string) (*domain.Instance, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, r, "authentication required")
		return nil, false
	}
	inst, err := s.instances.Get(r.Context(), instanceID)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return nil, false
	}
	if p.Kind == auth.KindAPIKey {
		if p.InstanceID != inst.ID {
			api.WriteForbidden(w, r, "key is not bound to this instance")
			return nil, false
		}
		return inst, true
	}
	if !s.requireMembership(w, r, inst.OrgID, p.Subject) {
		return nil, false
	}
	return inst, true
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadOwnedInstance(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, inst)
}

// handleEntitlements serves the engine's runtime contract. The route is
// service-to-service: engines hold no user tokens.
func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	ent, err := s.instances.Entitlements(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ent)
}

type instanceStateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleInstanceState(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnedInstance(w, r, r.PathValue("id")); !ok {
		return
	}
	var req instanceStateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	inst, err := s.instances.Transition(r.Context(), r.PathValue("id"), domain.InstanceState(req.State))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceUsage(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadOwnedInstance(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.meter.ListByInstance(r.Context(), inst.ID, limit)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadOwnedInstance(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	keys, err := s.instances.ListAPIKeys(r.Context(), inst.ID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadOwnedInstance(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = "API Key"
	}
	raw, key, err := s.instances.CreateAPIKey(r.Context(), inst.ID, req.Name, req.ExpiresAt)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	// The full key is shown exactly once.
	api.WriteJSON(w, http.StatusCreated, map[string]any{"api_key": raw, "key": key})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnedInstance(w, r, r.PathValue("id")); !ok {
		return
	}
	if err := s.instances.RevokeAPIKey(r.Context(), r.PathValue("key_id")); err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

type startTrialRequest struct {
	ProductSlug string `json:"product_slug"`
}

func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req startTrialRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.ProductSlug == "" {
		api.WriteBadRequest(w, r, "product_slug is required")
		return
	}
	offering, err := s.catalog.ResolveOffering(r.Context(), req.ProductSlug)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	res, err := s.instances.StartTrial(r.Context(), p.Subject, p.Email, offering.ID)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, res)
}
