package controlplane

import (
	"errors"
	"net/http"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/connectors"
)

type createBindingRequest struct {
	OrgID         string            `json:"org_id"`
	ProjectID     string            `json:"project_id"`
	ConnectorID   string            `json:"connector_id"`
	ConnectorType string            `json:"connector_type"`
	DisplayName   string            `json:"display_name"`
	Config        map[string]any    `json:"config"`
	Credentials   map[string]string `json:"credentials"`
}

func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createBindingRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.OrgID == "" || req.ConnectorID == "" || req.ConnectorType == "" {
		api.WriteBadRequest(w, r, "org_id, connector_id and connector_type are required")
		return
	}
	if !s.requireMembership(w, r, req.OrgID, p.Subject) {
		return
	}
	b, err := s.connectors.Create(r.Context(), connectors.CreateInput{
		OrgID:         req.OrgID,
		ProjectID:     req.ProjectID,
		ConnectorID:   req.ConnectorID,
		ConnectorType: req.ConnectorType,
		DisplayName:   req.DisplayName,
		Config:        req.Config,
		Secrets:       req.Credentials,
	})
	if err != nil {
		if errors.Is(err, connectors.ErrInvalidConfig) {
			api.WriteBadRequest(w, r, err.Error())
			return
		}
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgIDs, err := s.orgs.OrgIDs(r.Context(), p.Subject)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	list, err := s.connectors.ListForOrgs(r.Context(), orgIDs)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"bindings": list})
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	b, err := s.connectors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if !s.requireMembership(w, r, b.OrgID, p.Subject) {
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) handleRevokeBinding(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	b, err := s.connectors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if !s.requireMembership(w, r, b.OrgID, p.Subject) {
		return
	}
	if err := s.connectors.Revoke(r.Context(), b.ID); err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleBindingCredentials returns masked values only; the raw secret
// never crosses this API.
func (s *Server) handleBindingCredentials(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	b, err := s.connectors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if !s.requireMembership(w, r, b.OrgID, p.Subject) {
		return
	}
	masked, err := s.connectors.MaskedCredentials(r.Context(), b.ID)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"credentials": masked})
}

// handleInternalBinding serves the Connector Gateway, which needs the
// secret path to fetch credentials itself.
func (s *Server) handleInternalBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.connectors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}
