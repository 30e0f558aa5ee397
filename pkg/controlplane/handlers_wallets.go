package controlplane

import (
	"net/http"
	"strconv"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/domain"
)

func (s *Server) handleResolveWorkspace(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ws, err := s.orgs.Resolve(r.Context(), p.Subject, p.Email)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if ws.Created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, ws)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ids, err := s.orgs.OrgIDs(r.Context(), p.Subject)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	list := make([]domain.Organization, 0, len(ids))
	for _, id := range ids {
		org, err := s.store.GetOrganization(r.Context(), id)
		if err != nil {
			api.WriteInternal(w, r, err)
			return
		}
		list = append(list, *org)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"organizations": list})
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if !s.requireMembership(w, r, orgID, p.Subject) {
		return
	}
	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, org)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if !s.requireMembership(w, r, orgID, p.Subject) {
		return
	}
	projects, err := s.store.ListProjects(r.Context(), orgID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if err := s.orgs.RequireAdmin(r.Context(), orgID, p.Subject); err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	var req createProjectRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		api.WriteBadRequest(w, r, "name is required")
		return
	}
	project, err := s.orgs.CreateProject(r.Context(), orgID, req.Name)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if !s.requireMembership(w, r, orgID, p.Subject) {
		return
	}
	teams, err := s.orgs.Teams(r.Context(), orgID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if !s.requireMembership(w, r, orgID, p.Subject) {
		return
	}
	members, err := s.orgs.Members(r.Context(), orgID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"members": members})
}

type addMemberRequest struct {
	UserID string   `json:"user_id"`
	Role   string   `json:"role"`
	Teams  []string `json:"teams,omitempty"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID := r.PathValue("id")
	if err := s.orgs.RequireAdmin(r.Context(), orgID, p.Subject); err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	var req addMemberRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.UserID == "" {
		api.WriteBadRequest(w, r, "user_id is required")
		return
	}
	role := domain.Role(req.Role)
	if role == "" {
		role = domain.RoleMember
	}
	m, err := s.orgs.AddMember(r.Context(), orgID, req.UserID, role, req.Teams...)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMyWallet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ws, err := s.orgs.Resolve(r.Context(), p.Subject, p.Email)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ws.Wallet)
}

func (s *Server) handleMyLedger(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	ws, err := s.orgs.Resolve(r.Context(), p.Subject, p.Email)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	entries, err := s.store.ListLedgerEntries(r.Context(), ws.Wallet.ID, ledgerLimit(r))
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	wallet, err := s.store.GetWallet(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if !s.requireMembership(w, r, wallet.OrgID, p.Subject) {
		return
	}
	api.WriteJSON(w, http.StatusOK, wallet)
}

type topupRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// handleTopup is the operator-facing manual top-up; commerce purchases
// go through the intake routes instead. OWNER or ADMIN only.
func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	wallet, err := s.store.GetWallet(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if err := s.orgs.RequireAdmin(r.Context(), wallet.OrgID, p.Subject); err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	var req topupRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Amount <= 0 {
		api.WriteBadRequest(w, r, "amount must be positive")
		return
	}
	res, err := s.billing.Topup(r.Context(), wallet.ID, req.Amount, domain.EntryTopup, req.IdempotencyKey, map[string]any{
		"source":  "manual",
		"user_id": p.Subject,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func ledgerLimit(r *http.Request) int {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}
