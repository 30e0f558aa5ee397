package controlplane

import (
	"net/http"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/provision"
)

type authorizeRequest struct {
	InstanceID      string `json:"instance_id"`
	RequestedBudget int64  `json:"requested_budget"`
}

type authorizeResponse struct {
	Allowed       bool   `json:"allowed"`
	ReservationID string `json:"reservation_id"`
	Budget        int64  `json:"budget"`
	Balance       int64  `json:"balance"`
	Available     int64  `json:"available"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.InstanceID == "" {
		api.WriteBadRequest(w, r, "instance_id is required")
		return
	}
	res, err := s.billing.Authorize(r.Context(), req.InstanceID, req.RequestedBudget)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, authorizeResponse{
		Allowed:       res.Allowed,
		ReservationID: res.ReservationID,
		Budget:        res.Reserved,
		Balance:       res.Balance,
		Available:     res.Available,
	})
}

type settleRequest struct {
	ReservationID string           `json:"reservation_id"`
	InstanceID    string           `json:"instance_id"`
	Usage         map[string]int64 `json:"usage"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.ReservationID == "" {
		api.WriteBadRequest(w, r, "reservation_id is required")
		return
	}
	res, err := s.billing.Settle(r.Context(), req.ReservationID, req.Usage)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type introspectRequest struct {
	APIKey string `json:"api_key"`
}

type introspectResponse struct {
	Valid      bool   `json:"valid"`
	InstanceID string `json:"instance_id,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
}

// handleIntrospect validates an API key for sibling services. An
// invalid credential is a negative result, not an error.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	p, err := s.instances.AuthenticateKey(r.Context(), req.APIKey)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	if p == nil {
		api.WriteJSON(w, http.StatusOK, introspectResponse{Valid: false})
		return
	}
	api.WriteJSON(w, http.StatusOK, introspectResponse{
		Valid:      true,
		InstanceID: p.InstanceID,
		OrgID:      p.OrgID,
		KeyID:      p.Subject,
	})
}

type provisionRequest struct {
	OrderID    string            `json:"order_id"`
	UserEmail  string            `json:"user_email"`
	OfferingID string            `json:"offering_id"`
	PlanID     string            `json:"plan_id"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.OrderID == "" || req.UserEmail == "" {
		api.WriteBadRequest(w, r, "order_id and user_email are required")
		return
	}
	res, created, err := s.provision.ProvisionInstance(r.Context(), provision.ProvisionInput{
		OrderID:    req.OrderID,
		UserEmail:  req.UserEmail,
		OfferingID: req.OfferingID,
		PlanID:     req.PlanID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, res)
}

type addCreditsRequest struct {
	OrderID      string `json:"order_id"`
	UserEmail    string `json:"user_email"`
	CreditAmount int64  `json:"credit_amount"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.OrderID == "" || req.UserEmail == "" {
		api.WriteBadRequest(w, r, "order_id and user_email are required")
		return
	}
	if req.CreditAmount <= 0 {
		api.WriteBadRequest(w, r, "credit_amount must be positive")
		return
	}
	res, created, err := s.provision.AddCredits(r.Context(), provision.AddCreditsInput{
		OrderID:      req.OrderID,
		UserEmail:    req.UserEmail,
		CreditAmount: req.CreditAmount,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, res)
}

type orderPaidResponse struct {
	OrderID string                  `json:"order_id"`
	Results []provision.LineOutcome `json:"results"`
}

func (s *Server) handleOrderPaid(w http.ResponseWriter, r *http.Request) {
	var order provision.OrderPaid
	if err := api.DecodeJSON(r, &order); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if order.OrderID == "" || order.UserEmail == "" {
		api.WriteBadRequest(w, r, "order_id and user_email are required")
		return
	}
	outcomes := s.provision.ProcessOrder(r.Context(), order)
	api.WriteJSON(w, http.StatusOK, orderPaidResponse{OrderID: order.OrderID, Results: outcomes})
}
