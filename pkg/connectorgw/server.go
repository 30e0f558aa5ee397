package connectorgw

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/cpclient"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/vault"
)

// ControlPlane is the slice of the control plane the connector
// gateway uses.
type ControlPlane interface {
	GetBinding(ctx context.Context, bindingID string) (*domain.ConnectorBinding, error)
}

// Deps wires the connector gateway.
type Deps struct {
	ControlPlane ControlPlane
	Secrets      vault.Secrets
	Executor     *Executor
	Limiter      Limiter
	Log          *slog.Logger
}

// Server terminates connector execution requests from the runtime.
// It is the only process that reads connector credentials; callers
// see results, never secrets.
type Server struct {
	cp       ControlPlane
	secrets  vault.Secrets
	executor *Executor
	limiter  Limiter
	log      *slog.Logger
}

func New(d Deps) *Server {
	if d.Executor == nil {
		d.Executor = NewExecutor(0)
	}
	return &Server{
		cp:       d.ControlPlane,
		secrets:  d.Secrets,
		executor: d.Executor,
		limiter:  d.Limiter,
		log:      d.Log,
	}
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connectors/execute", s.handleExecute)
	mux.HandleFunc("GET /connectors/bindings/{id}/validate", s.handleValidate)
	mux.HandleFunc("GET /health", api.HealthHandler("connector-gateway"))
	mux.HandleFunc("GET /ready", api.HealthHandler("connector-gateway"))
	return api.Chain(mux,
		api.TraceMiddleware,
		api.LoggingMiddleware(s.log),
	)
}

type executeRequest struct {
	InstanceID string         `json:"instance_id"`
	OrgID      string         `json:"org_id"`
	ProjectID  string         `json:"project_id"`
	BindingID  string         `json:"binding_id"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	RequestID  string         `json:"request_id,omitempty"`
	TimeoutMS  int            `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, r, "malformed request body")
		return
	}
	if req.BindingID == "" || req.ToolName == "" {
		api.WriteBadRequest(w, r, "binding_id and tool_name are required")
		return
	}

	if s.limiter != nil {
		actor := req.OrgID
		if actor == "" {
			actor = req.InstanceID
		}
		allowed, err := s.limiter.Allow(r.Context(), actor)
		if err != nil {
			s.log.Warn("rate limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			api.WriteTooManyRequests(w, r, 60)
			return
		}
	}

	binding, ok := s.loadBinding(w, r, req.BindingID)
	if !ok {
		return
	}
	secrets, err := s.secrets.Read(r.Context(), binding.SecretPath)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		api.WriteInternal(w, r, err)
		return
	}
	if len(secrets) == 0 {
		api.WriteErrorCode(w, r, api.CodeInternal, "credentials for this binding are missing")
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	result, execErr := s.executor.Execute(ctx, binding, secrets, req.ToolName, req.ToolInput)
	elapsed := time.Since(started).Milliseconds()

	resp := executeResponse{
		RequestID:       req.RequestID,
		ExecutionTimeMS: elapsed,
	}
	if execErr != nil {
		s.log.Warn("connector execution failed",
			"binding_id", binding.ID,
			"connector_type", binding.ConnectorType,
			"tool", req.ToolName,
			"error", execErr,
		)
		resp.Error = execErr.Error()
	} else {
		resp.Success = true
		resp.Result = result
	}
	// Execution failures are reported in-band so the runtime can feed
	// them back to the agent; HTTP status covers transport only.
	api.WriteJSON(w, http.StatusOK, resp)
}

type validateResponse struct {
	BindingID     string `json:"binding_id"`
	ConnectorType string `json:"connector_type"`
	Valid         bool   `json:"valid"`
	Detail        string `json:"detail,omitempty"`
}

// handleValidate checks that a binding is usable: active, with
// credentials present and a well-formed config. It never calls the
// external system.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	binding, ok := s.loadBinding(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	resp := validateResponse{BindingID: binding.ID, ConnectorType: binding.ConnectorType}

	secrets, err := s.secrets.Read(r.Context(), binding.SecretPath)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		api.WriteInternal(w, r, err)
		return
	}
	switch {
	case len(secrets) == 0:
		resp.Detail = "credentials missing from secret store"
	case binding.ConnectorType == "http" && binding.Config["base_url"] == nil:
		resp.Detail = "config has no base_url"
	case binding.ConnectorType == "mcp" && binding.Config["server_url"] == nil:
		resp.Detail = "config has no server_url"
	case binding.ConnectorType == "oauth2" && binding.Config["token_url"] == nil:
		resp.Detail = "config has no token_url"
	default:
		resp.Valid = true
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// loadBinding fetches the binding from the control plane and maps the
// failure modes; false means a response has already been written.
func (s *Server) loadBinding(w http.ResponseWriter, r *http.Request, id string) (*domain.ConnectorBinding, bool) {
	binding, err := s.cp.GetBinding(r.Context(), id)
	if err != nil {
		var cpErr *cpclient.Error
		if errors.As(err, &cpErr) && cpErr.Status == http.StatusNotFound {
			api.WriteNotFound(w, r, "binding not found")
			return nil, false
		}
		api.WriteUpstream(w, r, "control plane unavailable")
		return nil, false
	}
	if binding.Status == domain.BindingRevoked {
		api.WriteForbidden(w, r, "binding is revoked")
		return nil, false
	}
	return binding, true
}
