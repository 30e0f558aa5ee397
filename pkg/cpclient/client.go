// Package cpclient is the typed HTTP client for the Control Plane's
// service-to-service APIs. The Gateway, Provisioner and Connector
// Gateway all talk to the Control Plane through it.
package cpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Error is a non-2xx Control Plane response, decoded from the standard
// error envelope when present.
type Error struct {
	Status  int
	Code    string
	Message string
	TraceID string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("control plane: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("control plane: status %d", e.Status)
}

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool { return e.Status >= 500 }

// Client calls the Control Plane with bounded retries. Transport
// errors and 5xx responses are retried with exponential backoff;
// 4xx responses are returned immediately.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxTries   uint
	authToken  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxTries bounds the total number of attempts per call.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = n }
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// New builds a client for the Control Plane at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxTries:   5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		cpErr := &Error{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
				TraceID string `json:"traceId"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			cpErr.Code = envelope.Error.Code
			cpErr.Message = envelope.Error.Message
			cpErr.TraceID = envelope.Error.TraceID
		}
		if cpErr.Retryable() {
			return nil, cpErr
		}
		return nil, backoff.Permanent(cpErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	data, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// AuthorizeResult is the outcome of a budget reservation.
type AuthorizeResult struct {
	Allowed       bool   `json:"allowed"`
	ReservationID string `json:"reservation_id"`
	Budget        int64  `json:"budget"`
	Balance       int64  `json:"balance"`
}

// Authorize reserves budget against the instance's wallet. A refusal
// for insufficient credits comes back as Allowed=false, not an error.
func (c *Client) Authorize(ctx context.Context, instanceID string, requestedBudget int64) (*AuthorizeResult, error) {
	req := map[string]any{"instance_id": instanceID}
	if requestedBudget > 0 {
		req["requested_budget"] = requestedBudget
	}
	var out AuthorizeResult
	if err := c.do(ctx, http.MethodPost, "/billing/authorize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SettleResult is the outcome of settling a reservation.
type SettleResult struct {
	Debited       int64  `json:"debited"`
	Balance       int64  `json:"balance"`
	LedgerEntryID string `json:"ledger_entry_id"`
	Status        string `json:"status"`
}

// Settle debits actual usage against a reservation. Safe to replay.
func (c *Client) Settle(ctx context.Context, reservationID, instanceID string, usage map[string]int64) (*SettleResult, error) {
	req := map[string]any{
		"reservation_id": reservationID,
		"instance_id":    instanceID,
		"usage":          usage,
	}
	var out SettleResult
	if err := c.do(ctx, http.MethodPost, "/billing/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProvisionRequest describes a paid order line that should become an
// instance.
type ProvisionRequest struct {
	OrderID    string            `json:"order_id"`
	UserEmail  string            `json:"user_email"`
	OfferingID string            `json:"offering_id"`
	PlanID     string            `json:"plan_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ProvisionResult is the provisioning outcome; APIKey is the only time
// the full key leaves the Control Plane.
type ProvisionResult struct {
	InstanceID string `json:"instance_id"`
	APIKey     string `json:"api_key"`
	Status     string `json:"status"`
}

// ProvisionInstance creates an instance for a commerce order,
// idempotent on (order, offering).
func (c *Client) ProvisionInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	var out ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/integrations/commerce/provision", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddCreditsRequest tops up the buyer's workspace wallet.
type AddCreditsRequest struct {
	OrderID      string `json:"order_id"`
	UserEmail    string `json:"user_email"`
	CreditAmount int64  `json:"credit_amount"`
}

// AddCreditsResult reports the applied top-up.
type AddCreditsResult struct {
	WalletID     string `json:"wallet_id"`
	CreditsAdded int64  `json:"credits_added"`
	NewBalance   int64  `json:"new_balance"`
}

// AddCredits applies a credit-pack purchase, idempotent on order id.
func (c *Client) AddCredits(ctx context.Context, req AddCreditsRequest) (*AddCreditsResult, error) {
	var out AddCreditsResult
	if err := c.do(ctx, http.MethodPost, "/integrations/commerce/add-credits", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeyContext is the introspection result for an API key. Valid=false
// means the credential was rejected; the zero remainder is then
// meaningless.
type KeyContext struct {
	Valid      bool   `json:"valid"`
	InstanceID string `json:"instance_id,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
}

// IntrospectKey validates an API key with the Control Plane.
func (c *Client) IntrospectKey(ctx context.Context, rawKey string) (*KeyContext, error) {
	req := map[string]string{"api_key": rawKey}
	var out KeyContext
	if err := c.do(ctx, http.MethodPost, "/api_keys/introspect", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entitlements is the runtime contract for one instance.
type Entitlements struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Offering   struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"offering"`
	Version struct {
		Label        string             `json:"label"`
		Artifact     domain.ArtifactRef `json:"artifact"`
		Capabilities []string           `json:"capabilities,omitempty"`
	} `json:"version"`
	Plan struct {
		Slug   string         `json:"slug"`
		Limits map[string]any `json:"limits,omitempty"`
	} `json:"plan"`
	EffectiveConfig map[string]any `json:"effective_config"`
}

// InstanceEntitlements fetches the resolved entitlements payload.
func (c *Client) InstanceEntitlements(ctx context.Context, instanceID string) (*Entitlements, error) {
	var out Entitlements
	if err := c.do(ctx, http.MethodGet, "/instances/"+instanceID+"/entitlements", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBinding loads a connector binding by id, secret path included.
// Service-to-service only; the user-facing binding routes never expose
// the secret path.
func (c *Client) GetBinding(ctx context.Context, bindingID string) (*domain.ConnectorBinding, error) {
	var out domain.ConnectorBinding
	if err := c.do(ctx, http.MethodGet, "/internal/bindings/"+bindingID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
