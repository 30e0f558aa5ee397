package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gsvlabs/cmp/pkg/resiliency"
)

// EngineClient invokes the execution engine synchronously. Engine runs
// can be slow, so the client carries its own generous timeout and the
// shared retry/breaker behavior.
type EngineClient struct {
	baseURL string
	client  *resiliency.Client
}

// NewEngineClient builds a client for the engine at baseURL.
func NewEngineClient(baseURL string, timeout time.Duration) *EngineClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &EngineClient{
		baseURL: baseURL,
		client:  resiliency.NewClient(timeout, 2),
	}
}

// EngineRequest is one synchronous run.
type EngineRequest struct {
	InstanceID string         `json:"instance_id"`
	Input      map[string]any `json:"input"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EngineResponse carries the run output and the usage counters the
// engine metered.
type EngineResponse struct {
	Output map[string]any   `json:"output"`
	Usage  map[string]int64 `json:"usage"`
}

// Invoke posts the run to the engine and decodes the result.
func (e *EngineClient) Invoke(ctx context.Context, req EngineRequest) (*EngineResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke engine: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	var out EngineResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	return &out, nil
}
