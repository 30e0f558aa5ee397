package connectorgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Executor dispatches a tool call to the external system behind a
// binding. Execution failures are ordinary results, not transport
// errors; only the caller's context or malformed bindings error out.
type Executor struct {
	httpClient *http.Client
}

// NewExecutor builds an executor with the given outbound timeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Executor{httpClient: &http.Client{Timeout: timeout}}
}

// Execute runs toolName against the binding's connector. The secrets
// map comes from the secret store and never appears in errors.
func (e *Executor) Execute(ctx context.Context, b *domain.ConnectorBinding, secrets map[string]string, toolName string, toolInput map[string]any) (any, error) {
	switch b.ConnectorType {
	case "http":
		return e.executeHTTP(ctx, b.Config, secrets, toolName, toolInput, "")
	case "mcp":
		return e.executeMCP(ctx, b.Config, toolName, toolInput)
	case "oauth2":
		token, err := e.fetchAccessToken(ctx, b.Config, secrets)
		if err != nil {
			return nil, err
		}
		return e.executeHTTP(ctx, b.Config, secrets, toolName, toolInput, "Bearer "+token)
	default:
		return nil, fmt.Errorf("unsupported connector type %q", b.ConnectorType)
	}
}

// executeHTTP resolves the tool from config and performs the request.
// A non-empty authOverride wins over the binding's api_key secret.
func (e *Executor) executeHTTP(ctx context.Context, config map[string]any, secrets map[string]string, toolName string, toolInput map[string]any, authOverride string) (any, error) {
	baseURL, _ := config["base_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("binding config has no base_url")
	}
	tool, err := lookupTool(config, toolName)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringField(tool, "method", http.MethodGet))
	path := stringField(tool, "path", "")

	target := strings.TrimSuffix(baseURL, "/") + path
	var body io.Reader
	switch method {
	case http.MethodGet:
		if len(toolInput) > 0 {
			q := url.Values{}
			for k, v := range toolInput {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + q.Encode()
		}
	case http.MethodPost, http.MethodPut:
		raw, err := json.Marshal(toolInput)
		if err != nil {
			return nil, fmt.Errorf("encode tool input: %w", err)
		}
		body = bytes.NewReader(raw)
	case http.MethodDelete:
		// no body
	default:
		return nil, fmt.Errorf("unsupported tool method %q", method)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case authOverride != "":
		req.Header.Set("Authorization", authOverride)
	case secrets["api_key"] != "":
		prefix := stringAt(config, "auth_header", "Bearer")
		req.Header.Set("Authorization", prefix+" "+secrets["api_key"])
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read connector response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("connector returned status %d", resp.StatusCode)
	}

	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		return decoded, nil
	}
	return string(data), nil
}

// executeMCP performs a JSON-RPC tools/call against an MCP server.
func (e *Executor) executeMCP(ctx context.Context, config map[string]any, toolName string, toolInput map[string]any) (any, error) {
	serverURL, _ := config["server_url"].(string)
	if serverURL == "" {
		return nil, fmt.Errorf("binding config has no server_url")
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": toolInput,
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp request failed: %w", err)
	}
	defer resp.Body.Close()
	var rpc struct {
		Result struct {
			Content any `json:"content"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("decode mcp response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	return rpc.Result.Content, nil
}

// fetchAccessToken exchanges the stored credentials for a bearer
// token. Refresh tokens win over client credentials; the call path
// always refreshes, no caching.
func (e *Executor) fetchAccessToken(ctx context.Context, config map[string]any, secrets map[string]string) (string, error) {
	tokenURL, _ := config["token_url"].(string)
	if tokenURL == "" {
		return "", fmt.Errorf("binding config has no token_url")
	}

	form := url.Values{}
	form.Set("client_id", secrets["client_id"])
	form.Set("client_secret", secrets["client_secret"])
	if rt := secrets["refresh_token"]; rt != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", rt)
	} else {
		form.Set("grant_type", "client_credentials")
	}
	if scope := stringAt(config, "scope", ""); scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return tok.AccessToken, nil
}

// lookupTool resolves config.tools[toolName].
func lookupTool(config map[string]any, toolName string) (map[string]any, error) {
	tools, _ := config["tools"].(map[string]any)
	raw, ok := tools[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %q not defined for this binding", toolName)
	}
	tool, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool %q has a malformed definition", toolName)
	}
	return tool, nil
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringAt(config map[string]any, key, fallback string) string {
	return stringField(config, key, fallback)
}
