// Package vault stores connector credentials in a KV version 2 secrets
// engine. Raw secret values pass through this package and nowhere else;
// they are never logged and never persisted in the domain store.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Secrets is the secret store contract.
type Secrets interface {
	Write(ctx context.Context, path string, data map[string]string) error
	Read(ctx context.Context, path string) (map[string]string, error)
	Delete(ctx context.Context, path string) error
}

// ErrNotFound is returned when a path holds no secret.
var ErrNotFound = fmt.Errorf("vault: secret not found")

// Client talks to a KV v2 engine over HTTP.
type Client struct {
	addr   string
	token  string
	mount  string
	client *http.Client
}

// NewClient builds a client for the engine mounted at mount.
func NewClient(addr, token, mount string) *Client {
	if mount == "" {
		mount = "secret"
	}
	return &Client{
		addr:   strings.TrimSuffix(addr, "/"),
		token:  token,
		mount:  mount,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Mount returns the engine mount, used when composing secret paths.
func (c *Client) Mount() string { return c.mount }

func (c *Client) url(kind, path string) string {
	return fmt.Sprintf("%s/v1/%s/%s/%s", c.addr, c.mount, kind, strings.TrimPrefix(path, "/"))
}

func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode vault request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	return resp, nil
}

// Write stores data at path.
func (c *Client) Write(ctx context.Context, path string, data map[string]string) error {
	resp, err := c.do(ctx, http.MethodPost, c.url("data", path), map[string]any{"data": data})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vault write: status %d", resp.StatusCode)
	}
	return nil
}

// Read returns the current version of the secret at path.
func (c *Client) Read(ctx context.Context, path string) (map[string]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("data", path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault read: status %d", resp.StatusCode)
	}
	var doc struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	return doc.Data.Data, nil
}

// Delete removes the secret and all its versions.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.url("metadata", path), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("vault delete: status %d", resp.StatusCode)
	}
	return nil
}

// Memory is an in-process Secrets for tests.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{secrets: map[string]map[string]string{}}
}

func (m *Memory) Write(_ context.Context, path string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	m.secrets[path] = cp
	return nil
}

func (m *Memory) Read(_ context.Context, path string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.secrets[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, path)
	return nil
}
