package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientKVv2RoundTrip(t *testing.T) {
	stored := map[string]map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		switch {
		case r.Method == http.MethodPost:
			assert.Contains(t, r.URL.Path, "/v1/cmp/data/")
			var body struct {
				Data map[string]string `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored[r.URL.Path] = body.Data
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			data, ok := stored[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"data": data},
			})
		case r.Method == http.MethodDelete:
			assert.Contains(t, r.URL.Path, "/v1/cmp/metadata/")
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", "cmp")
	ctx := context.Background()

	path := "org-1/proj-1/github/abc"
	require.NoError(t, c.Write(ctx, path, map[string]string{"api_key": "s3cr3t"}))

	got, err := c.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got["api_key"])

	_, err = c.Read(ctx, "org-1/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, path))
}

func TestMemorySecretsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := map[string]string{"token": "abc"}
	require.NoError(t, m.Write(ctx, "p", in))
	in["token"] = "mutated"

	got, err := m.Read(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "abc", got["token"])

	require.NoError(t, m.Delete(ctx, "p"))
	_, err = m.Read(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
}
