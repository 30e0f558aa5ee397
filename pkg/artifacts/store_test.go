package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"nodes": []}`)
	sum, err := s.Put(ctx, "flows/copilot-1.0.0.json", data)
	require.NoError(t, err)
	assert.Len(t, sum, 64)
	assert.Equal(t, Checksum(data), sum)

	got, err := s.Get(ctx, "flows/copilot-1.0.0.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, "flows/copilot-1.0.0.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "flows/copilot-1.0.0.json"))
	_, err = s.Get(ctx, "flows/copilot-1.0.0.json")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.Exists(ctx, "flows/copilot-1.0.0.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../escape.json", []byte("x"))
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestFactoryDefaultsToFile(t *testing.T) {
	s, err := New(context.Background(), FactoryConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*FileStore)
	assert.True(t, ok)

	_, err = New(context.Background(), FactoryConfig{Backend: "tape"})
	assert.Error(t, err)
}
