package payment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claims.db")
	c, err := OpenCache(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheMissReturnsFalse(t *testing.T) {
	c := openTestCache(t)
	_, ok := c.Get("chan-1", 0)
	require.False(t, ok)
}

func TestCachePutThenGetHitsHotPath(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("chan-1", 5, VerificationResult{Valid: true, VerifiedAt: 100}))

	result, ok := c.Get("chan-1", 5)
	require.True(t, ok)
	require.True(t, result.Valid)
	require.Equal(t, int64(100), result.VerifiedAt)
}

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.db")
	c1, err := OpenCache(path)
	require.NoError(t, err)
	require.NoError(t, c1.Put("chan-2", 1, VerificationResult{Valid: false, Error: "invalid_signature", VerifiedAt: 50}))
	require.NoError(t, c1.Close())

	c2, err := OpenCache(path)
	require.NoError(t, err)
	defer c2.Close()

	result, ok := c2.Get("chan-2", 1)
	require.True(t, ok)
	require.False(t, result.Valid)
	require.Equal(t, "invalid_signature", result.Error)
}

func TestCacheKeyDistinguishesNonce(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("chan-1", 1, VerificationResult{Valid: true}))
	_, ok := c.Get("chan-1", 2)
	require.False(t, ok)
}
