package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedStoreForTest(t *testing.T) (*CachedStore, *MemDB) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis cache test")
	}
	rdb, err := NewRedisClient(context.Background(), url)
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	mem := NewMemoryDB()
	c := NewCachedStore(mem, rdb, time.Minute, discardLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, mem
}

func TestCachedStore_RevocationVisibleAfterNegativeCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newCachedStoreForTest(t)
	tok := "cache-test-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { c.rdb.Del(context.Background(), revokedKey(tok)) })

	revoked, err := c.IsTokenRevoked(ctx, tok)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, c.AddRevokedToken(ctx, tok, time.Now().Add(time.Hour)))

	revoked, err = c.IsTokenRevoked(ctx, tok)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestCachedStore_FillsFromDatabase(t *testing.T) {
	ctx := context.Background()
	c, mem := newCachedStoreForTest(t)
	tok := "cache-fill-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { c.rdb.Del(context.Background(), revokedKey(tok)) })

	// written behind the cache's back
	require.NoError(t, mem.AddRevokedToken(ctx, tok, time.Now().Add(time.Hour)))

	revoked, err := c.IsTokenRevoked(ctx, tok)
	require.NoError(t, err)
	assert.True(t, revoked)

	v, err := c.rdb.Get(ctx, revokedKey(tok)).Result()
	require.NoError(t, err)
	assert.Equal(t, cacheRevoked, v)
}

func TestRevokedKey(t *testing.T) {
	k := revokedKey("abc")
	assert.Equal(t, "revoked:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", k)
}
