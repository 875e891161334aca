package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

const (
	cacheRevoked    = "1"
	cacheNotRevoked = "0"
)

// CachedStore fronts the revocation lookups of a Store with Redis. Every
// other method goes straight to the wrapped Store.
//
// Positive entries are written with SET after the database insert; negative
// entries only with SET NX, so a lookup racing a logout can never hide the
// revocation.
type CachedStore struct {
	Store
	rdb         *redis.Client
	negativeTTL time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewCachedStore wraps s. negativeTTL bounds how long a "not revoked" answer is cached.
func NewCachedStore(s Store, rdb *redis.Client, negativeTTL time.Duration, log *slog.Logger) *CachedStore {
	if negativeTTL <= 0 {
		negativeTTL = time.Minute
	}
	return &CachedStore{Store: s, rdb: rdb, negativeTTL: negativeTTL, log: log, now: time.Now}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *CachedStore) AddRevokedToken(ctx context.Context, token string, expiresAt time.Time) error {
	if err := c.Store.AddRevokedToken(ctx, token, expiresAt); err != nil {
		return err
	}
	ttl := expiresAt.Sub(c.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := c.rdb.Set(ctx, revokedKey(token), cacheRevoked, ttl).Err(); err != nil {
		// a stale "0" could survive until its TTL; drop it so the DB answers instead
		c.log.Warn("revocation.cache.set.fail", "err", err)
		_ = c.rdb.Del(ctx, revokedKey(token)).Err()
	}
	return nil
}

func (c *CachedStore) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	key := revokedKey(token)
	v, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return v == cacheRevoked, nil
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("revocation.cache.get.fail", "err", err)
	}

	revoked, err := c.Store.IsTokenRevoked(ctx, token)
	if err != nil {
		return false, err
	}
	if revoked {
		err = c.rdb.Set(ctx, key, cacheRevoked, c.negativeTTL).Err()
	} else {
		err = c.rdb.SetNX(ctx, key, cacheNotRevoked, c.negativeTTL).Err()
	}
	if err != nil {
		c.log.Warn("revocation.cache.fill.fail", "err", err)
	}
	return revoked, nil
}

func (c *CachedStore) Close() error {
	return errors.Join(c.rdb.Close(), c.Store.Close())
}

func revokedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return revokedKeyPrefix + hex.EncodeToString(sum[:])
}
