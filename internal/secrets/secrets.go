// Package secrets resolves named secrets from a backend and caches them in process.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	appErr "github.com/prguard/engine/pkg/errors"
)

// Store returns the current value of a named secret.
type Store interface {
	GetSecret(ctx context.Context, id string) (string, error)
}

// Source is a secret backend without caching.
type Source interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// cachedSecrets bounds how many distinct secret ids are kept in memory.
const cachedSecrets = 256

// CachedStore memoises a Source for ttl. Values may be up to ttl stale.
// A non-positive ttl disables caching.
type CachedStore struct {
	src   Source
	cache *expirable.LRU[string, string]
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(src Source, ttl time.Duration) *CachedStore {
	c := &CachedStore{src: src}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, string](cachedSecrets, nil, ttl)
	}
	return c
}

func (c *CachedStore) GetSecret(ctx context.Context, id string) (string, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(id); ok {
			return v, nil
		}
	}

	v, err := c.src.Fetch(ctx, id)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		c.cache.Add(id, v)
	}
	return v, nil
}

// Reset drops every cached value.
func (c *CachedStore) Reset() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// EnvSource reads SECRET_<ID> with the id upper-cased and dashes turned into underscores.
type EnvSource struct{}

func EnvKey(id string) string {
	return "SECRET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(id))
}

func (EnvSource) Fetch(_ context.Context, id string) (string, error) {
	v, ok := os.LookupEnv(EnvKey(id))
	if !ok || v == "" {
		return "", appErr.New(appErr.CodeNotFound, "secret not set").WithMeta("secret_id", id)
	}
	return v, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource reads secret:<id> keys.
type RedisSource struct {
	rdb stringGetter
}

func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Fetch(ctx context.Context, id string) (string, error) {
	v, err := s.rdb.Get(ctx, "secret:"+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", appErr.New(appErr.CodeNotFound, "secret not set").WithMeta("secret_id", id)
		}
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "fetch secret failed").WithMeta("secret_id", id)
	}
	return v, nil
}

// Backend names accepted by NewSource.
const (
	BackendEnv   = "env"
	BackendRedis = "redis"
)

// NewSource selects a backend by name. rdb is only used by the redis backend.
func NewSource(backend string, rdb redis.Cmdable) (Source, error) {
	switch backend {
	case BackendEnv:
		return EnvSource{}, nil
	case BackendRedis:
		if rdb == nil {
			return nil, appErr.New(appErr.CodeMisconfigured, "redis secret backend requires a redis client")
		}
		return NewRedisSource(rdb), nil
	}
	return nil, appErr.New(appErr.CodeMisconfigured, "unknown secret backend").WithMeta("backend", backend)
}
