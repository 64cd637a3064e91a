package diskcache

import (
	"bytes"
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildstore/buildstore/internal/pathinfo"
)

// FrontCache is an optional Redis-backed read-through layer in front
// of the SQLite disk cache, for deployments with many concurrent
// substitution clients sharing one cache directory (spec.md §4.3's
// "optional Redis front cache"). It caches narinfo bodies only —
// negative entries stay purely in SQLite, since their whole purpose is
// long-lived low-churn bookkeeping that a hot Redis tier gains little
// from.
//
// Grounded on the teacher's registry/storage/cache/redis.go connection
// pool pattern, adapted from garyburd/redigo's pool.Get()/conn.Do to
// the go.mod-pinned redis/go-redis/v9 client.
type FrontCache struct {
	client *redis.Client
}

// NewFrontCache wraps an already-configured *redis.Client.
func NewFrontCache(client *redis.Client) *FrontCache {
	return &FrontCache{client: client}
}

func narinfoCacheKey(cacheURL, hashPart string) string {
	return "narinfo::" + cacheURL + "::" + hashPart
}

// Get returns the cached narinfo for hashPart under cacheURL, rooted at
// storeDir, if still present in Redis.
func (f *FrontCache) Get(ctx context.Context, cacheURL, hashPart, storeDir string) (pathinfo.Info, bool, error) {
	raw, err := f.client.Get(ctx, narinfoCacheKey(cacheURL, hashPart)).Bytes()
	if err == redis.Nil {
		return pathinfo.Info{}, false, nil
	}
	if err != nil {
		return pathinfo.Info{}, false, err
	}
	info, err := pathinfo.ParseNarinfo(storeDir, bytes.NewReader(raw))
	if err != nil {
		return pathinfo.Info{}, false, err
	}
	return info, true, nil
}

// Set write-through caches info for ttl, the disk cache's configured
// positive TTL, keeping the two layers roughly in step.
func (f *FrontCache) Set(ctx context.Context, cacheURL string, info pathinfo.Info, ttl time.Duration) error {
	var buf bytes.Buffer
	if err := pathinfo.WriteNarinfo(&buf, info); err != nil {
		return err
	}
	return f.client.Set(ctx, narinfoCacheKey(cacheURL, info.Path.HashPart), buf.Bytes(), ttl).Err()
}

// Invalidate removes hashPart's entry from the front cache. `realize
// --refresh` purges only the disk cache and does not call it, so
// front-cache entries stay until their own TTL expires.
func (f *FrontCache) Invalidate(ctx context.Context, cacheURL, hashPart string) error {
	return f.client.Del(ctx, narinfoCacheKey(cacheURL, hashPart)).Err()
}
