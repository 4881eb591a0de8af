// Package distcache is the shared, tag-addressable cache kept in Redis.
//
// Every entry is stored as {"data":...,"tags":[...]} under <ns>:entry:<key>,
// and every tag owns a set <ns>:tag:<tag> listing the entry keys carrying it.
// The cache never fails a caller: a missing store or any store error turns
// reads into misses and writes into no-ops.
package distcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/cache/keys"
	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

const (
	DefaultNamespace = "vpc"
	DefaultTTL       = 5 * time.Minute
	DefaultTagTTL    = 24 * time.Hour
)

// Store is the subset of the Redis client the cache needs.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetIndexed(ctx context.Context, key string, val []byte, ttl time.Duration, setKeys []string, setTTL time.Duration) error
	DelSetMembers(ctx context.Context, setKeys ...string) (int, error)
	DelMatch(ctx context.Context, pattern string, batch int64) (int, error)
	CountMatch(ctx context.Context, pattern string) (int64, error)
	UsedMemory(ctx context.Context) string
}

type Config struct {
	Namespace  string
	DefaultTTL time.Duration
	TagTTL     time.Duration
	// OpTimeout bounds every store round trip; 0 leaves the caller's deadline alone.
	OpTimeout time.Duration
}

type Stats struct {
	Connected  bool   `json:"connected"`
	Keys       int64  `json:"keys"`
	UsedMemory string `json:"usedMemory,omitempty"`
	Namespace  string `json:"namespace"`
}

type payload struct {
	Data json.RawMessage `json:"data"`
	Tags []string        `json:"tags,omitempty"`
}

type Cache struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

// New builds a cache over store. A nil store yields a cache that always misses.
func New(store Store, cfg Config, log *slog.Logger) *Cache {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.TagTTL <= 0 {
		cfg.TagTTL = DefaultTagTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, cfg: cfg, log: log.With("component", "distcache")}
}

func (c *Cache) Namespace() string { return c.cfg.Namespace }

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.OpTimeout)
	}
	return ctx, func() {}
}

func (c *Cache) fail(op, key string, err error) {
	observability.IncDistCacheError(op)
	c.log.Warn("distributed cache unavailable", "op", op, "key", key, "err", err)
}

// Get returns the stored data for key. Expiry is enforced by Redis.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	raw, ok, err := c.store.Get(ctx, keys.Entry(c.cfg.Namespace, key))
	if err != nil {
		c.fail("get", key, err)
		return nil, false
	}
	if !ok {
		observability.ObserveCacheResult("distributed", "miss")
		return nil, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.fail("decode", key, err)
		return nil, false
	}
	observability.ObserveCacheResult("distributed", "hit")
	return p.Data, true
}

// Set stores data (which must be valid JSON) under key with ttl and indexes it
// under every tag. ttl <= 0 uses the configured default.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration, tags ...string) {
	if c.store == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	body, err := json.Marshal(payload{Data: data, Tags: tags})
	if err != nil {
		c.fail("encode", key, err)
		return
	}

	tagKeys := make([]string, 0, len(tags))
	for _, t := range tags {
		tagKeys = append(tagKeys, keys.Tag(c.cfg.Namespace, t))
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.store.SetIndexed(ctx, keys.Entry(c.cfg.Namespace, key), body, ttl, tagKeys, c.cfg.TagTTL); err != nil {
		c.fail("set", key, err)
	}
}

// InvalidateByTags deletes every entry carrying any of tags, along with the
// tag sets, and reports how many entries were removed.
func (c *Cache) InvalidateByTags(ctx context.Context, tags []string) int {
	if c.store == nil || len(tags) == 0 {
		return 0
	}
	tagKeys := make([]string, 0, len(tags))
	for _, t := range tags {
		tagKeys = append(tagKeys, keys.Tag(c.cfg.Namespace, t))
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.store.DelSetMembers(ctx, tagKeys...)
	if err != nil {
		c.fail("invalidate", fmt.Sprint(tags), err)
		return 0
	}
	c.log.Debug("invalidated by tags", "tags", tags, "entries", n)
	return n
}

// Clear removes every entry and tag set in the namespace.
func (c *Cache) Clear(ctx context.Context) {
	if c.store == nil {
		return
	}
	for _, pattern := range []string{
		keys.Entry(c.cfg.Namespace, "*"),
		keys.Tag(c.cfg.Namespace, "") + "*",
	} {
		octx, cancel := c.opCtx(ctx)
		_, err := c.store.DelMatch(octx, pattern, 500)
		cancel()
		if err != nil {
			c.fail("clear", pattern, err)
			return
		}
	}
}

// Stats reports connectivity and size. It never fails.
func (c *Cache) Stats(ctx context.Context) Stats {
	st := Stats{Namespace: c.cfg.Namespace}
	if c.store == nil {
		return st
	}
	pctx, cancel := c.opCtx(ctx)
	err := c.store.Ping(pctx)
	cancel()
	if err != nil {
		c.fail("stats", "", err)
		return st
	}
	st.Connected = true

	cctx, cancel := c.opCtx(ctx)
	n, err := c.store.CountMatch(cctx, keys.Entry(c.cfg.Namespace, "*"))
	cancel()
	if err != nil {
		c.fail("stats", "", err)
	} else {
		st.Keys = n
	}
	mctx, cancel := c.opCtx(ctx)
	st.UsedMemory = c.store.UsedMemory(mctx)
	cancel()
	return st
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var out T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		c.fail("decode", key, err)
		var zero T
		return zero, false
	}
	return out, true
}

func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration, tags ...string) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.fail("encode", key, err)
		return
	}
	c.Set(ctx, key, raw, ttl, tags...)
}
