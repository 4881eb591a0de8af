// Package redisstore wraps Redis client operations used by the distributed cache and the rate limiter.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

func WithMaxRetries(n int) Option {
	return func(o *redis.Options) { o.MaxRetries = n }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value and whether the key exists
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

// MGet returns a map of found keys to their values
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	if len(keys) == 0 {
		observability.ObserveCacheOp("mget", nil, time.Since(start).Seconds())
		return map[string][]byte{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	observability.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
			continue // missing key
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// SetIndexed writes key and adds it to every index set in one MULTI/EXEC.
// Index sets get setTTL so that they never expire before the entry.
func (c *Client) SetIndexed(
	ctx context.Context,
	key string,
	val []byte,
	ttl time.Duration,
	setKeys []string,
	setTTL time.Duration,
) error {
	start := time.Now()
	if setTTL < ttl {
		setTTL = ttl
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, val, ttl)
		for _, sk := range setKeys {
			p.SAdd(ctx, sk, key)
			if setTTL > 0 {
				p.Expire(ctx, sk, setTTL)
			}
		}
		return nil
	})
	observability.ObserveCacheOp("set_indexed", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q with %d index sets: %w", key, len(setKeys), err)
	}
	return nil
}

// delSetMembersScript reads and deletes every index set together with its
// members in one atomic step. Returns the number of distinct members.
var delSetMembersScript = redis.NewScript(`
local seen = {}
local n = 0
for _, sk in ipairs(KEYS) do
  for _, m in ipairs(redis.call('SMEMBERS', sk)) do
    if not seen[m] then
      seen[m] = true
      n = n + 1
      redis.call('DEL', m)
    end
  end
  redis.call('DEL', sk)
end
return n
`)

// DelSetMembers deletes every member of the given sets together with the sets
// themselves. It runs as a single script, so a concurrent SetIndexed lands
// either before (and is deleted) or after (and keeps its index membership).
func (c *Client) DelSetMembers(ctx context.Context, setKeys ...string) (int, error) {
	start := time.Now()
	if len(setKeys) == 0 {
		return 0, nil
	}
	n, err := delSetMembersScript.Run(ctx, c.rdb, setKeys).Int()
	observability.ObserveCacheOp("del_sets", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis delete members of %d sets: %w", len(setKeys), err)
	}
	return n, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// DelMatch scans keys matching pattern and deletes them in batches
func (c *Client) DelMatch(ctx context.Context, pattern string, batch int64) (int, error) {
	start := time.Now()
	if batch <= 0 {
		batch = 500
	}
	var (
		cursor  uint64
		deleted int
	)
	for {
		ks, next, err := c.rdb.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			observability.ObserveCacheOp("del_match", err, time.Since(start).Seconds())
			return deleted, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		if len(ks) > 0 {
			if err := c.rdb.Del(ctx, ks...).Err(); err != nil {
				observability.ObserveCacheOp("del_match", err, time.Since(start).Seconds())
				return deleted, fmt.Errorf("redis DEL %d keys: %w", len(ks), err)
			}
			deleted += len(ks)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observability.ObserveCacheOp("del_match", nil, time.Since(start).Seconds())
	return deleted, nil
}

// CountMatch counts keys matching pattern
func (c *Client) CountMatch(ctx context.Context, pattern string) (int64, error) {
	start := time.Now()
	var (
		cursor uint64
		n      int64
	)
	for {
		ks, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			observability.ObserveCacheOp("count_match", err, time.Since(start).Seconds())
			return n, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		n += int64(len(ks))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observability.ObserveCacheOp("count_match", nil, time.Since(start).Seconds())
	return n, nil
}

// SlidingWindowAdd records member at now in a sorted-set log, drops entries
// older than now-window and returns the number of entries left in the window.
func (c *Client) SlidingWindowAdd(
	ctx context.Context,
	key string,
	member string,
	now time.Time,
	window time.Duration,
) (int64, error) {
	start := time.Now()
	nowMs := now.UnixMilli()
	minMs := nowMs - window.Milliseconds()

	var card *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(minMs, 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card = p.ZCard(ctx, key)
		p.PExpire(ctx, key, window)
		return nil
	})
	observability.ObserveCacheOp("sliding_window", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis sliding window %q: %w", key, err)
	}
	return card.Val(), nil
}

// UsedMemory returns used_memory_human from INFO memory, or "" if the server does not report it
func (c *Client) UsedMemory(ctx context.Context) string {
	start := time.Now()
	info, err := c.rdb.Info(ctx, "memory").Result()
	observability.ObserveCacheOp("info", err, time.Since(start).Seconds())
	if err != nil {
		return ""
	}
	for ln := range strings.SplitSeq(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(ln), "used_memory_human:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
