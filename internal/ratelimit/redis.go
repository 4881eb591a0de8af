package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/logger"
)

type slidingWindow interface {
	SlidingWindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)
}

// RedisStore keeps each log as a sorted set scored by milliseconds, so that
// every replica enforces the same limit.
type RedisStore struct {
	cli       slidingWindow
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(cli slidingWindow, opTimeout time.Duration) *RedisStore {
	return &RedisStore{cli: cli, opTimeout: opTimeout}
}

func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}
	// members must be unique or concurrent hits in the same instant collapse
	member := fmt.Sprintf("%d-%s", now.UnixNano(), logger.NewID())
	n, err := s.cli.SlidingWindowAdd(ctx, key, member, now, window)
	if err != nil {
		return 0, fmt.Errorf("ratelimit record %q: %w", key, err)
	}
	return int(n), nil
}
