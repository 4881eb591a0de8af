package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	numShards = 64
	// every sweepEvery records a shard drops logs that have gone idle
	sweepEvery = 1024
)

type MemoryStore struct {
	shards [numShards]memShard
}

type memShard struct {
	mu     sync.Mutex
	m      map[string]*record
	writes int
}

type record struct {
	hits   []time.Time
	window time.Duration
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*record)
	}
	return s
}

func (s *MemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	sh := s.pick(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.writes++
	if sh.writes%sweepEvery == 0 {
		sh.sweep(now)
	}

	r := sh.m[key]
	if r == nil {
		r = &record{}
		sh.m[key] = r
	}
	r.window = window
	r.hits = prune(r.hits, now.Add(-window))
	r.hits = append(r.hits, now)
	return len(r.hits), nil
}

// prune drops timestamps before cutoff; hits are kept in ascending order
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

func (sh *memShard) sweep(now time.Time) {
	for k, r := range sh.m {
		if len(r.hits) == 0 || now.Sub(r.hits[len(r.hits)-1]) > r.window {
			delete(sh.m, k)
		}
	}
}

func (s *MemoryStore) pick(key string) *memShard {
	h := xxhash.Sum64String(key)
	return &s.shards[h&(numShards-1)]
}

// Size reports how many (identity, endpoint) logs are held.
func (s *MemoryStore) Size() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		total += len(s.shards[i].m)
		s.shards[i].mu.Unlock()
	}
	return total
}
