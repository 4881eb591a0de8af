// Package viewport answers "which markers are in this map viewport" while
// keeping the backend load bounded.
//
// A query goes through the local TTL cache, then the distributed cache, then
// joins any identical query already in flight. Only then is it queued on the
// batcher, checked against the backend rate limit and sent to the resolver.
// Successful results are written to both caches; failures reach every waiting
// caller and are never cached.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/batcher"
	"github.com/mohammed-shakir/viewport-cache/internal/cache/distcache"
	"github.com/mohammed-shakir/viewport-cache/internal/cache/keys"
	vpcache "github.com/mohammed-shakir/viewport-cache/internal/cache/viewport"
	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
	"github.com/mohammed-shakir/viewport-cache/internal/inflight"
	"github.com/mohammed-shakir/viewport-cache/internal/ratelimit"
)

// ErrRateLimited is returned when the backend guard rejects a fetch.
var ErrRateLimited = errors.New("viewport: backend rate limit exceeded")

const (
	AllMarkersKey = "all"
	MarkersTag    = "markers"
	// ResolveEndpoint is the rate-limit endpoint guarding the resolver.
	ResolveEndpoint = "resolve"
)

// Source tells where a result came from.
type Source string

const (
	SourceHit    Source = "hit"
	SourceShared Source = "shared"
	SourceMiss   Source = "miss"
)

// world covers every marker; GetAllMarkers resolves it.
var world = model.BoundingBox{North: 90, South: -90, East: 180, West: -180}

type Config struct {
	ViewportTTL   time.Duration
	AllMarkersTTL time.Duration
	MaxEntries    int
	DistTTL       time.Duration
	// Tags are attached to every distributed entry next to "markers".
	Tags []string
	// Linger keeps finished fetches shareable; 0 means the default, < 0 none.
	Linger          time.Duration
	BatchWindow     time.Duration
	BatchMaxWait    time.Duration
	BackendIdentity string
}

func (c *Config) defaults() {
	if c.ViewportTTL <= 0 {
		c.ViewportTTL = 30 * time.Second
	}
	if c.AllMarkersTTL <= 0 {
		c.AllMarkersTTL = 60 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = vpcache.DefaultMaxEntries
	}
	if c.DistTTL <= 0 {
		c.DistTTL = distcache.DefaultTTL
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = batcher.DefaultWindow
	}
	if c.BackendIdentity == "" {
		c.BackendIdentity = "backend"
	}
}

type Stats struct {
	Distributed     distcache.Stats `json:"distributed"`
	ViewportEntries int             `json:"viewportEntries"`
	AllEntries      int             `json:"allEntries"`
	Pending         int             `json:"pending"`
}

type Service struct {
	cfg      Config
	resolver Resolver
	dist     *distcache.Cache
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	local    *vpcache.Cache[[]model.Marker]
	all      *vpcache.Cache[[]model.Marker]
	inflight *inflight.Registry[[]model.Marker]
	batch    *batcher.Batcher[[]model.Marker]
	tags     []string

	// epoch counts invalidations. Results computed under an older epoch are
	// returned to their callers but never stored; writeMu orders stores
	// against Invalidate.
	epoch   atomic.Uint64
	writeMu sync.RWMutex
}

// New wires the service. dist and limiter may be nil: without dist only the
// local cache is used, without limiter the backend is unguarded.
func New(
	resolver Resolver,
	dist *distcache.Cache,
	limiter *ratelimit.Limiter,
	cfg Config,
	log *slog.Logger,
) *Service {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	if dist == nil {
		dist = distcache.New(nil, distcache.Config{}, log)
	}
	linger := cfg.Linger
	if linger == 0 {
		linger = inflight.DefaultLinger
	}

	tags := append([]string{MarkersTag}, cfg.Tags...)
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		dist:     dist,
		limiter:  limiter,
		log:      log.With("component", "viewport"),
		local:    vpcache.New[[]model.Marker]("viewport", cfg.ViewportTTL, vpcache.WithMaxEntries(cfg.MaxEntries)),
		all:      vpcache.New[[]model.Marker]("all_markers", cfg.AllMarkersTTL, vpcache.WithMaxEntries(1)),
		inflight: inflight.New[[]model.Marker](linger),
		batch: batcher.New[[]model.Marker](batcher.Config{
			Window:  cfg.BatchWindow,
			MaxWait: cfg.BatchMaxWait,
			Logger:  log,
		}),
		tags: tags,
	}
}

// GetMarkersForViewport returns the markers inside bounds at zoom.
func (s *Service) GetMarkersForViewport(
	ctx context.Context,
	bounds model.BoundingBox,
	zoom float64,
) ([]model.Marker, Source, error) {
	if err := bounds.Validate(); err != nil {
		return nil, "", err
	}
	key := keys.Viewport(bounds, zoom)
	q := model.ViewportQuery{Bounds: bounds, Zoom: zoom}
	return s.lookup(ctx, key, q, s.local, s.cfg.ViewportTTL)
}

// GetAllMarkers returns every marker the backend knows, cached under "all".
func (s *Service) GetAllMarkers(ctx context.Context) ([]model.Marker, error) {
	out, _, err := s.lookup(ctx, AllMarkersKey, model.ViewportQuery{Bounds: world}, s.all, s.cfg.AllMarkersTTL)
	return out, err
}

func (s *Service) lookup(
	ctx context.Context,
	key string,
	q model.ViewportQuery,
	local *vpcache.Cache[[]model.Marker],
	localTTL time.Duration,
) ([]model.Marker, Source, error) {
	if v, ok := local.Get(key); ok {
		return v, SourceHit, nil
	}
	epoch := s.epoch.Load()
	if v, ok := distcache.GetJSON[[]model.Marker](ctx, s.dist, key); ok {
		s.store(epoch, func() { local.Set(key, v) })
		return v, SourceShared, nil
	}

	// calls started before an invalidation must not be joined after it
	flightKey := key + "@" + strconv.FormatUint(epoch, 10)
	out, err := s.inflight.Execute(ctx, flightKey, func(ctx context.Context) ([]model.Marker, error) {
		return s.batch.Add(ctx, flightKey, func(ctx context.Context) ([]model.Marker, error) {
			return s.fetch(ctx, epoch, key, q, local, localTTL)
		})
	})
	if err != nil {
		return nil, "", err
	}
	return out, SourceMiss, nil
}

// store runs write unless an invalidation happened since epoch was read.
func (s *Service) store(epoch uint64, write func()) bool {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	if s.epoch.Load() != epoch {
		return false
	}
	write()
	return true
}

func (s *Service) fetch(
	ctx context.Context,
	epoch uint64,
	key string,
	q model.ViewportQuery,
	local *vpcache.Cache[[]model.Marker],
	localTTL time.Duration,
) ([]model.Marker, error) {
	if s.limiter != nil {
		if res := s.limiter.CheckLimit(ctx, s.cfg.BackendIdentity, ResolveEndpoint); !res.Allowed {
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, res.ResetTime.Format(time.RFC3339))
		}
	}

	start := time.Now()
	out, err := s.resolver.Resolve(ctx, q)
	observability.ObserveResolver(err, time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("resolver failed", "key", key, "err", err)
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if out == nil {
		out = []model.Marker{}
	}

	ttl := max(s.cfg.DistTTL, localTTL)
	stored := s.store(epoch, func() {
		local.Set(key, out)
		distcache.SetJSON(ctx, s.dist, key, out, ttl, s.tags...)
	})
	if !stored {
		s.log.Debug("result predates invalidation, not cached", "key", key)
	}
	return out, nil
}

// Invalidate drops every local entry and the distributed entries carrying
// any of tags; no tags means "markers". It returns the number of distributed
// entries removed.
func (s *Service) Invalidate(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		tags = []string{MarkersTag}
	}
	s.writeMu.Lock()
	s.epoch.Add(1)
	s.local.Clear()
	s.all.Clear()
	s.inflight.ForgetFinished()
	n := s.dist.InvalidateByTags(ctx, tags)
	s.writeMu.Unlock()
	s.log.Info("cache invalidated", "tags", tags, "distributed_entries", n)
	return n
}

func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Distributed:     s.dist.Stats(ctx),
		ViewportEntries: s.local.Len(),
		AllEntries:      s.all.Len(),
		Pending:         s.inflight.Pending(),
	}
}

// Close flushes the batcher. Queries issued after Close fail with batcher.ErrClosed.
func (s *Service) Close() {
	s.batch.Close()
}
