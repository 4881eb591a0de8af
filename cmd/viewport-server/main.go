package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/viewport-cache/internal/cache/distcache"
	"github.com/mohammed-shakir/viewport-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/viewport-cache/internal/core/config"
	"github.com/mohammed-shakir/viewport-cache/internal/core/health"
	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
	"github.com/mohammed-shakir/viewport-cache/internal/core/router"
	"github.com/mohammed-shakir/viewport-cache/internal/core/server"
	"github.com/mohammed-shakir/viewport-cache/internal/invalidation"
	"github.com/mohammed-shakir/viewport-cache/internal/logger"
	"github.com/mohammed-shakir/viewport-cache/internal/markerstore"
	"github.com/mohammed-shakir/viewport-cache/internal/metrics"
	"github.com/mohammed-shakir/viewport-cache/internal/ratelimit"
	"github.com/mohammed-shakir/viewport-cache/internal/viewport"
	"github.com/mohammed-shakir/viewport-cache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   cfg.LogSample,
		Component: "viewport-server",
		Version:   Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	var prov *metrics.Provider
	if cfg.MetricsEnabled {
		prov = metrics.Init(metrics.Config{
			Enabled: true,
			Path:    cfg.MetricsPath,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(prov.Registerer(), true)
	} else {
		observability.Init(nil, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting viewport server",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"rate_limit_store", cfg.RateLimitStore)

	// redis is optional: without it the service runs on its local caches
	var redisCli *redisstore.Client
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	cli, err := redisstore.New(pingCtx, cfg.RedisAddr)
	cancel()
	if err != nil {
		appLog.Warn("redis unavailable, distributed cache disabled", "addr", cfg.RedisAddr, "err", err)
	} else {
		redisCli = cli
		defer func() { _ = redisCli.Close() }()
	}

	var distStore distcache.Store
	if redisCli != nil {
		distStore = redisCli
	}
	dist := distcache.New(distStore, distcache.Config{
		Namespace:  cfg.RedisNamespace,
		DefaultTTL: cfg.DistCacheTTL,
		TagTTL:     cfg.DistCacheTagTTL,
		OpTimeout:  cfg.CacheOpTimeout,
	}, appLog)

	rules, err := ratelimit.ParseRules(cfg.RateLimitRules)
	if err != nil {
		appLog.Error("invalid RATE_LIMIT_RULES", "err", err)
		return 1
	}
	var limStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitStore == "redis" {
		if redisCli != nil {
			limStore = ratelimit.NewRedisStore(redisCli, cfg.CacheOpTimeout)
		} else {
			appLog.Warn("redis rate limit store requested but redis is down, using memory")
		}
	}
	limiter := ratelimit.New(limStore, rules, appLog)

	store, err := openMarkers(cfg)
	if err != nil {
		appLog.Error("marker store setup failed", "err", err)
		return 1
	}
	appLog.Info("markers loaded", "count", store.Len(), "file", cfg.MarkersFile, "h3_res", cfg.MarkersH3Res)

	var resolver viewport.Resolver = store
	if cfg.Breaker.Enabled {
		resolver = viewport.WithBreaker(resolver, viewport.BreakerConfig{
			Name:                "markerstore",
			MaxRequests:         uint32(max(1, cfg.Breaker.HalfOpenRequests)),
			Interval:            cfg.Breaker.Interval,
			Timeout:             cfg.Breaker.Timeout,
			ConsecutiveFailures: uint32(max(1, cfg.Breaker.ConsecutiveFailures)),
			Logger:              appLog,
		})
	}

	svc := viewport.New(resolver, dist, limiter, viewport.Config{
		ViewportTTL:     cfg.ViewportCacheTTL,
		AllMarkersTTL:   cfg.AllMarkersCacheTTL,
		MaxEntries:      cfg.ViewportCacheMaxEntries,
		DistTTL:         cfg.DistCacheTTL,
		Tags:            cfg.DistCacheTags,
		Linger:          cfg.InflightLinger,
		BatchWindow:     cfg.BatchWindow,
		BatchMaxWait:    cfg.BatchMaxWait,
		BackendIdentity: cfg.BackendIdentity,
	}, appLog)
	defer svc.Close()

	var ready []health.ReadinessReporter
	kcfg := kafka.DefaultConfig()
	kcfg.Enabled = cfg.Invalidation.Enabled
	kcfg.Driver = kafka.Driver(strings.ToLower(cfg.Invalidation.Driver))
	kcfg.Brokers = config.SplitList(cfg.Invalidation.Brokers)
	kcfg.Topic = cfg.Invalidation.Topic
	kcfg.GroupID = cfg.Invalidation.GroupID

	runner := kafka.New(kcfg, svc, kafka.Options{Logger: appLog, Register: metricsRegisterer(prov)})
	if runner.Enabled() {
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation consumer failed to start", "err", err)
			return 1
		}
		defer runner.Stop()
		ready = append(ready, runner)
	}

	var pub router.Publisher
	if runner.Enabled() && cfg.Invalidation.PublishSource != "" {
		p, err := invalidation.NewPublisher(invalidation.PublisherConfig{
			Brokers: kcfg.Brokers,
			Topic:   kcfg.Topic,
			Source:  cfg.Invalidation.PublishSource,
			Logger:  appLog,
		})
		if err != nil {
			appLog.Error("invalidation publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = p.Close() }()
		pub = p
	}

	handler := server.NewHandler(server.Deps{
		Logger:    appLog,
		Service:   svc,
		Publisher: pub,
		Limiter:   limiter,
		Metrics:   prov,
		Readiness: ready,
	})
	if err := server.Run(ctx, cfg.Addr, appLog, handler); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func openMarkers(cfg config.Config) (*markerstore.Store, error) {
	if cfg.MarkersFile == "" {
		return markerstore.New(cfg.MarkersH3Res)
	}
	return markerstore.Load(cfg.MarkersFile, cfg.MarkersH3Res)
}

func metricsRegisterer(p *metrics.Provider) prometheus.Registerer {
	if p == nil {
		return nil
	}
	return p.Registerer()
}
