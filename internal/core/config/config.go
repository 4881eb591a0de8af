package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
	// PublishSource names this replica on the wire; empty disables publishing.
	PublishSource string
}

type BreakerCfg struct {
	Enabled             bool
	ConsecutiveFailures int
	Timeout             time.Duration
	Interval            time.Duration
	HalfOpenRequests    int
}

type Config struct {
	Addr      string
	LogLevel  string
	LogSample int

	RedisAddr      string
	RedisNamespace string
	CacheOpTimeout time.Duration

	ViewportCacheTTL        time.Duration
	AllMarkersCacheTTL      time.Duration
	ViewportCacheMaxEntries int
	DistCacheTTL            time.Duration
	DistCacheTagTTL         time.Duration
	DistCacheTags           []string

	InflightLinger time.Duration
	BatchWindow    time.Duration
	BatchMaxWait   time.Duration

	RateLimitStore  string
	RateLimitRules  string
	BackendIdentity string

	Breaker BreakerCfg

	MarkersFile  string
	MarkersH3Res int

	MetricsEnabled bool
	MetricsPath    string

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	window := getduration("BATCH_WINDOW", 50*time.Millisecond)

	store := strings.ToLower(getenv("RATE_LIMIT_STORE", "memory"))
	if store != "memory" && store != "redis" {
		store = "memory"
	}

	res := getint("MARKERS_H3_RES", 5)
	if res < 0 || res > 15 {
		res = 5
	}

	return Config{
		Addr:      getenv("ADDR", ":8090"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogSample: getint("LOG_SAMPLE_N", 0),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisNamespace: getenv("REDIS_NAMESPACE", "vpc"),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		ViewportCacheTTL:        getduration("VIEWPORT_CACHE_TTL", 30*time.Second),
		AllMarkersCacheTTL:      getduration("ALL_MARKERS_CACHE_TTL", 60*time.Second),
		ViewportCacheMaxEntries: getint("VIEWPORT_CACHE_MAX_ENTRIES", 1000),
		DistCacheTTL:            getduration("DIST_CACHE_TTL", 5*time.Minute),
		DistCacheTagTTL:         getduration("DIST_CACHE_TAG_TTL", 24*time.Hour),
		DistCacheTags:           splitList(getenv("DIST_CACHE_TAGS", "")),

		InflightLinger: getduration("INFLIGHT_LINGER", 2*time.Second),
		BatchWindow:    window,
		BatchMaxWait:   getduration("BATCH_MAX_WAIT", 4*window),

		RateLimitStore:  store,
		RateLimitRules:  getenv("RATE_LIMIT_RULES", "search=60s:120,submit=60s:10,vote=60s:30,resolve=1s:50"),
		BackendIdentity: getenv("BACKEND_IDENTITY", "backend"),

		Breaker: BreakerCfg{
			Enabled:             getbool("BREAKER_ENABLED", true),
			ConsecutiveFailures: getint("BREAKER_FAILURES", 5),
			Timeout:             getduration("BREAKER_TIMEOUT", 30*time.Second),
			Interval:            getduration("BREAKER_INTERVAL", time.Minute),
			HalfOpenRequests:    getint("BREAKER_HALF_OPEN_REQUESTS", 1),
		},

		MarkersFile:  getenv("MARKERS_FILE", ""),
		MarkersH3Res: res,

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),

		Invalidation: InvalidationCfg{
			Enabled:       getbool("INVALIDATION_ENABLED", false),
			Driver:        getenv("INVALIDATION_DRIVER", "none"),
			Topic:         getenv("KAFKA_TOPIC", "marker-invalidation"),
			Brokers:       getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID:       getenv("KAFKA_GROUP_ID", hostGroup()),
			PublishSource: getenv("INVALIDATION_PUBLISH_SOURCE", ""),
		},
	}
}

// every replica must see every invalidation, so each gets its own group
func hostGroup() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "viewport-cache"
	}
	return "viewport-cache-" + h
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// SplitList parses "a, b,,c" into [a b c].
func SplitList(s string) []string { return splitList(s) }

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
