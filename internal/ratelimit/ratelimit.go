// Package ratelimit implements a sliding-window log limiter keyed by
// (identity, endpoint).
//
// Every check prunes the log to the window, appends the current attempt and
// compares the count against the endpoint's rule. Rejected attempts stay in
// the log. The limiter fails open: an endpoint without a rule, or a store
// error, yields an allowed result with Remaining = -1.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/cache/keys"
	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

type Rule struct {
	Window      time.Duration
	MaxRequests int
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	Limit     int
}

// Store keeps the timestamp logs. Record prunes entries older than
// now-window, appends now and returns the resulting count.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

type Limiter struct {
	rules map[string]Rule
	store Store
	now   func() time.Time
	log   *slog.Logger
}

func New(store Store, rules map[string]Rule, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	rs := make(map[string]Rule, len(rules))
	for ep, r := range rules {
		if r.Window > 0 && r.MaxRequests > 0 {
			rs[ep] = r
		}
	}
	return &Limiter{
		rules: rs,
		store: store,
		now:   time.Now,
		log:   log.With("component", "ratelimit"),
	}
}

func (l *Limiter) Rule(endpoint string) (Rule, bool) {
	r, ok := l.rules[endpoint]
	return r, ok
}

// Endpoints lists the endpoints that carry a rule, sorted.
func (l *Limiter) Endpoints() []string {
	out := make([]string, 0, len(l.rules))
	for ep := range l.rules {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

func (l *Limiter) CheckLimit(ctx context.Context, identity, endpoint string) Result {
	now := l.now()
	rule, ok := l.rules[endpoint]
	if !ok {
		observability.ObserveRateLimit(endpoint, "no_rule")
		return Result{Allowed: true, Remaining: -1, ResetTime: now}
	}
	reset := now.Add(rule.Window)

	if l.store == nil {
		observability.ObserveRateLimit(endpoint, "fail_open")
		return Result{Allowed: true, Remaining: -1, ResetTime: reset, Limit: rule.MaxRequests}
	}

	count, err := l.store.Record(ctx, keys.RateLimit(identity, endpoint), now, rule.Window)
	if err != nil {
		observability.ObserveRateLimit(endpoint, "fail_open")
		l.log.Warn("rate limit store failed, allowing", "endpoint", endpoint, "err", err)
		return Result{Allowed: true, Remaining: -1, ResetTime: reset, Limit: rule.MaxRequests}
	}

	res := Result{
		Allowed:   count <= rule.MaxRequests,
		Remaining: max(0, rule.MaxRequests-count),
		ResetTime: reset,
		Limit:     rule.MaxRequests,
	}
	if res.Allowed {
		observability.ObserveRateLimit(endpoint, "allowed")
	} else {
		observability.ObserveRateLimit(endpoint, "rejected")
		l.log.Debug("rate limited", "endpoint", endpoint, "identity", identity, "count", count)
	}
	return res
}

// ParseRules reads "endpoint=window:max" pairs separated by commas,
// e.g. "search=60s:120,submit=60s:10".
func ParseRules(s string) (map[string]Rule, error) {
	out := map[string]Rule{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep, def, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit rule %q: missing '='", part)
		}
		win, maxReq, ok := strings.Cut(def, ":")
		if !ok {
			return nil, fmt.Errorf("rate limit rule %q: missing ':'", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(win))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("rate limit rule %q: bad window %q", part, win)
		}
		n, err := strconv.Atoi(strings.TrimSpace(maxReq))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("rate limit rule %q: bad max %q", part, maxReq)
		}
		out[strings.TrimSpace(ep)] = Rule{Window: d, MaxRequests: n}
	}
	return out, nil
}
