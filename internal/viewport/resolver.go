package viewport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
)

// Resolver is the backend: it turns a viewport into the markers inside it.
// Timeouts and retries are the resolver's business.
type Resolver interface {
	Resolve(ctx context.Context, q model.ViewportQuery) ([]model.Marker, error)
}

type ResolverFunc func(ctx context.Context, q model.ViewportQuery) ([]model.Marker, error)

func (f ResolverFunc) Resolve(ctx context.Context, q model.ViewportQuery) ([]model.Marker, error) {
	return f(ctx, q)
}

// ErrBackendUnavailable wraps calls refused by an open breaker.
var ErrBackendUnavailable = errors.New("viewport: backend unavailable")

type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	Logger              *slog.Logger
}

type breakerResolver struct {
	next Resolver
	cb   *gobreaker.CircuitBreaker[[]model.Marker]
}

// WithBreaker makes r fail fast with ErrBackendUnavailable once it has failed
// ConsecutiveFailures times in a row, until Timeout has passed.
func WithBreaker(r Resolver, cfg BreakerConfig) Resolver {
	if cfg.Name == "" {
		cfg.Name = "resolver"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[[]model.Marker](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("resolver breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &breakerResolver{next: r, cb: cb}
}

func (b *breakerResolver) Resolve(ctx context.Context, q model.ViewportQuery) ([]model.Marker, error) {
	out, err := b.cb.Execute(func() ([]model.Marker, error) {
		return b.next.Resolve(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return out, err
}
