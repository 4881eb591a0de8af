package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/viewport-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/viewport-cache/internal/core/middleware"
	"github.com/mohammed-shakir/viewport-cache/internal/core/router"
	"github.com/mohammed-shakir/viewport-cache/internal/metrics"
	"github.com/mohammed-shakir/viewport-cache/internal/ratelimit"
)

const (
	SearchEndpoint = "search"
	SubmitEndpoint = "submit"
)

// Deps is everything the HTTP surface is built from. Publisher, Limiter,
// Metrics and Readiness are optional.
type Deps struct {
	Logger    *slog.Logger
	Service   router.MarkerService
	Publisher router.Publisher
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Provider
	Readiness []health.ReadinessReporter
}

func NewHandler(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Readiness...))
	if d.Metrics != nil {
		r.Method(http.MethodGet, d.Metrics.Path(), d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(d.Limiter, SearchEndpoint, d.Logger))
		r.Get("/markers", router.HandleMarkers(d.Logger, d.Service))
		r.Get("/markers/all", router.HandleAllMarkers(d.Logger, d.Service))
	})
	r.With(middleware.RateLimit(d.Limiter, SubmitEndpoint, d.Logger)).
		Post("/invalidate", router.HandleInvalidate(d.Logger, d.Service, d.Publisher))
	r.Get("/cache/stats", router.HandleCacheStats(d.Service))
	return r
}

// Run serves handler on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
