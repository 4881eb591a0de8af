// Package router holds the HTTP handlers for marker queries, invalidation and
// cache stats.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
	"github.com/mohammed-shakir/viewport-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/viewport-cache/internal/logger"
	"github.com/mohammed-shakir/viewport-cache/internal/viewport"
)

const maxInvalidateBody = 64 << 10

// MarkerService is what the handlers need from the viewport service.
type MarkerService interface {
	GetMarkersForViewport(ctx context.Context, b model.BoundingBox, zoom float64) ([]model.Marker, viewport.Source, error)
	GetAllMarkers(ctx context.Context) ([]model.Marker, error)
	Invalidate(ctx context.Context, tags []string) int
	Stats(ctx context.Context) viewport.Stats
}

// Publisher broadcasts an invalidation to the other replicas.
type Publisher interface {
	Publish(tags []string, reason string) (invalidation.Event, bool)
}

// HandleMarkers serves GET /markers?bbox=west,south,east,north&zoom=Z.
func HandleMarkers(logger *slog.Logger, svc MarkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bounds, zoom, err := ParseViewport(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, src, err := svc.GetMarkersForViewport(r.Context(), bounds, zoom)
		if err != nil {
			writeServiceError(r.Context(), logger, w, err)
			return
		}
		w.Header().Set("X-Cache", string(src))
		ctx := mylog.WithCacheStatus(r.Context(), string(src))
		logger.DebugContext(ctx, "markers served", "bbox", bounds.String(), "zoom", zoom, "count", len(out))
		writeJSON(w, http.StatusOK, out)
	}
}

func HandleAllMarkers(logger *slog.Logger, svc MarkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.GetAllMarkers(r.Context())
		if err != nil {
			writeServiceError(r.Context(), logger, w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type invalidateRequest struct {
	Tags   []string `json:"tags"`
	Reason string   `json:"reason,omitempty"`
}

type invalidateResponse struct {
	Tags      []string `json:"tags"`
	Removed   int      `json:"removed"`
	Published bool     `json:"published"`
	Version   uint64   `json:"version,omitempty"`
}

// HandleInvalidate serves POST /invalidate {"tags":[...]}. The local replica
// is cleared first; pub, when set, fans the event out to the others.
func HandleInvalidate(logger *slog.Logger, svc MarkerService, pub Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvalidateBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		tags := make([]string, 0, len(req.Tags))
		for _, t := range req.Tags {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		if len(tags) == 0 {
			http.Error(w, "tags must contain at least one non-empty tag", http.StatusBadRequest)
			return
		}

		resp := invalidateResponse{Tags: tags, Removed: svc.Invalidate(r.Context(), tags)}
		if pub != nil {
			ev, ok := pub.Publish(tags, req.Reason)
			resp.Published = ok
			if ok {
				resp.Version = ev.Version
			}
		}
		logger.InfoContext(r.Context(), "invalidate requested",
			"tags", tags, "removed", resp.Removed, "published", resp.Published)
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleCacheStats(svc MarkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats(r.Context()))
	}
}

// ParseViewport reads bbox (west,south,east,north in EPSG:4326) and zoom.
func ParseViewport(r *http.Request) (model.BoundingBox, float64, error) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("bbox"))
	if raw == "" {
		return model.BoundingBox{}, 0, errors.New("missing required parameter: bbox")
	}
	b, err := parseBBox(raw)
	if err != nil {
		return model.BoundingBox{}, 0, fmt.Errorf("invalid bbox: %w", err)
	}

	rawZoom := strings.TrimSpace(q.Get("zoom"))
	if rawZoom == "" {
		return model.BoundingBox{}, 0, errors.New("missing required parameter: zoom")
	}
	zoom, err := parseFloat(rawZoom)
	if err != nil || zoom < 0 || zoom > 30 {
		return model.BoundingBox{}, 0, fmt.Errorf("invalid zoom %q: must be a number in [0,30]", rawZoom)
	}
	return b, zoom, nil
}

func parseBBox(raw string) (model.BoundingBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.BoundingBox{}, errors.New("expected 4 comma-separated values: west,south,east,north")
	}
	var v [4]float64
	for i, name := range []string{"west", "south", "east", "north"} {
		f, err := parseFloat(parts[i])
		if err != nil {
			return model.BoundingBox{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	b := model.BoundingBox{West: v[0], South: v[1], East: v[2], North: v[3]}
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return model.BoundingBox{}, errors.New("longitude must be in [-180,180]")
	}
	if b.South < -90 || b.South > 90 || b.North < -90 || b.North > 90 {
		return model.BoundingBox{}, errors.New("latitude must be in [-90,90]")
	}
	return b, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}

func writeServiceError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, model.ErrAntimeridian):
		code = http.StatusBadRequest
	case errors.Is(err, viewport.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.Is(err, viewport.ErrBackendUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads the response
		return
	}
	if code >= 500 {
		logger.ErrorContext(ctx, "marker query failed", "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
