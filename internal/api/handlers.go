// Package api exposes the read-only HTTP surface of the recommendation service.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/persistence"
)

const maxPageSize = 200

// Option configures optional router behaviour.
type Option func(*Handler)

// WithCORS allows browser requests from the given origins.
func WithCORS(origins ...string) Option {
	return func(h *Handler) {
		h.corsOrigins = origins
	}
}

// WithRateLimit caps each client IP at requests per window. Zero disables it.
func WithRateLimit(requests int, window time.Duration) Option {
	return func(h *Handler) {
		h.rateRequests = requests
		h.rateWindow = window
	}
}

// Handler coordinates HTTP requests with the query service.
type Handler struct {
	service      *domain.QueryService
	logger       zerolog.Logger
	corsOrigins  []string
	rateRequests int
	rateWindow   time.Duration
}

// NewHandler builds a Handler.
func NewHandler(service *domain.QueryService, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logging.Component("api")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router serving the recommendation endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.accessLog)
	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/recommendations", func(r chi.Router) {
		if h.rateRequests > 0 && h.rateWindow > 0 {
			r.Use(httprate.LimitByIP(h.rateRequests, h.rateWindow))
		}
		r.Get("/user/{userId}", h.userRecommendations)
		r.Get("/activity/{activityId}", h.activityRecommendation)
	})
	return r
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) userRecommendations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(v, maxPageSize)
	}

	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cursor")
		return
	}

	recs, next, err := h.service.ListUserRecommendations(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := ListRecommendationsResponse{
		Items:      make([]RecommendationView, 0, len(recs)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, rec := range recs {
		resp.Items = append(resp.Items, toView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) activityRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetActivityRecommendation(r.Context(), chi.URLParam(r, "activityId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(*rec))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrRecommendationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "recommendation not found")
	case errors.Is(err, domain.ErrStore):
		h.logger.Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "recommendation store unavailable")
	default:
		h.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
