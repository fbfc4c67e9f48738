package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/service"
)

// APIPrefix is the path prefix of every authenticated endpoint.
const APIPrefix = "/api/v1"

// defaultMaxBodySize bounds JSON request bodies, file contents included.
const defaultMaxBodySize = 64 << 20

// Router wires the HTTP API.
type Router struct {
	fileHandler         *FileHandler
	sharingGroupHandler *SharingGroupHandler
	tokenHandler        *TokenHandler
	authMiddleware      func(http.Handler) http.Handler
	health              repository.DatabaseHealth
	metrics             *metrics.Metrics
	metricsPath         string
	maxBodySize         int64
	logger              zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	Files         *service.FileService
	SharingGroups *service.SharingGroupService
	Users         *service.UserService
	Issuer        *auth.TokenIssuer

	// Health is pinged by /health; nil reports healthy.
	Health repository.DatabaseHealth

	// Metrics, when set, records requests and is served on MetricsPath.
	Metrics     *metrics.Metrics
	MetricsPath string

	// MaxBodySize bounds request bodies; 0 selects a 64MB limit.
	MaxBodySize int64

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	metricsPath := config.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	maxBodySize := config.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Router{
		fileHandler:         NewFileHandler(config.Files, config.Logger),
		sharingGroupHandler: NewSharingGroupHandler(config.SharingGroups, config.Users, config.Logger),
		tokenHandler:        NewTokenHandler(config.Users, config.Issuer, config.Logger),
		authMiddleware:      auth.Middleware(config.Issuer, auth.Config{}),
		health:              config.Health,
		metrics:             config.Metrics,
		metricsPath:         metricsPath,
		maxBodySize:         maxBodySize,
		logger:              config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(rt.maxBodySize))

	// Health and metrics (no auth)
	r.Get("/health", rt.handleHealth)
	if rt.metrics != nil {
		r.Method(http.MethodGet, rt.metricsPath, rt.metrics.Handler())
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Method(http.MethodPost, "/token", rt.tokenHandler)

		r.Group(func(r chi.Router) {
			r.Use(rt.authMiddleware)
			rt.fileHandler.RegisterRoutes(r)
			rt.sharingGroupHandler.RegisterRoutes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, APIError{
			Code:           "NotFound",
			Message:        "The requested resource does not exist.",
			HTTPStatusCode: http.StatusNotFound,
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, APIError{
			Code:           "MethodNotAllowed",
			Message:        "The specified method is not allowed against this resource.",
			HTTPStatusCode: http.StatusMethodNotAllowed,
		})
	})

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Ping(r.Context()); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requestLogger logs each request and records it in the HTTP metrics under its
// route pattern.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		rt.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), duration)

		rt.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Msg("request served")
	})
}
