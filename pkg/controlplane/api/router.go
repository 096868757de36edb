package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/pkg/controlplane/api/auth"
	"github.com/marmos91/dittolease/pkg/controlplane/api/handlers"
	apiMiddleware "github.com/marmos91/dittolease/pkg/controlplane/api/middleware"
)

// NewRouter creates the chi router of the status API.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe with manager counts
//   - GET /api/v1/leases - Lease tables by client GUID
//   - GET /api/v1/files - Files with their oplock records
//   - GET /api/v1/stats - Manager counts
//
// When jwtService is non-nil every /api/v1 route requires a Bearer token.
func NewRouter(source handlers.OplockSource, jwtService *auth.JWTService) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(source)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if jwtService != nil {
			r.Use(apiMiddleware.JWTAuth(jwtService))
		}
		if source == nil {
			r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
				handlers.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "oplock manager not initialized")
			})
			return
		}

		oplockHandler := handlers.NewOplockHandler(source)
		r.Get("/leases", oplockHandler.Leases)
		r.Get("/files", oplockHandler.Files)
		r.Get("/stats", oplockHandler.Stats)
	})

	return r
}

// requestLogger logs each request through the internal logger. Health
// probes are logged at DEBUG.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if strings.HasPrefix(r.URL.Path, "/health") {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
