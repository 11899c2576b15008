package api

import (
	"net/http"

	"github.com/fetchbox/backend/internal/download"
	apperrors "github.com/fetchbox/backend/internal/errors"
	"github.com/fetchbox/backend/internal/health"
	"github.com/fetchbox/backend/internal/history"
	"github.com/fetchbox/backend/internal/logger"
	"github.com/fetchbox/backend/internal/metrics"
)

// Router owns the mux and the middleware chain.
type Router struct {
	mux              *http.ServeMux
	handler          http.Handler
	downloadHandlers *DownloadHandler
	queueHandlers    *QueueHandler
	healthHandlers   *health.Handler
}

// NewRouter wires all handlers onto a mux. archive may be nil.
func NewRouter(service *download.Service, archive *history.Archive, checker *health.Checker) *Router {
	r := &Router{
		mux:              http.NewServeMux(),
		downloadHandlers: NewDownloadHandler(service),
		queueHandlers:    NewQueueHandler(service, archive),
		healthHandlers:   health.NewHandler(checker),
	}
	r.setupRoutes()
	r.handler = apperrors.RequestIDMiddleware(
		logger.LoggingMiddleware(
			metrics.Middleware(metrics.Default())(
				logger.RecoveryMiddleware(r.mux))))
	return r
}

// ServeHTTP applies the middleware chain and dispatches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Health and metrics
	r.mux.HandleFunc("GET /health", r.healthHandlers.HealthHandler)
	r.mux.HandleFunc("GET /health/live", r.healthHandlers.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.healthHandlers.ReadinessHandler)
	r.mux.HandleFunc("GET /metrics", metrics.Default().Handler())

	// Download routes
	r.mux.HandleFunc("POST /api/v1/download", r.downloadHandlers.Submit)
	r.mux.HandleFunc("GET /api/v1/status/{download_id}", r.downloadHandlers.Status)

	// Queue routes
	r.mux.HandleFunc("GET /api/v1/downloads/queue", r.queueHandlers.Queue)
	r.mux.HandleFunc("POST /api/v1/downloads/retry/{download_id}", r.queueHandlers.Retry)
	r.mux.HandleFunc("GET /api/v1/history", r.queueHandlers.History)
}
