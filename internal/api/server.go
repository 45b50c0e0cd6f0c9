// Package api exposes the HTTP management surface: retries, exception
// lifecycle, queries and operational status.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bioflow/collector/internal/admission"
	"github.com/bioflow/collector/internal/cache"
	"github.com/bioflow/collector/internal/exceptions"
	"github.com/bioflow/collector/internal/retry"
	"github.com/bioflow/collector/internal/sourceconn"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server wires the management endpoints onto one HTTP listener.
type Server struct {
	server   *http.Server
	handlers *handlers
}

func NewServer(
	port int,
	exceptionSvc *exceptions.Service,
	orchestrator *retry.Orchestrator,
	validator *cache.Service,
	limiter *admission.Limiter,
	manager *sourceconn.Manager,
	storeHealth HealthChecker,
) *Server {
	h := &handlers{
		exceptions:   exceptionSvc,
		orchestrator: orchestrator,
		validator:    validator,
		limiter:      limiter,
		manager:      manager,
		storeHealth:  storeHealth,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/exceptions", h.listExceptions)
	mux.HandleFunc("GET /api/v1/exceptions/search", h.searchExceptions)
	mux.HandleFunc("GET /api/v1/exceptions/summary", h.summary)
	mux.HandleFunc("GET /api/v1/exceptions/{transactionId}", h.getException)
	mux.HandleFunc("GET /api/v1/exceptions/{transactionId}/related", h.relatedExceptions)
	mux.HandleFunc("PUT /api/v1/exceptions/{transactionId}/acknowledge", h.acknowledge)
	mux.HandleFunc("PUT /api/v1/exceptions/{transactionId}/resolve", h.resolve)
	mux.HandleFunc("PUT /api/v1/exceptions/{transactionId}/escalate", h.escalate)
	mux.HandleFunc("PUT /api/v1/exceptions/{transactionId}/close", h.closeException)

	mux.HandleFunc("POST /api/v1/exceptions/{transactionId}/retry", h.initiateRetry)
	mux.HandleFunc("GET /api/v1/exceptions/{transactionId}/retry-history", h.retryHistory)
	mux.HandleFunc("GET /api/v1/exceptions/{transactionId}/retry/latest", h.latestRetry)
	mux.HandleFunc("GET /api/v1/exceptions/{transactionId}/retry/statistics", h.retryStatistics)
	mux.HandleFunc("DELETE /api/v1/exceptions/{transactionId}/retry/{attemptNumber}", h.cancelRetry)

	mux.HandleFunc("DELETE /api/v1/cache/{transactionId}", h.invalidateCache)
	mux.HandleFunc("DELETE /api/v1/cache", h.invalidateAllCache)

	mux.HandleFunc("GET /api/v1/status/connection", h.connectionStatus)
	mux.HandleFunc("POST /api/v1/status/connection/reconnect", h.forceReconnect)
	mux.HandleFunc("GET /api/v1/status/concurrency", h.concurrencyStatus)

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		handlers: h,
	}
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
