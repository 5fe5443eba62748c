package api

import (
	"net/http"

	"bulkjob/internal/health"
	"bulkjob/internal/operation"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Operations    *operation.Service
	Metrics       HTTPRecorder
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates the service router with its middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Operations, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes are unauthenticated.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/operations", auth(http.HandlerFunc(handler.StartOperation)))
	mux.Handle("GET /v1/operations", auth(http.HandlerFunc(handler.ListOperations)))
	mux.Handle("GET /v1/operations/{operationId}", auth(http.HandlerFunc(handler.GetOperation)))
	mux.Handle("DELETE /v1/operations/{operationId}", auth(http.HandlerFunc(handler.DeleteOperation)))
	mux.Handle("POST /v1/operations/{operationId}/commit", auth(http.HandlerFunc(handler.CommitOperation)))
	mux.Handle("POST /v1/operations/{operationId}/abandon", auth(http.HandlerFunc(handler.AbandonOperation)))
	mux.Handle("POST /v1/operations/{operationId}/abort", auth(http.HandlerFunc(handler.AbortOperation)))

	// Outermost first.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	return h
}
