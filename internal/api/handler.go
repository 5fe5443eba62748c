// Package api serves the coordinator over HTTP for an external scheduler:
// start an operation, run the tasks elsewhere, then report their outcomes
// for commit.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/health"
	"bulkjob/internal/job"
	"bulkjob/internal/operation"
)

// maxRequestBodySize bounds request bodies; commit bodies carry one outcome per task.
const maxRequestBodySize = 1 << 20

// Handler contains HTTP handlers for the operations API.
type Handler struct {
	svc    *operation.Service
	health *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(svc *operation.Service, healthChecker *health.Checker) *Handler {
	return &Handler{svc: svc, health: healthChecker}
}

// CommitRequest carries every task outcome of an operation.
type CommitRequest struct {
	Outcomes []job.TaskOutcome `json:"outcomes"`
}

// AbandonRequest explains why the scheduler gave up.
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// StartOperation handles POST /v1/operations.
func (h *Handler) StartOperation(w http.ResponseWriter, r *http.Request) {
	var req operation.StartRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	view, err := h.svc.Start(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err, view)
		return
	}
	h.writeJSON(w, http.StatusCreated, view)
}

// ListOperations handles GET /v1/operations.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"operations": h.svc.List(r.Context())})
}

// GetOperation handles GET /v1/operations/{operationId}.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), r.PathValue("operationId"))
	if err != nil {
		h.handleError(w, r, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CommitOperation handles POST /v1/operations/{operationId}/commit.
func (h *Handler) CommitOperation(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	view, err := h.svc.Commit(r.Context(), r.PathValue("operationId"), req.Outcomes)
	if err != nil {
		h.handleError(w, r, err, view)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// AbandonOperation handles POST /v1/operations/{operationId}/abandon. The
// body is optional.
func (h *Handler) AbandonOperation(w http.ResponseWriter, r *http.Request) {
	var req AbandonRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	view, err := h.svc.Abandon(r.Context(), r.PathValue("operationId"), req.Reason)
	if err != nil {
		h.handleError(w, r, err, view)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// AbortOperation handles POST /v1/operations/{operationId}/abort.
func (h *Handler) AbortOperation(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Abort(r.Context(), r.PathValue("operationId"))
	if err != nil {
		h.handleError(w, r, err, view)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// DeleteOperation handles DELETE /v1/operations/{operationId}.
func (h *Handler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Forget(r.Context(), r.PathValue("operationId")); err != nil {
		h.handleError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez. It never checks dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when a required dependency is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

// handleError maps service errors to status codes. When the service still
// returned the operation, it is included so the caller sees the phase the
// failure left it in.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, view *operation.View) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.Warn("Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}

	body := map[string]any{"error": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	if view != nil {
		body["operation"] = view
	}
	h.writeJSON(w, status, body)
}
