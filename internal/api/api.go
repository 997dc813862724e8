package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/realtime"
	"github.com/kalambet/airlock/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds what the HTTP surface needs.
type AppDeps struct {
	Service  *workflow.Service
	Registry *realtime.Registry
	MCP      http.Handler // optional; mounted at /mcp when set
}

// NewAppHandler returns the router for the REST, real-time and MCP surfaces.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api/v1/airlock", func(r chi.Router) {
		r.Post("/items", handleCreateItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Route("/items/{id}", func(r chi.Router) {
			r.Get("/", handleGetItem(deps))
			r.Put("/", handleUpdateItem(deps))
			r.Post("/approve", handleApprove(deps))
			r.Post("/reject", handleReject(deps))
			r.Post("/request-changes", handleRequestChanges(deps))
			r.Post("/submit", handleResubmit(deps))
			r.Post("/messages", handleAppendMessage(deps))
			r.Get("/messages", handleListMessages(deps))
			r.Post("/feedback", handleAppendFeedback(deps))
			r.Get("/feedback", handleListFeedback(deps))
			r.Post("/revisions", handleCreateRevision(deps))
			r.Get("/revisions", handleListRevisions(deps))
			r.Get("/participants", handleParticipants(deps))
			r.Get("/audit", handleAuditTrail(deps))
			r.Get("/ws", handleWebSocket(deps))
		})
		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/dashboard/stats", handleStats(deps))
	})

	if deps.MCP != nil {
		r.Handle("/mcp", deps.MCP)
	}
	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, storageStatus, code := "ok", "ok", http.StatusOK
		if err := deps.Service.Ping(ctx); err != nil {
			slog.Warn("health check: storage unreachable", "error", err)
			status, storageStatus, code = "degraded", err.Error(), http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":             status,
			"storage":            storageStatus,
			"active_connections": deps.Registry.ConnectionCount(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNoChanges):
		httpError(w, http.StatusNotFound, "not_found_error", "no changes")
	case airlock.IsValidation(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case airlock.IsNotFound(err):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case airlock.IsInvalidState(err):
		httpError(w, http.StatusConflict, "invalid_state_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
