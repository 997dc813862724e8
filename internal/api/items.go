package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/airlock/internal/airlock"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type approveRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Comments   string `json:"comments"`
}

type rejectRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
	Comments   string `json:"comments"`
}

type requestChangesRequest struct {
	ReviewerID      string   `json:"reviewer_id"`
	Reason          string   `json:"reason"`
	RequiredChanges []string `json:"required_changes"`
}

type resubmitRequest struct {
	SubmittedBy string `json:"submitted_by"`
	Comments    string `json:"comments"`
}

func handleCreateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req airlock.NewItem
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := deps.Service.CreateItem(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"item_id": it.ID, "status": "created"})
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		items, err := deps.Service.ListItems(r.Context(), airlock.ItemFilter{
			Status:           airlock.Status(q.Get("status")),
			AssignedReviewer: q.Get("assigned_reviewer"),
			SourceService:    q.Get("source_service"),
			ContentType:      airlock.ContentType(q.Get("content_type")),
			Priority:         airlock.Priority(q.Get("priority")),
			Limit:            parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			Offset:           parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if items == nil {
			items = []airlock.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Service.GetItem(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleUpdateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch airlock.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		updatedBy := r.URL.Query().Get("updated_by")
		if updatedBy == "" {
			updatedBy = "system"
		}
		if _, err := deps.Service.UpdateItem(r.Context(), chi.URLParam(r, "id"), patch, updatedBy); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req approveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := deps.Service.Approve(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Comments)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rejectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := deps.Service.Reject(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Reason, req.Comments)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleRequestChanges(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestChangesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := deps.Service.RequestChanges(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Reason, req.RequiredChanges)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleResubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := deps.Service.Resubmit(r.Context(), chi.URLParam(r, "id"), req.SubmittedBy, req.Comments)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Service.Stats(r.Context(), r.URL.Query().Get("reviewer_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
