package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/airlock/internal/airlock"
)

type feedbackRequest struct {
	airlock.NewFeedback
	SenderType airlock.ParticipantType `json:"sender_type,omitempty"`
}

func handleAppendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req airlock.NewMessage
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := deps.Service.AppendMessage(r.Context(), chi.URLParam(r, "id"), req, "")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Service.ListMessages(r.Context(), chi.URLParam(r, "id"),
			parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			parseIntParam(r, "offset", 0, 0),
		)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if msgs == nil {
			msgs = []airlock.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleAppendFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		fb, err := deps.Service.AppendFeedback(r.Context(), chi.URLParam(r, "id"), req.NewFeedback, req.SenderType, "")
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fb)
	}
}

func handleListFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fbs, err := deps.Service.ListFeedback(r.Context(), chi.URLParam(r, "id"),
			parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			parseIntParam(r, "offset", 0, 0),
		)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if fbs == nil {
			fbs = []airlock.Feedback{}
		}
		writeJSON(w, http.StatusOK, fbs)
	}
}

func handleCreateRevision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req airlock.NewRevision
		if !decodeBody(w, r, &req) {
			return
		}
		rev, err := deps.Service.CreateRevision(r.Context(), chi.URLParam(r, "id"), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rev)
	}
}

func handleListRevisions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		revs, err := deps.Service.ListRevisions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if revs == nil {
			revs = []airlock.Revision{}
		}
		writeJSON(w, http.StatusOK, revs)
	}
}

func handleParticipants(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Service.GetItem(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"item_id":      id,
			"participants": deps.Registry.Participants(id),
			"typing_users": deps.Registry.TypingUsers(id),
		})
	}
}

func handleAuditTrail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := deps.Service.AuditTrail(r.Context(), chi.URLParam(r, "id"),
			parseIntParam(r, "limit", defaultPageSize, maxPageSize),
			parseIntParam(r, "offset", 0, 0),
		)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if events == nil {
			events = []airlock.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}
