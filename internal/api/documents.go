package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/document"
)

const maxDocumentSize = 10 << 20 // 10MB

const defaultDocumentSource = "document_intake"

// handleUploadDocument accepts a multipart PDF upload and submits its text
// for review as a document item.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxDocumentSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read file: %v", err)
			return
		}
		filename := filepath.Base(header.Filename)
		doc, err := document.ExtractPDF(filename, data)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "cannot read document: %v", err)
			return
		}

		content, err := json.Marshal(doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode document: %v", err)
			return
		}

		source := r.FormValue("source_service")
		if source == "" {
			source = defaultDocumentSource
		}
		title := r.FormValue("title")
		if title == "" {
			title = strings.TrimSuffix(filename, filepath.Ext(filename))
		}
		sourceID := r.FormValue("source_id")
		if sourceID == "" {
			sourceID = uuid.NewString()
		}

		it, err := deps.Service.CreateItem(r.Context(), airlock.NewItem{
			ContentType:        airlock.ContentDocument,
			SourceService:      source,
			SourceID:           sourceID,
			Title:              title,
			Description:        r.FormValue("description"),
			Content:            content,
			Priority:           airlock.Priority(r.FormValue("priority")),
			AssignedReviewerID: r.FormValue("assigned_reviewer_id"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"item_id": it.ID,
			"status":  "created",
			"pages":   doc.Pages,
		})
	}
}
