// Package api exposes the daemon's HTTP surface: submitting
// downloads, inspecting the queue, retrying failures, and reading
// history.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/fetchbox/backend/internal/download"
	apperrors "github.com/fetchbox/backend/internal/errors"
)

// DownloadHandler serves the submission and status endpoints.
type DownloadHandler struct {
	service *download.Service
}

// NewDownloadHandler creates a download handler.
func NewDownloadHandler(service *download.Service) *DownloadHandler {
	return &DownloadHandler{service: service}
}

// SubmitRequest is the submission payload.
type SubmitRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	ClientID string `json:"client_id,omitempty"`
}

// SubmitResponse acknowledges a queued download.
type SubmitResponse struct {
	DownloadID string `json:"download_id"`
	Status     string `json:"status"`
	Category   string `json:"category"`
}

// Submit handles POST /api/v1/download. The request is acknowledged
// as soon as the record is durably queued; the worker picks it up
// later.
func (h *DownloadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("invalid JSON body"))
		return
	}

	job, err := h.service.Submit(r.Context(), req.URL, req.Username, req.ClientID)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusAccepted, SubmitResponse{
		DownloadID: job.ID,
		Status:     job.Status,
		Category:   job.Category,
	})
}

// Status handles GET /api/v1/status/{download_id}.
func (h *DownloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	id := r.PathValue("download_id")
	if _, err := uuid.Parse(id); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("download_id must be a valid UUID"))
		return
	}

	job, err := h.service.Get(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, job)
}
