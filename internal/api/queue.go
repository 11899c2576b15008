package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/fetchbox/backend/internal/download"
	apperrors "github.com/fetchbox/backend/internal/errors"
	"github.com/fetchbox/backend/internal/history"
)

// QueueHandler serves the queue, retry, and history endpoints.
type QueueHandler struct {
	service *download.Service
	archive *history.Archive
}

// NewQueueHandler creates a queue handler. archive may be nil when no
// history database is configured; the history endpoint then returns
// an empty list.
func NewQueueHandler(service *download.Service, archive *history.Archive) *QueueHandler {
	return &QueueHandler{service: service, archive: archive}
}

// Queue handles GET /api/v1/downloads/queue.
func (h *QueueHandler) Queue(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	snapshot, err := h.service.Queue(r.Context(), parseLimit(r, 100))
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, snapshot)
}

// Retry handles POST /api/v1/downloads/retry/{download_id}.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	id := r.PathValue("download_id")
	if _, err := uuid.Parse(id); err != nil {
		apperrors.WriteError(w, requestID, apperrors.BadRequest("download_id must be a valid UUID"))
		return
	}

	job, err := h.service.Retry(r.Context(), id)
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

// HistoryResponse wraps the archived download list.
type HistoryResponse struct {
	Downloads []history.Entry `json:"downloads"`
	Count     int             `json:"count"`
}

// History handles GET /api/v1/history. Supports ?username= and
// ?limit= filters.
func (h *QueueHandler) History(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	if h.archive == nil {
		apperrors.WriteJSON(w, requestID, http.StatusOK, HistoryResponse{Downloads: []history.Entry{}})
		return
	}

	entries, err := h.archive.List(r.Context(), r.URL.Query().Get("username"), parseLimit(r, 100))
	if err != nil {
		apperrors.WriteError(w, requestID, apperrors.HistoryError("failed to read history").WithCause(err))
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	apperrors.WriteJSON(w, requestID, http.StatusOK, HistoryResponse{
		Downloads: entries,
		Count:     len(entries),
	})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
