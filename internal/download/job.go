// Package download implements the durable download queue: the job
// record, the file-backed store that persists it, and the worker loop
// that drains it. Queue state lives entirely on the local filesystem
// so that a restart (or crash) loses nothing.
package download

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fetchbox/backend/internal/organizer"
)

// Job statuses. A job is created pending, claimed in_progress, and
// either disappears on success or lands in failed. There is no
// persisted completed status: success is recorded by deleting the
// queue record and archiving the outcome.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusFailed     = "failed"
)

// Job is the persisted record of one download request. Timestamps are
// Unix seconds; optional fields are pointers so that absent values
// stay out of the serialized record entirely.
type Job struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Owner      string `json:"owner"`
	ClientID   string `json:"client_id,omitempty"`
	Category   string `json:"category"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`

	// CategoryError records a classification problem without blocking
	// the download; the job proceeds under the fallback category.
	CategoryError *string `json:"category_error,omitempty"`

	Filename     *string `json:"filename,omitempty"`
	OutputPath   *string `json:"output_path,omitempty"`
	SizeBytes    *int64  `json:"size_bytes,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	CreatedAt   int64  `json:"created_at"`
	LastUpdated int64  `json:"last_updated"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	FailedAt    *int64 `json:"failed_at,omitempty"`
}

// NewJob creates a pending job with a fresh ID. The owner is
// case-folded so the record always matches its on-disk location.
func NewJob(url, owner, clientID, category string) *Job {
	now := time.Now().Unix()
	return &Job{
		ID:          uuid.New().String(),
		URL:         url,
		Owner:       organizer.Normalize(owner),
		ClientID:    clientID,
		Category:    category,
		Status:      StatusPending,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// ShortID returns the filename-safe prefix used to tag output files,
// so a finished file can be traced back to its job.
func (j *Job) ShortID() string {
	id := strings.ReplaceAll(j.ID, "-", "_")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusFailed
}

// IsValidStatus reports whether s is a known job status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusFailed:
		return true
	}
	return false
}
