package download

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/fetchbox/backend/internal/classify"
	apperrors "github.com/fetchbox/backend/internal/errors"
	"github.com/fetchbox/backend/internal/logger"
	"github.com/fetchbox/backend/internal/metrics"
)

// Service is the API-facing surface over the store and worker.
type Service struct {
	store  *Store
	worker *Worker
	log    *logger.Logger
}

// NewService wires the store and worker behind one facade.
func NewService(store *Store, worker *Worker) *Service {
	return &Service{
		store:  store,
		worker: worker,
		log:    logger.Default().WithComponent("service"),
	}
}

// Submit validates a request and enqueues a new pending job.
func (s *Service) Submit(ctx context.Context, rawURL, owner, clientID string) (*Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	owner = strings.TrimSpace(owner)

	if rawURL == "" {
		return nil, apperrors.ValidationError("url is required")
	}
	if owner == "" {
		return nil, apperrors.ValidationError("username is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apperrors.ValidationError("url must be absolute with a scheme and host")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, apperrors.ValidationError("url scheme must be http or https")
	}
	if clientID = strings.TrimSpace(clientID); clientID == "" {
		clientID = "unknown"
	}

	job := NewJob(rawURL, owner, clientID, "")
	category, matched := classify.FromURL(rawURL)
	job.Category = category
	if !matched {
		// Classification never blocks a submission; the extractor
		// pass after the fetch gets a second chance.
		note := "no category rule matched the url"
		job.CategoryError = &note
	}

	if err := s.store.Create(job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			return nil, apperrors.DuplicateJob(job.ID)
		}
		return nil, apperrors.StoreError("failed to persist job").WithCause(err)
	}

	metrics.Default().IncCounter(metrics.CounterJobsSubmitted)
	s.log.Info(ctx, "job submitted", map[string]interface{}{
		"job_id":   job.ID,
		"owner":    job.Owner,
		"url":      job.URL,
		"category": job.Category,
	})
	return job, nil
}

// Get looks up a job by ID across all owners.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Get(id, "")
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, apperrors.DownloadNotFound().WithDetails(map[string]any{"download_id": id})
		}
		return nil, apperrors.StoreError("failed to read job").WithCause(err)
	}
	return job, nil
}

// QueueSnapshot is the aggregate view served by the queue endpoint.
type QueueSnapshot struct {
	Counts     Counts `json:"counts"`
	Pending    []*Job `json:"pending"`
	InProgress []*Job `json:"in_progress"`
	Failed     []*Job `json:"failed"`
}

// Queue returns the current queue contents across all owners.
func (s *Service) Queue(ctx context.Context, limit int) (*QueueSnapshot, error) {
	pending, err := s.store.ListPending(limit)
	if err != nil {
		return nil, apperrors.StoreError("failed to list pending jobs").WithCause(err)
	}
	inProgress, err := s.store.ListInProgress(limit)
	if err != nil {
		return nil, apperrors.StoreError("failed to list in-progress jobs").WithCause(err)
	}
	failed, err := s.store.ListFailed("", limit)
	if err != nil {
		return nil, apperrors.StoreError("failed to list failed jobs").WithCause(err)
	}
	counts, err := s.store.Counts()
	if err != nil {
		return nil, apperrors.StoreError("failed to count jobs").WithCause(err)
	}

	metrics.Default().SetQueueCounts(counts.Pending, counts.InProgress, counts.Failed)
	return &QueueSnapshot{
		Counts:     counts,
		Pending:    pending,
		InProgress: inProgress,
		Failed:     failed,
	}, nil
}

// Counts returns queue totals.
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	counts, err := s.store.Counts()
	if err != nil {
		return Counts{}, apperrors.StoreError("failed to count jobs").WithCause(err)
	}
	return counts, nil
}

// Retry resubmits a failed job as a brand-new pending record carrying
// an incremented retry counter, then drops the failed record. Only
// failed jobs can be retried; the worker never requeues on its own.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, apperrors.InvalidStatus("only failed downloads can be retried, current status is " + job.Status)
	}

	resubmitted := NewJob(job.URL, job.Owner, job.ClientID, job.Category)
	resubmitted.RetryCount = job.RetryCount + 1
	resubmitted.CategoryError = job.CategoryError

	if err := s.store.Create(resubmitted); err != nil {
		return nil, apperrors.StoreError("failed to resubmit job").WithCause(err)
	}
	if err := s.store.Delete(job.ID, job.Owner); err != nil && !errors.Is(err, ErrJobNotFound) {
		s.log.Warn(ctx, "failed to drop failed record after retry", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	metrics.Default().IncCounter(metrics.CounterJobsRetried)
	s.log.Info(ctx, "job resubmitted", map[string]interface{}{
		"job_id":      resubmitted.ID,
		"previous_id": job.ID,
		"owner":       job.Owner,
		"retry_count": resubmitted.RetryCount,
	})
	return resubmitted, nil
}

// WorkerRunning reports whether the worker loop is active.
func (s *Service) WorkerRunning() bool {
	return s.worker != nil && s.worker.IsRunning()
}

// Store exposes the underlying store for startup tasks.
func (s *Service) Store() *Store {
	return s.store
}
