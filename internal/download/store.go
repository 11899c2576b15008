package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fetchbox/backend/internal/logger"
	"github.com/fetchbox/backend/internal/organizer"
)

// Store errors
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already exists")
)

// Counts summarizes the queue state across all owners.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// StatusUpdate carries the optional fields a status transition may
// set. Nil fields are left untouched on the record.
type StatusUpdate struct {
	StartedAt     *int64
	CompletedAt   *int64
	Filename      *string
	OutputPath    *string
	SizeBytes     *int64
	ErrorMessage  *string
	Category      *string
	CategoryError *string
}

// Store persists jobs as one JSON file per job under the owner's
// bookkeeping folders. Pending and in-progress records live in the
// queue area, failed records in the failed area; a job is never in
// both for longer than the instant between a write and a delete.
//
// Every write goes through a temp-file-then-rename sequence so a
// record on disk is always either the old version or the new one,
// never a torn write. The mutex serializes multi-file sequences
// within this process; readers in other processes are protected by
// the rename alone.
type Store struct {
	mu      sync.Mutex
	folders *organizer.Organizer
	log     *logger.Logger
}

// NewStore creates a Store over the organizer's directory tree,
// creating the root if needed.
func NewStore(folders *organizer.Organizer) (*Store, error) {
	if err := folders.EnsureRoot(); err != nil {
		return nil, fmt.Errorf("failed to create downloads root: %w", err)
	}
	return &Store{
		folders: folders,
		log:     logger.Default().WithComponent("store"),
	}, nil
}

func (s *Store) queuePath(owner, id string) string {
	return filepath.Join(s.folders.QueueDir(owner), id+".json")
}

func (s *Store) failedPath(owner, id string) string {
	return filepath.Join(s.folders.FailedDir(owner), id+".json")
}

// Create persists a new job in the owner's queue area. A job ID that
// already exists in either area for this owner is rejected.
func (s *Store) Create(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.folders.EnsureUser(job.Owner); err != nil {
		return err
	}

	if fileExists(s.queuePath(job.Owner, job.ID)) || fileExists(s.failedPath(job.Owner, job.ID)) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	return s.writeRecord(s.queuePath(job.Owner, job.ID), job)
}

// Get looks up a job by ID. With an owner the lookup hits that
// owner's areas directly; with an empty owner every owner is
// searched. The failed area is consulted first: if a crash between
// the failed-area write and the queue-area delete left the record in
// both places, the failed copy is authoritative.
func (s *Store) Get(id, owner string) (*Job, error) {
	if owner != "" {
		return s.getForOwner(id, organizer.Normalize(owner))
	}

	owners, err := s.folders.Owners()
	if err != nil {
		return nil, err
	}
	for _, o := range owners {
		job, err := s.getForOwner(id, o)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (s *Store) getForOwner(id, owner string) (*Job, error) {
	for _, path := range []string{s.failedPath(owner, id), s.queuePath(owner, id)} {
		job, err := s.readRecord(path)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// UpdateStatus transitions a queue-area record to the given status
// and applies the update's non-nil fields. Failed records cannot be
// updated in place; MoveToFailed and Retry are the only paths that
// touch the failed area.
func (s *Store) UpdateStatus(id, owner, status string, upd StatusUpdate) (*Job, error) {
	if !IsValidStatus(status) || status == StatusFailed {
		return nil, fmt.Errorf("invalid status transition to %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner = organizer.Normalize(owner)
	path := s.queuePath(owner, id)
	job, err := s.readRecord(path)
	if err != nil {
		return nil, err
	}

	job.Status = status
	applyUpdate(job, upd)
	job.LastUpdated = time.Now().Unix()

	if err := s.writeRecord(path, job); err != nil {
		return nil, err
	}
	return job, nil
}

// MoveToFailed moves a queue-area record into the failed area with
// the given error message. The failed copy is written before the
// queue copy is removed, so a crash in between leaves the record
// discoverable in at least one place.
func (s *Store) MoveToFailed(id, owner, message string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner = organizer.Normalize(owner)
	job, err := s.readRecord(s.queuePath(owner, id))
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	job.Status = StatusFailed
	job.ErrorMessage = &message
	job.FailedAt = &now
	job.LastUpdated = now

	if err := os.MkdirAll(s.folders.FailedDir(owner), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create failed area: %w", err)
	}
	if err := s.writeRecord(s.failedPath(owner, id), job); err != nil {
		return nil, err
	}
	if err := os.Remove(s.queuePath(owner, id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn(nil, "failed to remove queue record after move", map[string]interface{}{
			"job_id": id,
			"owner":  owner,
			"error":  err.Error(),
		})
	}
	return job, nil
}

// Complete removes a job's queue record. Deleting the record is what
// marks success; there is nothing else to write. Completing an
// already-completed job is a no-op.
func (s *Store) Complete(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.queuePath(organizer.Normalize(owner), id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove queue record: %w", err)
	}
	return nil
}

// Delete removes a job's record from whichever area holds it.
func (s *Store) Delete(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner = organizer.Normalize(owner)
	removed := false
	for _, path := range []string{s.queuePath(owner, id), s.failedPath(owner, id)} {
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove record: %w", err)
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// IncrementRetry bumps a record's retry counter in place, in
// whichever area holds it. Callers drive retries; the worker never
// requeues a job on its own.
func (s *Store) IncrementRetry(id, owner string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner = organizer.Normalize(owner)
	for _, path := range []string{s.failedPath(owner, id), s.queuePath(owner, id)} {
		job, err := s.readRecord(path)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		job.RetryCount++
		job.LastUpdated = time.Now().Unix()
		if err := s.writeRecord(path, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// ListPending returns pending jobs across all owners, oldest first.
// A limit of 0 means no limit.
func (s *Store) ListPending(limit int) ([]*Job, error) {
	jobs, err := s.scanQueues(StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return truncate(jobs, limit), nil
}

// ListInProgress returns in-progress jobs across all owners, oldest
// first.
func (s *Store) ListInProgress(limit int) ([]*Job, error) {
	jobs, err := s.scanQueues(StatusInProgress)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return truncate(jobs, limit), nil
}

// ListFailed returns failed jobs, most recent failure first. With an
// owner only that owner's failed area is read.
func (s *Store) ListFailed(owner string, limit int) ([]*Job, error) {
	var owners []string
	if owner != "" {
		owners = []string{organizer.Normalize(owner)}
	} else {
		all, err := s.folders.Owners()
		if err != nil {
			return nil, err
		}
		owners = all
	}

	var jobs []*Job
	for _, o := range owners {
		scanned, err := s.scanDir(s.folders.FailedDir(o))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, scanned...)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].LastUpdated > jobs[j].LastUpdated })
	return truncate(jobs, limit), nil
}

// Counts tallies records by status across all owners.
func (s *Store) Counts() (Counts, error) {
	var c Counts

	owners, err := s.folders.Owners()
	if err != nil {
		return c, err
	}
	for _, o := range owners {
		queued, err := s.scanDir(s.folders.QueueDir(o))
		if err != nil {
			return c, err
		}
		for _, job := range queued {
			switch job.Status {
			case StatusPending:
				c.Pending++
			case StatusInProgress:
				c.InProgress++
			}
		}

		failed, err := s.scanDir(s.folders.FailedDir(o))
		if err != nil {
			return c, err
		}
		c.Failed += len(failed)
	}
	c.Total = c.Pending + c.InProgress + c.Failed
	return c, nil
}

// ReapStale resets in-progress records whose last update is older
// than maxAge back to pending. Run at startup, it recovers jobs a
// previous process claimed and never finished.
func (s *Store) ReapStale(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	reaped := 0

	owners, err := s.folders.Owners()
	if err != nil {
		return 0, err
	}
	for _, o := range owners {
		jobs, err := s.scanDir(s.folders.QueueDir(o))
		if err != nil {
			return reaped, err
		}
		for _, job := range jobs {
			if job.Status != StatusInProgress || job.LastUpdated >= cutoff {
				continue
			}
			job.Status = StatusPending
			job.StartedAt = nil
			job.LastUpdated = time.Now().Unix()
			if err := s.writeRecord(s.queuePath(o, job.ID), job); err != nil {
				return reaped, err
			}
			reaped++
			s.log.Info(nil, "reset stale in-progress job", map[string]interface{}{
				"job_id": job.ID,
				"owner":  o,
			})
		}
	}
	return reaped, nil
}

// scanQueues collects queue-area records with the given status across
// all owners.
func (s *Store) scanQueues(status string) ([]*Job, error) {
	owners, err := s.folders.Owners()
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, o := range owners {
		scanned, err := s.scanDir(s.folders.QueueDir(o))
		if err != nil {
			return nil, err
		}
		for _, job := range scanned {
			if job.Status == status {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// scanDir reads every record in a bookkeeping directory. Records that
// fail to parse are logged and skipped rather than failing the scan:
// one corrupt file must not wedge the whole queue.
func (s *Store) scanDir(dir string) ([]*Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		job, err := s.readRecord(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.log.Warn(nil, "skipping unreadable queue record", map[string]interface{}{
				"path":  filepath.Join(dir, entry.Name()),
				"error": err.Error(),
			})
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) readRecord(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", path, err)
	}
	return &job, nil
}

// writeRecord writes a record atomically: marshal to a temp sibling,
// then rename over the target. Readers see either the previous record
// or the new one, never a partial write.
func (s *Store) writeRecord(path string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, job.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func applyUpdate(job *Job, upd StatusUpdate) {
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	if upd.Filename != nil {
		job.Filename = upd.Filename
	}
	if upd.OutputPath != nil {
		job.OutputPath = upd.OutputPath
	}
	if upd.SizeBytes != nil {
		job.SizeBytes = upd.SizeBytes
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = upd.ErrorMessage
	}
	if upd.Category != nil {
		job.Category = *upd.Category
	}
	if upd.CategoryError != nil {
		job.CategoryError = upd.CategoryError
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(jobs []*Job, limit int) []*Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
