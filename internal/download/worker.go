package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fetchbox/backend/internal/classify"
	"github.com/fetchbox/backend/internal/fetch"
	"github.com/fetchbox/backend/internal/history"
	"github.com/fetchbox/backend/internal/logger"
	"github.com/fetchbox/backend/internal/metrics"
	"github.com/fetchbox/backend/internal/organizer"
)

// Archiver records finished downloads. *history.Archive implements
// it; tests substitute a fake.
type Archiver interface {
	Record(ctx context.Context, e history.Entry) error
}

// WorkerConfig controls the worker loop timing.
type WorkerConfig struct {
	// PollInterval is the sleep between queue scans when the queue is
	// empty or a job just finished.
	PollInterval time.Duration

	// FetchTimeout bounds one download attempt.
	FetchTimeout time.Duration
}

// Worker drains the queue one job at a time: claim the oldest
// pending record, fetch, decide success by looking at the output
// directory, and either archive-and-delete or move the record to the
// failed area. Nothing a single job does can stop the loop.
type Worker struct {
	store   *Store
	folders *organizer.Organizer
	fetcher fetch.Fetcher
	archive Archiver
	cfg     WorkerConfig
	log     *logger.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker over the given store. archive may be nil
// when no history database is configured.
func NewWorker(store *Store, folders *organizer.Organizer, fetcher fetch.Fetcher, archive Archiver, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Minute
	}
	return &Worker{
		store:   store,
		folders: folders,
		fetcher: fetcher,
		archive: archive,
		cfg:     cfg,
		log:     logger.Default().WithComponent("worker"),
	}
}

// Start launches the worker goroutine. Starting a running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})

	w.wg.Add(1)
	go w.run()

	w.log.Info(nil, "worker started", map[string]interface{}{
		"poll_interval": w.cfg.PollInterval.String(),
		"fetch_timeout": w.cfg.FetchTimeout.String(),
	})
}

// Stop signals the worker and waits for the in-flight job to finish,
// bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info(nil, "worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown timed out: %w", ctx.Err())
	}
}

// IsRunning reports whether the worker loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		if !w.processNext() {
			// Queue empty or scan failed; wait out the poll interval
			// but stay responsive to Stop.
			select {
			case <-w.stopChan:
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// processNext claims and processes the oldest pending job. It returns
// false when there was nothing to do.
func (w *Worker) processNext() bool {
	jobs, err := w.store.ListPending(1)
	if err != nil {
		w.log.Error(nil, "queue scan failed", err)
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	w.process(jobs[0])
	w.refreshGauges()
	return true
}

func (w *Worker) process(job *Job) {
	started := time.Now().Unix()
	if _, err := w.store.UpdateStatus(job.ID, job.Owner, StatusInProgress, StatusUpdate{StartedAt: &started}); err != nil {
		// Record vanished or is unreadable; another path owns it now.
		w.log.Warn(nil, "failed to claim job", map[string]interface{}{
			"job_id": job.ID,
			"owner":  job.Owner,
			"error":  err.Error(),
		})
		return
	}

	w.log.Info(nil, "processing job", map[string]interface{}{
		"job_id":   job.ID,
		"owner":    job.Owner,
		"url":      job.URL,
		"category": job.Category,
	})

	if err := w.folders.EnsureUser(job.Owner); err != nil {
		w.fail(job, fmt.Sprintf("failed to prepare user folders: %v", err))
		return
	}

	categoryDir := w.folders.CategoryDir(job.Owner, job.Category)
	template := filepath.Join(categoryDir, job.ShortID()+"_%(title).80s.%(ext)s")

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FetchTimeout)
	result, fetchErr := w.fetcher.Fetch(ctx, job.URL, template)
	cancel()

	// The output file is the authority on success: a fetcher error
	// with output on disk is a success, a clean return with no file
	// is a failure.
	outputPath := w.locateOutput(result, categoryDir, job.ShortID())
	if outputPath == "" {
		msg := "download finished but produced no output file"
		if fetchErr != nil {
			msg = fetchErr.Error()
		}
		w.fail(job, msg)
		return
	}
	if fetchErr != nil {
		w.log.Warn(nil, "fetcher reported an error but output exists, treating as success", map[string]interface{}{
			"job_id": job.ID,
			"error":  fetchErr.Error(),
		})
	}

	job.Category, outputPath = w.reclassify(job, result, outputPath)

	w.complete(job, outputPath)
}

// partialSuffixes are the in-progress file extensions the downloader
// leaves behind when a transfer dies mid-flight. A file carrying one
// of these is never a finished output.
var partialSuffixes = []string{".part", ".ytdl", ".temp"}

func isPartialFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// locateOutput finds the file a fetch attempt produced. The path the
// fetcher reported is checked first; if it is missing or was never
// reported, the category folder is searched for files carrying the
// job's short ID prefix. Partial downloads do not count as output.
func (w *Worker) locateOutput(result *fetch.Result, categoryDir, shortID string) string {
	if result != nil && result.OutputPath != "" && !isPartialFile(result.OutputPath) {
		if fileExists(result.OutputPath) {
			return result.OutputPath
		}
	}

	matches, err := filepath.Glob(filepath.Join(categoryDir, shortID+"_*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if isPartialFile(m) {
			continue
		}
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m
		}
	}
	return ""
}

// reclassify re-runs category detection with the extractor name the
// fetcher reported and relocates the output file when the category
// changed. A failed relocation keeps the file where it is; placement
// never fails a download that produced output.
func (w *Worker) reclassify(job *Job, result *fetch.Result, outputPath string) (string, string) {
	if result == nil || result.ExtractorKey == "" {
		return job.Category, outputPath
	}
	detected, ok := classify.FromExtractor(result.ExtractorKey)
	if !ok || detected == job.Category {
		return job.Category, outputPath
	}

	newDir, err := w.folders.EnsureCategory(job.Owner, detected)
	if err != nil {
		w.log.Warn(nil, "failed to create category folder for reclassified job", map[string]interface{}{
			"job_id":   job.ID,
			"category": detected,
			"error":    err.Error(),
		})
		return job.Category, outputPath
	}

	newPath := filepath.Join(newDir, filepath.Base(outputPath))
	if err := os.Rename(outputPath, newPath); err != nil {
		w.log.Warn(nil, "failed to relocate reclassified output", map[string]interface{}{
			"job_id": job.ID,
			"from":   outputPath,
			"to":     newPath,
			"error":  err.Error(),
		})
		return job.Category, outputPath
	}

	w.log.Info(nil, "reclassified job output", map[string]interface{}{
		"job_id": job.ID,
		"from":   job.Category,
		"to":     detected,
	})
	return detected, newPath
}

// complete archives the outcome and removes the queue record.
func (w *Worker) complete(job *Job, outputPath string) {
	now := time.Now().Unix()
	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}

	if w.archive != nil {
		entry := history.Entry{
			ID:          job.ID,
			URL:         job.URL,
			Owner:       job.Owner,
			ClientID:    job.ClientID,
			Category:    job.Category,
			Filename:    filepath.Base(outputPath),
			OutputPath:  outputPath,
			SizeBytes:   size,
			RetryCount:  job.RetryCount,
			CreatedAt:   job.CreatedAt,
			CompletedAt: now,
		}
		if err := w.archive.Record(context.Background(), entry); err != nil {
			// History is best effort; the download itself succeeded.
			w.log.Error(nil, "failed to archive completed download", err, map[string]interface{}{
				"job_id": job.ID,
			})
		}
	}

	if err := w.store.Complete(job.ID, job.Owner); err != nil {
		w.log.Error(nil, "failed to remove completed queue record", err, map[string]interface{}{
			"job_id": job.ID,
		})
		return
	}

	metrics.Default().IncCounter(metrics.CounterJobsCompleted)
	w.log.Info(nil, "job completed", map[string]interface{}{
		"job_id":     job.ID,
		"owner":      job.Owner,
		"category":   job.Category,
		"output":     outputPath,
		"size_bytes": size,
	})
}

func (w *Worker) fail(job *Job, message string) {
	if _, err := w.store.MoveToFailed(job.ID, job.Owner, message); err != nil {
		w.log.Error(nil, "failed to move job to failed area", err, map[string]interface{}{
			"job_id": job.ID,
		})
		return
	}

	metrics.Default().IncCounter(metrics.CounterJobsFailed)
	w.log.Warn(nil, "job failed", map[string]interface{}{
		"job_id": job.ID,
		"owner":  job.Owner,
		"url":    job.URL,
		"error":  message,
	})
}

func (w *Worker) refreshGauges() {
	counts, err := w.store.Counts()
	if err != nil {
		return
	}
	metrics.Default().SetQueueCounts(counts.Pending, counts.InProgress, counts.Failed)
}
