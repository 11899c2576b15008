package download

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fetchbox/backend/internal/organizer"
)

func newTestStore(t *testing.T) (*Store, *organizer.Organizer) {
	t.Helper()
	folders := organizer.New(t.TempDir())
	store, err := NewStore(folders)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, folders
}

func mustCreate(t *testing.T, store *Store, job *Job) {
	t.Helper()
	if err := store.Create(job); err != nil {
		t.Fatalf("Failed to create job %s: %v", job.ID, err)
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store, folders := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "Alice", "client-1", "youtube")
	mustCreate(t, store, job)

	// Record lands in the owner's queue area under the folded name
	path := filepath.Join(folders.QueueDir("alice"), job.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Queue record not found at %s: %v", path, err)
	}

	got, err := store.Get(job.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.URL != job.URL {
		t.Errorf("Expected URL %s, got %s", job.URL, got.URL)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected status %s, got %s", StatusPending, got.Status)
	}
	if got.Owner != "alice" {
		t.Errorf("Expected folded owner alice, got %s", got.Owner)
	}

	// Global lookup without an owner finds the same record
	got, err = store.Get(job.ID, "")
	if err != nil {
		t.Fatalf("Global lookup failed: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("Expected job %s, got %s", job.ID, got.ID)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("missing-id", "alice")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	_, err = store.Get("missing-id", "")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound for global lookup, got %v", err)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	if err := store.Create(job); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Expected ErrDuplicateJob, got %v", err)
	}

	// Moving to failed keeps the ID occupied
	if _, err := store.MoveToFailed(job.ID, "alice", "boom"); err != nil {
		t.Fatalf("Failed to move job to failed: %v", err)
	}
	if err := store.Create(job); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Expected ErrDuplicateJob against failed area, got %v", err)
	}
}

func TestStore_OwnerCaseFolding(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "ALICE", "", "youtube")
	mustCreate(t, store, job)

	// Lookups under any casing resolve to the same record
	for _, owner := range []string{"alice", "Alice", "ALICE"} {
		if _, err := store.Get(job.ID, owner); err != nil {
			t.Errorf("Lookup with owner %q failed: %v", owner, err)
		}
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	started := time.Now().Unix()
	updated, err := store.UpdateStatus(job.ID, "alice", StatusInProgress, StatusUpdate{StartedAt: &started})
	if err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Errorf("Expected status %s, got %s", StatusInProgress, updated.Status)
	}
	if updated.StartedAt == nil || *updated.StartedAt != started {
		t.Error("StartedAt not applied")
	}

	got, err := store.Get(job.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to reread job: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Persisted status is %s, want %s", got.Status, StatusInProgress)
	}
}

func TestStore_UpdateStatusRejectsFailed(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	if _, err := store.UpdateStatus(job.ID, "alice", StatusFailed, StatusUpdate{}); err == nil {
		t.Error("Expected error for direct transition to failed")
	}
	if _, err := store.UpdateStatus(job.ID, "alice", "bogus", StatusUpdate{}); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestStore_MoveToFailed(t *testing.T) {
	store, folders := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	failed, err := store.MoveToFailed(job.ID, "alice", "network exploded")
	if err != nil {
		t.Fatalf("Failed to move job to failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("Expected status %s, got %s", StatusFailed, failed.Status)
	}
	if failed.ErrorMessage == nil || *failed.ErrorMessage != "network exploded" {
		t.Error("Error message not recorded")
	}
	if failed.FailedAt == nil {
		t.Error("FailedAt not recorded")
	}

	// Exactly one location: failed area has it, queue area does not
	if _, err := os.Stat(filepath.Join(folders.FailedDir("alice"), job.ID+".json")); err != nil {
		t.Errorf("Failed record missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(folders.QueueDir("alice"), job.ID+".json")); !os.IsNotExist(err) {
		t.Errorf("Queue record still present after move")
	}
}

func TestStore_GetPrefersFailedArea(t *testing.T) {
	store, folders := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	// Simulate a crash between the failed-area write and the queue
	// delete: plant a failed copy while the queue copy survives.
	failedCopy := *job
	failedCopy.Status = StatusFailed
	data, _ := json.Marshal(&failedCopy)
	if err := os.MkdirAll(folders.FailedDir("alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folders.FailedDir("alice"), job.ID+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(job.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Expected the failed copy to win, got status %s", got.Status)
	}
}

func TestStore_CompleteIsIdempotent(t *testing.T) {
	store, folders := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	if err := store.Complete(job.ID, "alice"); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}
	if _, err := os.Stat(filepath.Join(folders.QueueDir("alice"), job.ID+".json")); !os.IsNotExist(err) {
		t.Error("Queue record still present after complete")
	}

	// Second complete is a no-op
	if err := store.Complete(job.ID, "alice"); err != nil {
		t.Errorf("Second complete should be a no-op, got %v", err)
	}

	if _, err := store.Get(job.ID, "alice"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Completed job should be gone, got %v", err)
	}
}

func TestStore_ListPendingOrdersAcrossOwners(t *testing.T) {
	store, _ := newTestStore(t)

	base := time.Now().Unix()
	mk := func(owner string, offset int64) *Job {
		job := NewJob("https://youtube.com/watch?v="+owner, owner, "", "youtube")
		job.CreatedAt = base + offset
		mustCreate(t, store, job)
		return job
	}

	third := mk("carol", 20)
	first := mk("alice", 0)
	second := mk("bob", 10)

	jobs, err := store.ListPending(0)
	if err != nil {
		t.Fatalf("Failed to list pending: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("Expected 3 pending jobs, got %d", len(jobs))
	}
	for i, want := range []*Job{first, second, third} {
		if jobs[i].ID != want.ID {
			t.Errorf("Position %d: expected %s (owner %s), got %s (owner %s)",
				i, want.ID, want.Owner, jobs[i].ID, jobs[i].Owner)
		}
	}

	// Limit truncates after ordering
	jobs, err = store.ListPending(1)
	if err != nil {
		t.Fatalf("Failed to list pending with limit: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Errorf("Expected only the oldest job, got %+v", jobs)
	}
}

func TestStore_ListFailed(t *testing.T) {
	store, _ := newTestStore(t)

	for _, owner := range []string{"alice", "bob"} {
		job := NewJob("https://youtube.com/watch?v="+owner, owner, "", "youtube")
		mustCreate(t, store, job)
		if _, err := store.MoveToFailed(job.ID, owner, "boom"); err != nil {
			t.Fatalf("Failed to fail job: %v", err)
		}
	}

	all, err := store.ListFailed("", 0)
	if err != nil {
		t.Fatalf("Failed to list failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 failed jobs, got %d", len(all))
	}

	alice, err := store.ListFailed("alice", 0)
	if err != nil {
		t.Fatalf("Failed to list alice's failures: %v", err)
	}
	if len(alice) != 1 || alice[0].Owner != "alice" {
		t.Errorf("Expected alice's single failure, got %+v", alice)
	}
}

func TestStore_Counts(t *testing.T) {
	store, _ := newTestStore(t)

	pending := NewJob("https://youtube.com/watch?v=1", "alice", "", "youtube")
	mustCreate(t, store, pending)

	inProgress := NewJob("https://youtube.com/watch?v=2", "alice", "", "youtube")
	mustCreate(t, store, inProgress)
	started := time.Now().Unix()
	if _, err := store.UpdateStatus(inProgress.ID, "alice", StatusInProgress, StatusUpdate{StartedAt: &started}); err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}

	failed := NewJob("https://youtube.com/watch?v=3", "bob", "", "youtube")
	mustCreate(t, store, failed)
	if _, err := store.MoveToFailed(failed.ID, "bob", "boom"); err != nil {
		t.Fatalf("Failed to fail job: %v", err)
	}

	counts, err := store.Counts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts.Pending != 1 || counts.InProgress != 1 || counts.Failed != 1 || counts.Total != 3 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestStore_ReapStale(t *testing.T) {
	store, _ := newTestStore(t)

	stale := NewJob("https://youtube.com/watch?v=1", "alice", "", "youtube")
	mustCreate(t, store, stale)
	fresh := NewJob("https://youtube.com/watch?v=2", "alice", "", "youtube")
	mustCreate(t, store, fresh)

	started := time.Now().Unix()
	for _, job := range []*Job{stale, fresh} {
		if _, err := store.UpdateStatus(job.ID, "alice", StatusInProgress, StatusUpdate{StartedAt: &started}); err != nil {
			t.Fatalf("Failed to claim job: %v", err)
		}
	}

	// Age the first record two hours into the past
	aged, err := store.Get(stale.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	aged.LastUpdated = time.Now().Add(-2 * time.Hour).Unix()
	if err := store.writeRecord(store.queuePath("alice", aged.ID), aged); err != nil {
		t.Fatal(err)
	}

	reaped, err := store.ReapStale(time.Hour)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if reaped != 1 {
		t.Errorf("Expected 1 reaped job, got %d", reaped)
	}

	got, err := store.Get(stale.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("Stale job should be pending again, got %s", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be cleared on reap")
	}

	got, err = store.Get(fresh.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Fresh in-progress job should be untouched, got %s", got.Status)
	}
}

func TestStore_ScanSkipsMalformedRecords(t *testing.T) {
	store, folders := newTestStore(t)

	good := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, good)

	// A torn or corrupt record must not wedge the queue
	bad := filepath.Join(folders.QueueDir("alice"), "corrupt.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Leftover temp files are ignored entirely
	tmp := filepath.Join(folders.QueueDir("alice"), good.ID+"-123.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.ListPending(0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != good.ID {
		t.Errorf("Expected only the good record, got %+v", jobs)
	}
}

func TestStore_WriteLeavesNoTempFiles(t *testing.T) {
	store, folders := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	entries, err := os.ReadDir(folders.QueueDir("alice"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("Temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("Expected exactly one record, got %d entries", len(entries))
	}
}

func TestStore_ConcurrentWritesNeverTearReads(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			status := StatusInProgress
			if i%2 == 0 {
				status = StatusPending
			}
			if _, err := store.UpdateStatus(job.ID, "alice", status, StatusUpdate{}); err != nil {
				t.Errorf("Writer failed: %v", err)
				return
			}
		}
	}()

	// Every read must parse and show one of the committed statuses.
	for i := 0; i < 200; i++ {
		got, err := store.Get(job.ID, "alice")
		if err != nil {
			t.Fatalf("Reader observed a broken record: %v", err)
		}
		if got.Status != StatusPending && got.Status != StatusInProgress {
			t.Fatalf("Reader observed uncommitted status %q", got.Status)
		}
	}
	<-done
}

func TestStore_IncrementRetry(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	updated, err := store.IncrementRetry(job.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to increment retry: %v", err)
	}
	if updated.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", updated.RetryCount)
	}

	// Works against the failed area too
	if _, err := store.MoveToFailed(job.ID, "alice", "boom"); err != nil {
		t.Fatal(err)
	}
	updated, err = store.IncrementRetry(job.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to increment retry on failed record: %v", err)
	}
	if updated.RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", updated.RetryCount)
	}
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)

	job := NewJob("https://youtube.com/watch?v=abc", "alice", "", "youtube")
	mustCreate(t, store, job)

	if err := store.Delete(job.ID, "alice"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if err := store.Delete(job.ID, "alice"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound on second delete, got %v", err)
	}
}
