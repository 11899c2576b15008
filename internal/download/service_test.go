package download

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/fetchbox/backend/internal/errors"
)

func newTestService(t *testing.T) (*Service, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	return NewService(store, nil), store
}

func TestService_Submit(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	job, err := service.Submit(ctx, "https://www.youtube.com/watch?v=abc", "Alice", "client-1")
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.Status != StatusPending {
		t.Errorf("Expected status %s, got %s", StatusPending, job.Status)
	}
	if job.Category != "youtube" {
		t.Errorf("Expected category youtube, got %s", job.Category)
	}
	if job.Owner != "alice" {
		t.Errorf("Expected folded owner alice, got %s", job.Owner)
	}
	if job.CategoryError != nil {
		t.Errorf("Matched URL should carry no category error, got %s", *job.CategoryError)
	}
}

func TestService_SubmitUnknownCategory(t *testing.T) {
	service, _ := newTestService(t)

	job, err := service.Submit(context.Background(), "https://example.com/some/file", "alice", "")
	if err != nil {
		t.Fatalf("Unmatched URL must still submit: %v", err)
	}
	if job.Category != "unknown" {
		t.Errorf("Expected fallback category, got %s", job.Category)
	}
	if job.CategoryError == nil {
		t.Error("Unmatched URL should record a category error note")
	}
}

func TestService_SubmitValidation(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		url   string
		owner string
	}{
		{"empty url", "", "alice"},
		{"empty owner", "https://youtube.com/watch?v=abc", ""},
		{"relative url", "not-a-url", "alice"},
		{"bad scheme", "ftp://example.com/file", "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Submit(ctx, tt.url, tt.owner, "")
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var appErr *apperrors.AppError
			if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeValidationError {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestService_GetNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Get(context.Background(), "nope")
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.HTTPStatus != 404 {
		t.Errorf("Expected a 404 error, got %v", err)
	}
}

func TestService_Retry(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()

	job, err := service.Submit(ctx, "https://youtube.com/watch?v=abc", "alice", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.MoveToFailed(job.ID, "alice", "boom"); err != nil {
		t.Fatal(err)
	}

	resubmitted, err := service.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to retry: %v", err)
	}
	if resubmitted.ID == job.ID {
		t.Error("Retry must produce a new job ID")
	}
	if resubmitted.Status != StatusPending {
		t.Errorf("Expected resubmitted job pending, got %s", resubmitted.Status)
	}
	if resubmitted.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", resubmitted.RetryCount)
	}
	if resubmitted.URL != job.URL || resubmitted.Owner != job.Owner || resubmitted.ClientID != job.ClientID {
		t.Error("Resubmitted job should carry the original submission fields")
	}

	// The old failed record is gone
	if _, err := store.Get(job.ID, "alice"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Old failed record should be dropped, got %v", err)
	}
}

func TestService_RetryRejectsNonFailed(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	job, err := service.Submit(ctx, "https://youtube.com/watch?v=abc", "alice", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = service.Retry(ctx, job.ID)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeInvalidStatus {
		t.Errorf("Expected invalid-status error for pending job, got %v", err)
	}
}

func TestService_Queue(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()

	pending, err := service.Submit(ctx, "https://youtube.com/watch?v=1", "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	failed, err := service.Submit(ctx, "https://youtube.com/watch?v=2", "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.MoveToFailed(failed.ID, "bob", "boom"); err != nil {
		t.Fatal(err)
	}

	snapshot, err := service.Queue(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to snapshot queue: %v", err)
	}
	if snapshot.Counts.Pending != 1 || snapshot.Counts.Failed != 1 {
		t.Errorf("Unexpected counts: %+v", snapshot.Counts)
	}
	if len(snapshot.Pending) != 1 || snapshot.Pending[0].ID != pending.ID {
		t.Errorf("Unexpected pending list: %+v", snapshot.Pending)
	}
	if len(snapshot.Failed) != 1 || snapshot.Failed[0].ID != failed.ID {
		t.Errorf("Unexpected failed list: %+v", snapshot.Failed)
	}
}
