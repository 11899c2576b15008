// Package organizer owns the on-disk layout of the downloads tree:
//
//	<root>/<owner>/_queue/      queue records for pending and in-progress jobs
//	<root>/<owner>/_failed/     terminal failed records
//	<root>/<owner>/<category>/  downloaded files, one folder per category
//
// Owner names are case-folded before any path construction so that two
// submissions differing only in case resolve to the same subtree. The
// bookkeeping folders carry a leading underscore to keep them apart
// from category folders.
package organizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/fetchbox/backend/internal/classify"
)

const (
	QueueFolder  = "_queue"
	FailedFolder = "_failed"
)

// Organizer derives and creates per-owner directories under a fixed root.
// All methods are idempotent and safe for concurrent use.
type Organizer struct {
	root string
}

// New creates an Organizer rooted at the given directory.
func New(root string) *Organizer {
	return &Organizer{root: root}
}

// Root returns the downloads root directory.
func (o *Organizer) Root() string {
	return o.root
}

// Normalize case-folds an owner name to its canonical form.
func Normalize(owner string) string {
	return cases.Fold().String(strings.TrimSpace(owner))
}

// UserDir returns the owner's root directory.
func (o *Organizer) UserDir(owner string) string {
	return filepath.Join(o.root, Normalize(owner))
}

// QueueDir returns the owner's pending-area directory.
func (o *Organizer) QueueDir(owner string) string {
	return filepath.Join(o.UserDir(owner), QueueFolder)
}

// FailedDir returns the owner's failed-area directory.
func (o *Organizer) FailedDir(owner string) string {
	return filepath.Join(o.UserDir(owner), FailedFolder)
}

// CategoryDir returns the owner's output directory for a category.
func (o *Organizer) CategoryDir(owner, category string) string {
	return filepath.Join(o.UserDir(owner), classify.Normalize(category))
}

// EnsureRoot creates the downloads root if it does not exist.
func (o *Organizer) EnsureRoot() error {
	return os.MkdirAll(o.root, 0o755)
}

// EnsureUser creates the owner's full directory tree: the bookkeeping
// folders plus one folder per known category.
func (o *Organizer) EnsureUser(owner string) error {
	dirs := []string{
		o.QueueDir(owner),
		o.FailedDir(owner),
	}
	for _, category := range classify.Categories() {
		dirs = append(dirs, o.CategoryDir(owner, category))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureCategory creates a single category directory for the owner and
// returns its path. Used when a post-fetch reclassification lands on a
// folder that EnsureUser has not pre-created.
func (o *Organizer) EnsureCategory(owner, category string) (string, error) {
	dir := o.CategoryDir(owner, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// UserExists reports whether the owner's directory already exists.
func (o *Organizer) UserExists(owner string) bool {
	info, err := os.Stat(o.UserDir(owner))
	return err == nil && info.IsDir()
}

// Owners lists all owners with a directory under the root, sorted.
// Bookkeeping folders (leading underscore) are never owners.
func (o *Organizer) Owners() ([]string, error) {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}

	owners := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), "_") {
			owners = append(owners, entry.Name())
		}
	}
	sort.Strings(owners)
	return owners, nil
}
