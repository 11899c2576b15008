// Package history archives completed downloads in SQLite. Queue
// records are deleted on success, so the archive is the only durable
// trace of what finished and when.
package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one archived download.
type Entry struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Owner       string `json:"owner"`
	ClientID    string `json:"client_id,omitempty"`
	Category    string `json:"category"`
	Filename    string `json:"filename"`
	OutputPath  string `json:"output_path"`
	SizeBytes   int64  `json:"size_bytes"`
	RetryCount  int    `json:"retry_count"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at"`
}

// Archive wraps the history database.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and runs
// migrations.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		owner TEXT NOT NULL,
		client_id TEXT,
		category TEXT,
		filename TEXT,
		output_path TEXT,
		size_bytes INTEGER,
		retry_count INTEGER,
		created_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_downloads_owner ON downloads(owner);
	CREATE INDEX IF NOT EXISTS idx_downloads_completed_at ON downloads(completed_at);
	`
	_, err := a.db.Exec(q)
	return err
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable. Used by health checks.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Record archives a completed download. Re-recording the same ID
// overwrites the previous row, keeping the call idempotent.
func (a *Archive) Record(ctx context.Context, e Entry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads
		(id, url, owner, client_id, category, filename, output_path, size_bytes, retry_count, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.URL, e.Owner, e.ClientID, e.Category, e.Filename, e.OutputPath,
		e.SizeBytes, e.RetryCount, e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// List returns archived downloads, most recent first. With an owner
// only that owner's rows are returned. A limit of 0 means no limit.
func (a *Archive) List(ctx context.Context, owner string, limit int) ([]Entry, error) {
	q := `SELECT id, url, owner, client_id, category, filename, output_path,
		size_bytes, retry_count, created_at, completed_at FROM downloads`
	args := []interface{}{}
	if owner != "" {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY completed_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var clientID, category, filename, outputPath sql.NullString
		if err := rows.Scan(&e.ID, &e.URL, &e.Owner, &clientID, &category, &filename,
			&outputPath, &e.SizeBytes, &e.RetryCount, &e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.ClientID = clientID.String
		e.Category = category.String
		e.Filename = filename.String
		e.OutputPath = outputPath.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of archived downloads.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}
