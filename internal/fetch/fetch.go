// Package fetch abstracts the media downloader behind a small
// interface so the worker loop can be exercised in tests without
// touching the network.
package fetch

import "context"

// Result carries what the downloader reported about a finished (or
// partially finished) attempt. OutputPath may be empty or point at a
// file that does not exist; callers decide success by checking the
// filesystem, not by trusting this struct.
type Result struct {
	OutputPath   string
	Title        string
	ExtractorKey string
}

// Fetcher downloads a single URL, writing output according to the
// given template (downloader output-template syntax, absolute path).
// Implementations may return both a non-nil Result and an error when
// the attempt produced output before failing.
type Fetcher interface {
	Fetch(ctx context.Context, url, outputTemplate string) (*Result, error)
}
