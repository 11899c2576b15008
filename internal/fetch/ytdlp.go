package fetch

import (
	"context"

	"github.com/lrstanley/go-ytdlp"

	apperrors "github.com/fetchbox/backend/internal/errors"
	"github.com/fetchbox/backend/internal/logger"
)

// YTDLP is the production Fetcher, shelling out to yt-dlp via the
// go-ytdlp bindings. Transient failures (network resets, timeouts)
// are retried with backoff; extractor errors are not.
type YTDLP struct {
	cookieFile string
	retryCfg   *apperrors.RetryConfig
	log        *logger.Logger
}

// NewYTDLP creates a yt-dlp backed fetcher. cookieFile may be empty;
// when set it is passed through for sites that require a session.
func NewYTDLP(cookieFile string) *YTDLP {
	return &YTDLP{
		cookieFile: cookieFile,
		retryCfg:   apperrors.FetchRetryConfig(),
		log:        logger.Default().WithComponent("fetch"),
	}
}

// Install ensures a yt-dlp binary is available, downloading one if
// the host has none. Called once at startup.
func Install(ctx context.Context) error {
	_, err := ytdlp.Install(ctx, nil)
	return err
}

// Fetch downloads the URL to the location given by the output
// template. The returned Result is best effort: it is populated from
// whatever yt-dlp reported even when the run ultimately failed, so
// the caller can still find output produced before the error.
func (y *YTDLP) Fetch(ctx context.Context, url, outputTemplate string) (*Result, error) {
	dl := ytdlp.New().
		RestrictFilenames().
		NoWarnings().
		Output(outputTemplate)
	if y.cookieFile != "" {
		dl = dl.Cookies(y.cookieFile)
	}

	var lastRun *ytdlp.Result
	runErr := apperrors.Retry(ctx, y.retryCfg, func(ctx context.Context) error {
		res, err := dl.Run(ctx, url)
		if res != nil {
			lastRun = res
		}
		return err
	})

	result := extractResult(lastRun)
	if runErr != nil {
		y.log.Warn(ctx, "yt-dlp run failed", map[string]interface{}{
			"url":   url,
			"error": runErr.Error(),
		})
		return result, apperrors.FetchError("download failed").WithCause(runErr)
	}
	return result, nil
}

// extractResult pulls the fields we care about out of the yt-dlp run
// metadata. Any of them may be missing.
func extractResult(run *ytdlp.Result) *Result {
	if run == nil {
		return nil
	}

	result := &Result{}
	info, err := run.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return result
	}

	first := info[0]
	if first.Filename != nil {
		result.OutputPath = *first.Filename
	}
	if first.Title != nil {
		result.Title = *first.Title
	}
	if first.ExtractorKey != nil {
		result.ExtractorKey = *first.ExtractorKey
	} else if first.Extractor != nil {
		result.ExtractorKey = *first.Extractor
	}
	return result
}
