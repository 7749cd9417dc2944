package extract

import (
	"context"
	"errors"
	"time"
)

// ErrContentTooShort marks pages whose extracted text is below the minimum
// usable length. Terminal for that item; callers log and skip, never retry.
var ErrContentTooShort = errors.New("extracted content below minimum length")

// Result is what a platform extractor resolves for one URL.
type Result struct {
	Title            string
	Content          string
	Summary          string
	OGImage          string
	SiteName         string
	PublishedAt      *time.Time
	PlatformMetadata map[string]any
}

// Extractor resolves page metadata and readable content for a URL. The
// platform-specific extractors behind this interface are external
// collaborators; only the generic web implementation lives in-process.
type Extractor interface {
	Extract(ctx context.Context, url string) (*Result, error)
}
