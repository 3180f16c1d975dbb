package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a single page and extracts title, content, canonical link
// and outbound anchors. HTTP-level failures (including 4xx/5xx responses)
// surface as returned errors, never as panics.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
}

// Transformer converts fetched HTML to markdown. It never fails the caller;
// on internal conversion errors it logs and returns an empty string.
type Transformer interface {
	Markdown(html string, url string) string
}

// JobStore persists job rows and answers cancellation queries.
type JobStore interface {
	FindPendingJobs(ctx context.Context, kind JobKind, limit int) ([]Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// PageStore persists extracted page content, forum posts and sitemap trees.
type PageStore interface {
	UpsertPage(ctx context.Context, page ScrapedPage) error
	InsertForumPost(ctx context.Context, post ForumPost) error
	SaveSitemap(ctx context.Context, jobID string, root *SitemapNode) error
}

// ForumSink receives forum posts for one job. The default sink adapts the
// shared PageStore; alternate sinks (sqlite, file) are job-scoped and must be
// closed when the run ends.
type ForumSink interface {
	InsertPost(ctx context.Context, post ForumPost) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with the real time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
