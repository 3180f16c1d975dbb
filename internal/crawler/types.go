// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending             JobStatus = "pending"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusCancelled           JobStatus = "cancelled"
	JobStatusFailed              JobStatus = "failed"
)

// IsTerminal reports whether a job in this status will never run again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusCancelled, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobKind separates the two dispatch classes the worker single-flights
// independently: lightweight single-page scrapes and full crawls.
type JobKind string

// Job kinds recognized by the dispatcher.
const (
	JobKindScrape JobKind = "scrape"
	JobKindCrawl  JobKind = "crawl"
)

// CrawlMode selects the traversal strategy for a crawl job.
type CrawlMode string

// Crawl modes.
const (
	ModeContent CrawlMode = "content"
	ModeSitemap CrawlMode = "sitemap"
	ModeForum   CrawlMode = "forum"
)

// DomainScope restricts which hostnames discovered links may belong to.
type DomainScope string

// Domain scope modes.
const (
	ScopeStrict           DomainScope = "strict"
	ScopeParent           DomainScope = "parent"
	ScopeSubdomains       DomainScope = "subdomains"
	ScopeParentSubdomains DomainScope = "parent_subdomains"
	ScopeNone             DomainScope = "none"
)

// ForumOutput selects the sink forum posts are written to.
type ForumOutput string

// Forum output sinks.
const (
	OutputDefault ForumOutput = "default"
	OutputSQLite  ForumOutput = "sqlite"
	OutputFile    ForumOutput = "file"
)

// Job is the metadata persisted for each submitted crawl request. The engine
// reads it at construction and writes status and counters back through the
// job store while running.
type Job struct {
	ID            string     `json:"id"`
	Kind          JobKind    `json:"kind"`
	StartURL      string     `json:"start_url"`
	Status        JobStatus  `json:"status"`
	Options       string     `json:"options"`
	ProcessedURLs int        `json:"processed_urls"`
	FoundURLs     int        `json:"found_urls"`
	FailedURLs    []string   `json:"failed_urls,omitempty"`
	Error         string     `json:"error,omitempty"`
	Submitted     time.Time  `json:"submitted_at"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// JobUpdate carries a partial job-row update. Nil fields are left untouched;
// a non-nil FailedURLs (including an empty slice) replaces the stored list.
type JobUpdate struct {
	Status        *JobStatus
	ProcessedURLs *int
	FoundURLs     *int
	FailedURLs    []string
	Error         *string
	StartTime     *time.Time
	EndTime       *time.Time
}

// QueueItem is one pending traversal step. It lives only in engine memory for
// the duration of a run and is never persisted.
type QueueItem struct {
	URL       string
	Depth     int
	ParentURL string
}

// ScrapedPage is the persisted result of processing one page, keyed by its
// effective URL. Repeated visits to the same effective URL overwrite.
type ScrapedPage struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Markdown  string            `json:"markdown"`
	ParentURL string            `json:"parent_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// SitemapNode is one node of the site tree built in sitemap mode. The whole
// tree is persisted once, as a single serialized document, when the job ends.
type SitemapNode struct {
	URL      string         `json:"url"`
	Children []*SitemapNode `json:"children,omitempty"`
}

// ForumPost is one extracted post block from a forum listing page. Posts are
// appended one row at a time, independent of page storage.
type ForumPost struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	URL       string            `json:"url"`
	Meta      map[string]string `json:"meta,omitempty"`
	ScrapedAt time.Time         `json:"scraped_at"`
}

// Link is an outbound anchor discovered on a fetched page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// FetchOptions are the per-request knobs passed through to a Fetcher.
type FetchOptions struct {
	UseBrowser   bool
	BrowserType  string
	UseCookies   bool
	CookieString string
	Timeout      time.Duration
	Retries      int
	UseCache     bool
}

// FetchResult is what a Fetcher returns for a successfully fetched page.
// Canonical is the page's declared canonical link, if any. Links may be empty
// when the fetcher did not extract anchors; callers fall back to scanning
// Content themselves.
type FetchResult struct {
	URL       string
	Title     string
	Content   string
	Canonical string
	Links     []Link
	FetchedAt time.Time
}

// CrawlResult is the terminal outcome of one engine or paginator run.
type CrawlResult struct {
	Status     JobStatus
	FailedURLs []string
}
