package crawler

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// JobOptions captures the per-job configuration knobs stored as a JSON blob
// on the job row. A nil MaxDepth means unlimited depth.
type JobOptions struct {
	MaxDepth     *int        `json:"maxDepth,omitempty"`
	DomainScope  DomainScope `json:"domainScope,omitempty"`
	UseBrowser   bool        `json:"useBrowser,omitempty"`
	UseCookies   bool        `json:"useCookies,omitempty"`
	CookieString string      `json:"cookieString,omitempty"`
	TimeoutMs    int         `json:"timeout,omitempty"`
	Retries      int         `json:"retries,omitempty"`
	UseCache     bool        `json:"useCache,omitempty"`
	BrowserType  string      `json:"browserType,omitempty"`
	Mode         CrawlMode   `json:"mode,omitempty"`

	// Forum-only knobs.
	PostSelector     string      `json:"postSelector,omitempty"`
	NextPageSelector string      `json:"nextPageSelector,omitempty"`
	NextPageText     string      `json:"nextPageText,omitempty"`
	Output           ForumOutput `json:"output,omitempty"`
	FilePath         string      `json:"filePath,omitempty"`
	MaxPages         int         `json:"maxPages,omitempty"`
}

// DefaultOptions returns the options applied when a job carries none.
func DefaultOptions() JobOptions {
	return JobOptions{
		DomainScope: ScopeStrict,
		Mode:        ModeContent,
		Output:      OutputDefault,
	}
}

// ParseOptions decodes the options JSON stored on a job row. A malformed blob
// degrades to defaults rather than failing the job; the parse error is logged
// for observability.
func ParseOptions(raw string, logger *zap.Logger) JobOptions {
	opts := DefaultOptions()
	if raw == "" {
		return opts
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		if logger != nil {
			logger.Warn("malformed job options, using defaults", zap.Error(err))
		}
		return DefaultOptions()
	}
	if opts.DomainScope == "" {
		opts.DomainScope = ScopeStrict
	}
	if opts.Mode == "" {
		opts.Mode = ModeContent
	}
	if opts.Output == "" {
		opts.Output = OutputDefault
	}
	return opts
}

// DepthAllowed reports whether depth is within the configured limit.
func (o JobOptions) DepthAllowed(depth int) bool {
	return o.MaxDepth == nil || depth <= *o.MaxDepth
}

// FetchOptions converts job options into the per-request fetch knobs. The
// engine disables the fetcher's cache and internal retries so crawl results
// stay fresh and the retry phase stays deterministic; single-page scrape jobs
// pass both through unchanged.
func (o JobOptions) FetchOptions(disableCacheAndRetries bool) FetchOptions {
	f := FetchOptions{
		UseBrowser:   o.UseBrowser,
		BrowserType:  o.BrowserType,
		UseCookies:   o.UseCookies,
		CookieString: o.CookieString,
		Retries:      o.Retries,
		UseCache:     o.UseCache,
	}
	if o.TimeoutMs > 0 {
		f.Timeout = time.Duration(o.TimeoutMs) * time.Millisecond
	}
	if disableCacheAndRetries {
		f.Retries = 0
		f.UseCache = false
	}
	return f
}
