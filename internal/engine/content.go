package engine

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/hash/sha256"
)

// ContentProcessor is the default traversal strategy: fetch a page, convert
// its content to markdown and upsert it keyed by effective URL.
type ContentProcessor struct {
	jobID       string
	fetcher     crawler.Fetcher
	transformer crawler.Transformer
	pages       crawler.PageStore
	norm        *crawler.Normalizer
	fetchOpts   crawler.FetchOptions
	hasher      *sha256.Hasher
	clock       crawler.Clock
	logger      *zap.Logger
}

// NewContentProcessor builds the content strategy for one job. The fetcher
// cache and the fetcher's internal retries are disabled so crawl results stay
// fresh and the engine's retry phase stays the only retry.
func NewContentProcessor(job crawler.Job, opts crawler.JobOptions, fetcher crawler.Fetcher, transformer crawler.Transformer, pages crawler.PageStore, norm *crawler.Normalizer, clock crawler.Clock, logger *zap.Logger) *ContentProcessor {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentProcessor{
		jobID:       job.ID,
		fetcher:     fetcher,
		transformer: transformer,
		pages:       pages,
		norm:        norm,
		fetchOpts:   opts.FetchOptions(true),
		hasher:      sha256.New(),
		clock:       clock,
		logger:      logger.With(zap.String("job_id", job.ID)),
	}
}

// Process fetches one page and persists it. The returned links come from the
// fetcher's metadata when present, else from scanning the content for anchors.
func (p *ContentProcessor) Process(ctx context.Context, item crawler.QueueItem) (PageResult, error) {
	res, err := p.fetcher.Fetch(ctx, item.URL, p.fetchOpts)
	if err != nil {
		return PageResult{}, err
	}

	effective := p.effectiveURL(item.URL, res)
	fetchedAt := res.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = p.clock.Now()
	}

	page := crawler.ScrapedPage{
		ID:        uuid.NewString(),
		JobID:     p.jobID,
		URL:       effective,
		Title:     res.Title,
		Content:   res.Content,
		Markdown:  p.transformer.Markdown(res.Content, effective),
		ParentURL: item.ParentURL,
		Metadata:  map[string]string{"content_hash": p.hasher.Hash([]byte(res.Content))},
		FetchedAt: fetchedAt,
	}
	if err := p.pages.UpsertPage(ctx, page); err != nil {
		p.logger.Error("persisting page failed", zap.String("url", effective), zap.Error(err))
	}

	links := res.Links
	if len(links) == 0 {
		links = scanAnchors(res.Content)
	}
	return PageResult{EffectiveURL: effective, Links: links}, nil
}

// Finish is a no-op; content pages are persisted as they are processed.
func (p *ContentProcessor) Finish(context.Context) error { return nil }

// effectiveURL picks the page's storage key: the declared canonical link when
// it normalizes, else the normalized response URL, else the requested URL.
func (p *ContentProcessor) effectiveURL(requested string, res crawler.FetchResult) string {
	if res.Canonical != "" {
		if u, err := p.norm.Normalize(res.Canonical, requested); err == nil {
			return u
		}
	}
	if res.URL != "" {
		if u, err := p.norm.Normalize(res.URL, requested); err == nil {
			return u
		}
	}
	return requested
}

// scanAnchors extracts anchor elements from raw HTML for fetchers that do not
// report links themselves.
func scanAnchors(html string) []crawler.Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var links []crawler.Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == "" {
			return
		}
		links = append(links, crawler.Link{Href: href, Text: strings.TrimSpace(sel.Text())})
	})
	return links
}
