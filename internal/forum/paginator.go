// Package forum implements the sequential forum pagination strategy. It is
// deliberately not queue-based: page order and cancellation responsiveness
// matter more than throughput here, so it never uses the shared pool.
package forum

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
)

// Config wires a Paginator for one job run.
type Config struct {
	Job     crawler.Job
	Options crawler.JobOptions
	Fetcher crawler.Fetcher
	Jobs    crawler.JobStore
	Sink    crawler.ForumSink
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Paginator walks a forum's listing pages one at a time, extracting post
// blocks from each and persisting them incrementally, so a crash mid-run
// keeps prior pages' results.
type Paginator struct {
	job     crawler.Job
	opts    crawler.JobOptions
	fetcher crawler.Fetcher
	jobs    crawler.JobStore
	sink    crawler.ForumSink
	clock   crawler.Clock
	logger  *zap.Logger

	pages     int
	posts     int
	failedURL string
}

// New builds a paginator for the given job.
func New(cfg Config) (*Paginator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("forum: fetcher is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("forum: job store is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("forum: sink is required")
	}
	if cfg.Options.PostSelector == "" {
		return nil, fmt.Errorf("forum: post selector is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = crawler.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Paginator{
		job:     cfg.Job,
		opts:    cfg.Options,
		fetcher: cfg.Fetcher,
		jobs:    cfg.Jobs,
		sink:    cfg.Sink,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("job_id", cfg.Job.ID)),
	}, nil
}

// Run paginates until the next link stops resolving, maxPages is hit, a
// pagination loop is detected, or cancellation is observed. Posts are
// returned in extraction order; they are also already persisted.
func (p *Paginator) Run(ctx context.Context) (crawler.CrawlResult, []crawler.ForumPost) {
	now := p.clock.Now()
	status := crawler.JobStatusProcessing
	p.persist(ctx, crawler.JobUpdate{
		Status:        &status,
		StartTime:     &now,
		ProcessedURLs: &p.pages,
		FoundURLs:     &p.posts,
	})

	var collected []crawler.ForumPost
	current := p.job.StartURL
	seen := make(map[string]struct{})
	cancelled := false

	for current != "" {
		if p.opts.MaxPages > 0 && p.pages >= p.opts.MaxPages {
			p.logger.Info("page limit reached", zap.Int("pages", p.pages))
			break
		}
		if _, looped := seen[current]; looped {
			p.logger.Warn("pagination loop detected, stopping", zap.String("url", current))
			break
		}
		seen[current] = struct{}{}

		res, err := p.fetcher.Fetch(ctx, current, p.opts.FetchOptions(false))
		if err != nil {
			p.logger.Warn("forum page fetch failed", zap.String("url", current), zap.Error(err))
			p.failedURL = current
			break
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
		if err != nil {
			p.logger.Warn("forum page parse failed", zap.String("url", current), zap.Error(err))
			p.failedURL = current
			break
		}

		pagePosts := p.extractPosts(doc, current)
		for _, post := range pagePosts {
			if err := p.sink.InsertPost(ctx, post); err != nil {
				p.logger.Error("persisting forum post failed", zap.String("url", current), zap.Error(err))
			}
		}
		collected = append(collected, pagePosts...)
		p.pages++
		p.posts += len(pagePosts)
		p.persist(ctx, crawler.JobUpdate{ProcessedURLs: &p.pages, FoundURLs: &p.posts})

		if c, err := p.jobs.IsCancelled(ctx, p.job.ID); err != nil {
			p.logger.Warn("cancellation check failed", zap.Error(err))
		} else if c {
			p.logger.Info("job cancelled, stopping pagination")
			cancelled = true
			break
		}

		current = p.nextPageURL(doc, current)
	}

	final := crawler.JobStatusCompleted
	var failed []string
	switch {
	case cancelled:
		final = crawler.JobStatusCancelled
	case p.failedURL != "":
		final = crawler.JobStatusCompletedWithErrors
		failed = []string{p.failedURL}
	}
	end := p.clock.Now()
	p.persist(ctx, crawler.JobUpdate{
		Status:        &final,
		ProcessedURLs: &p.pages,
		FoundURLs:     &p.posts,
		FailedURLs:    failed,
		EndTime:       &end,
	})
	return crawler.CrawlResult{Status: final, FailedURLs: failed}, collected
}

// extractPosts pulls one ForumPost per configured post-selector block. The
// block's first heading (or .title element) becomes the title and the block's
// text content becomes the body.
func (p *Paginator) extractPosts(doc *goquery.Document, pageURL string) []crawler.ForumPost {
	var posts []crawler.ForumPost
	doc.Find(p.opts.PostSelector).Each(func(_ int, block *goquery.Selection) {
		title := strings.TrimSpace(block.Find("h1, h2, h3, .title").First().Text())
		content := strings.TrimSpace(block.Text())
		if title == "" && content == "" {
			return
		}
		posts = append(posts, crawler.ForumPost{
			ID:        uuid.NewString(),
			JobID:     p.job.ID,
			Title:     title,
			Content:   content,
			URL:       pageURL,
			ScrapedAt: p.clock.Now(),
		})
	})
	return posts
}

// nextPageURL resolves the next page from the configured selector, optionally
// requiring the link text to start with the configured prefix. An empty
// return ends the loop.
func (p *Paginator) nextPageURL(doc *goquery.Document, current string) string {
	if p.opts.NextPageSelector == "" {
		return ""
	}
	var href string
	doc.Find(p.opts.NextPageSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if p.opts.NextPageText != "" &&
			!strings.HasPrefix(strings.TrimSpace(sel.Text()), p.opts.NextPageText) {
			return true
		}
		if h, ok := sel.Attr("href"); ok && h != "" {
			href = h
			return false
		}
		return true
	})
	if href == "" {
		return ""
	}

	base, err := url.Parse(current)
	if err != nil {
		return ""
	}
	next, err := base.Parse(href)
	if err != nil {
		p.logger.Debug("dropping unparsable next link", zap.String("href", href))
		return ""
	}
	return next.String()
}

func (p *Paginator) persist(ctx context.Context, update crawler.JobUpdate) {
	if err := p.jobs.UpdateJob(ctx, p.job.ID, update); err != nil {
		p.logger.Error("persisting job update failed", zap.Error(err))
	}
}
