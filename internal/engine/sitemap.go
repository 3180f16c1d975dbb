package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
)

// SitemapProcessor is the sitemap traversal strategy. It shares the engine's
// queue, scope and retry discipline but builds a URL tree instead of writing
// page content; the whole tree is persisted once, when the run finishes.
type SitemapProcessor struct {
	jobID     string
	fetcher   crawler.Fetcher
	pages     crawler.PageStore
	norm      *crawler.Normalizer
	fetchOpts crawler.FetchOptions
	logger    *zap.Logger

	mu       sync.Mutex
	root     *crawler.SitemapNode
	nodes    map[string]*crawler.SitemapNode
	attached map[string]bool
}

// NewSitemapProcessor builds the sitemap strategy for one job.
func NewSitemapProcessor(job crawler.Job, opts crawler.JobOptions, fetcher crawler.Fetcher, pages crawler.PageStore, norm *crawler.Normalizer, logger *zap.Logger) *SitemapProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SitemapProcessor{
		jobID:     job.ID,
		fetcher:   fetcher,
		pages:     pages,
		norm:      norm,
		fetchOpts: opts.FetchOptions(true),
		logger:    logger.With(zap.String("job_id", job.ID)),
		nodes:     make(map[string]*crawler.SitemapNode),
		attached:  make(map[string]bool),
	}
}

// Process fetches one page and attaches its node under its parent. Nodes are
// keyed by effective URL, so canonical duplicates collapse onto one node.
func (p *SitemapProcessor) Process(ctx context.Context, item crawler.QueueItem) (PageResult, error) {
	res, err := p.fetcher.Fetch(ctx, item.URL, p.fetchOpts)
	if err != nil {
		return PageResult{}, err
	}

	effective := p.effectiveURL(item.URL, res)
	p.attach(effective, item.ParentURL)

	links := res.Links
	if len(links) == 0 {
		links = scanAnchors(res.Content)
	}
	return PageResult{EffectiveURL: effective, Links: links}, nil
}

// Finish persists the accumulated tree as a single document.
func (p *SitemapProcessor) Finish(ctx context.Context) error {
	p.mu.Lock()
	root := p.root
	p.mu.Unlock()
	if root == nil {
		return nil
	}
	return p.pages.SaveSitemap(ctx, p.jobID, root)
}

// Root returns the tree built so far.
func (p *SitemapProcessor) Root() *crawler.SitemapNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

func (p *SitemapProcessor) attach(url, parentURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node := p.node(url)
	if parentURL == "" {
		p.root = node
		p.attached[url] = true
		return
	}
	if p.attached[url] {
		return
	}
	parent := p.node(parentURL)
	parent.Children = append(parent.Children, node)
	p.attached[url] = true
}

func (p *SitemapProcessor) node(url string) *crawler.SitemapNode {
	if n, ok := p.nodes[url]; ok {
		return n
	}
	n := &crawler.SitemapNode{URL: url}
	p.nodes[url] = n
	return n
}

func (p *SitemapProcessor) effectiveURL(requested string, res crawler.FetchResult) string {
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
