// Package engine implements the breadth-first crawl engine. One Engine
// instance owns one job run; traversal strategies plug in as PageProcessor
// implementations.
package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/pool"
)

// PageResult is what a PageProcessor returns for a successfully handled page.
// Links are raw candidate anchors; the engine normalizes, scopes and
// deduplicates them before enqueueing.
type PageResult struct {
	EffectiveURL string
	Links        []crawler.Link
}

// PageProcessor handles one fetched page for a given traversal strategy.
// Process runs concurrently for items within the same depth group and must be
// safe for that. Finish runs once, after the whole run, for strategies that
// persist an aggregate result.
type PageProcessor interface {
	Process(ctx context.Context, item crawler.QueueItem) (PageResult, error)
	Finish(ctx context.Context) error
}

// Config wires an Engine for one job run.
type Config struct {
	Job       crawler.Job
	Options   crawler.JobOptions
	Pool      *pool.Pool
	Jobs      crawler.JobStore
	Processor PageProcessor
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Engine runs one crawl job to a terminal status. Queue, visited, queued and
// failure state are owned by the run goroutine; pool tasks write only their
// own result slot, so no locking is needed around traversal state.
type Engine struct {
	job    crawler.Job
	opts   crawler.JobOptions
	pool   *pool.Pool
	jobs   crawler.JobStore
	proc   PageProcessor
	clock  crawler.Clock
	logger *zap.Logger

	norm  *crawler.Normalizer
	scope *crawler.ScopePolicy

	queue   []crawler.QueueItem
	queued  map[string]struct{}
	visited map[string]struct{}
	failed  map[string]crawler.QueueItem

	processed int
	found     int
}

// New builds an engine for the given job. The queue is seeded with the start
// URL at depth zero and the failure set is hydrated from any previously
// persisted failed URLs, so a run interrupted by a worker restart resumes its
// retry phase.
func New(cfg Config) (*Engine, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("engine: pool is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("engine: job store is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("engine: page processor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = crawler.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	norm, err := crawler.NewNormalizer(cfg.Job.StartURL)
	if err != nil {
		return nil, fmt.Errorf("engine: start url: %w", err)
	}
	scope, err := crawler.NewScopePolicy(cfg.Options.DomainScope, cfg.Job.StartURL)
	if err != nil {
		return nil, fmt.Errorf("engine: scope policy: %w", err)
	}

	e := &Engine{
		job:     cfg.Job,
		opts:    cfg.Options,
		pool:    cfg.Pool,
		jobs:    cfg.Jobs,
		proc:    cfg.Processor,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("job_id", cfg.Job.ID)),
		norm:    norm,
		scope:   scope,
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
		failed:  make(map[string]crawler.QueueItem),
	}

	// The start URL is fetched as given; only discovered links are normalized.
	e.enqueue(crawler.QueueItem{URL: cfg.Job.StartURL, Depth: 0})

	for _, u := range cfg.Job.FailedURLs {
		e.failed[u] = crawler.QueueItem{URL: u, Depth: 0}
	}
	return e, nil
}

// Run drives the job through the main phase, the single retry phase and the
// terminal status write. Per-URL failures never abort a phase; they land in
// the failure set and decide the terminal status.
func (e *Engine) Run(ctx context.Context) crawler.CrawlResult {
	e.logger.Info("starting crawl",
		zap.String("host", e.scope.StartHost()),
		zap.String("scope", string(e.opts.DomainScope)))

	now := e.clock.Now()
	status := crawler.JobStatusProcessing
	e.persist(ctx, crawler.JobUpdate{
		Status:        &status,
		StartTime:     &now,
		ProcessedURLs: &e.processed,
		FoundURLs:     &e.found,
	})

	for len(e.queue) > 0 {
		if e.cancelled(ctx) {
			return e.finishCancelled(ctx)
		}
		e.runGroup(ctx, e.nextDepthGroup(), true)
		e.persistCounters(ctx)
	}

	if len(e.failed) > 0 {
		if e.cancelled(ctx) {
			return e.finishCancelled(ctx)
		}
		e.runGroup(ctx, e.retryGroup(), false)
		e.persistCounters(ctx)
	}

	if err := e.proc.Finish(ctx); err != nil {
		e.logger.Error("finishing strategy output failed", zap.Error(err))
	}

	// A cancellation that landed during the last group must not be
	// overwritten by the terminal write.
	if e.cancelled(ctx) {
		return e.finishCancelled(ctx)
	}

	final := crawler.JobStatusCompleted
	if len(e.failed) > 0 {
		final = crawler.JobStatusCompletedWithErrors
	}
	end := e.clock.Now()
	failedList := e.failedList()
	e.persist(ctx, crawler.JobUpdate{
		Status:        &final,
		ProcessedURLs: &e.processed,
		FoundURLs:     &e.found,
		FailedURLs:    failedList,
		EndTime:       &end,
	})
	return crawler.CrawlResult{Status: final, FailedURLs: failedList}
}

// nextDepthGroup pops the contiguous front-of-queue run sharing the minimum
// depth. Breadth-first insertion keeps same-depth items contiguous.
func (e *Engine) nextDepthGroup() []crawler.QueueItem {
	depth := e.queue[0].Depth
	n := 0
	for n < len(e.queue) && e.queue[n].Depth == depth {
		n++
	}
	group := e.queue[:n]
	e.queue = e.queue[n:]
	return group
}

// retryGroup converts the failure set into one retry item per URL, removes
// those URLs from the visited set so they are eligible again, and clears the
// set. Retries run at depth zero; whatever fails again is final.
func (e *Engine) retryGroup() []crawler.QueueItem {
	urls := make([]string, 0, len(e.failed))
	for u := range e.failed {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	group := make([]crawler.QueueItem, 0, len(urls))
	for _, u := range urls {
		item := e.failed[u]
		item.Depth = 0
		delete(e.visited, e.keyFor(u))
		group = append(group, item)
	}
	e.failed = make(map[string]crawler.QueueItem)
	return group
}

// keyFor is the dedupe key for a URL: its normalized form. Discovered links
// are already normalized; this matters for the raw start URL and hydrated
// failed URLs, whose normalized form may differ from the fetched spelling.
func (e *Engine) keyFor(u string) string {
	if k, err := e.norm.Normalize(u, ""); err == nil {
		return k
	}
	return u
}

// clearFailed removes every failure entry that names the same resource as u.
// Hydrated entries keep their persisted spelling, so matching goes through the
// dedupe key rather than the raw string.
func (e *Engine) clearFailed(u string) {
	delete(e.failed, u)
	key := e.keyFor(u)
	for f := range e.failed {
		if e.keyFor(f) == key {
			delete(e.failed, f)
		}
	}
}

// runGroup submits one pool task per item and waits for the whole group before
// returning. Each task writes only its own result slot; link admission happens
// afterwards on the run goroutine.
func (e *Engine) runGroup(ctx context.Context, group []crawler.QueueItem, followLinks bool) {
	type dispatched struct {
		item   crawler.QueueItem
		handle *pool.Handle
		result *PageResult
	}

	tasks := make([]dispatched, 0, len(group))
	for _, item := range group {
		key := e.keyFor(item.URL)
		if _, seen := e.visited[key]; seen {
			continue
		}
		e.visited[key] = struct{}{}

		result := &PageResult{}
		handle := e.pool.Submit(ctx, func(ctx context.Context) error {
			r, err := e.proc.Process(ctx, item)
			if err != nil {
				return err
			}
			*result = r
			return nil
		})
		tasks = append(tasks, dispatched{item: item, handle: handle, result: result})
	}

	for _, t := range tasks {
		if err := t.handle.Wait(ctx); err != nil {
			e.logger.Warn("page processing failed",
				zap.String("url", t.item.URL),
				zap.Int("depth", t.item.Depth),
				zap.Error(err))
			e.failed[t.item.URL] = t.item
			continue
		}
		e.processed++
		// A success also clears any hydrated failure entry for the URL;
		// otherwise the retry phase would refetch a page this run already
		// persisted.
		e.clearFailed(t.item.URL)
		if followLinks {
			e.admitLinks(*t.result, t.item.Depth+1)
		}
	}
}

// admitLinks normalizes each candidate anchor against the page's effective
// URL and enqueues the survivors. Unparsable links are dropped, not errors.
func (e *Engine) admitLinks(result PageResult, depth int) {
	if !e.opts.DepthAllowed(depth) {
		return
	}
	base := result.EffectiveURL
	for _, link := range result.Links {
		normalized, err := e.norm.Normalize(link.Href, base)
		if err != nil {
			e.logger.Debug("dropping unparsable link",
				zap.String("href", link.Href), zap.String("base", base))
			continue
		}
		if !e.scope.InScope(normalized) {
			continue
		}
		e.enqueue(crawler.QueueItem{URL: normalized, Depth: depth, ParentURL: base})
	}
}

// enqueue admits an item unless its URL was already queued or visited. Each
// admitted URL bumps the found counter exactly once.
func (e *Engine) enqueue(item crawler.QueueItem) {
	key := e.keyFor(item.URL)
	if _, ok := e.queued[key]; ok {
		return
	}
	if _, ok := e.visited[key]; ok {
		return
	}
	e.queued[key] = struct{}{}
	e.queue = append(e.queue, item)
	e.found++
}

func (e *Engine) cancelled(ctx context.Context) bool {
	cancelled, err := e.jobs.IsCancelled(ctx, e.job.ID)
	if err != nil {
		e.logger.Warn("cancellation check failed", zap.Error(err))
		return false
	}
	return cancelled
}

func (e *Engine) finishCancelled(ctx context.Context) crawler.CrawlResult {
	e.logger.Info("job cancelled, stopping between depth groups")
	end := e.clock.Now()
	status := crawler.JobStatusCancelled
	failedList := e.failedList()
	e.persist(ctx, crawler.JobUpdate{
		Status:        &status,
		ProcessedURLs: &e.processed,
		FoundURLs:     &e.found,
		FailedURLs:    failedList,
		EndTime:       &end,
	})
	return crawler.CrawlResult{Status: crawler.JobStatusCancelled, FailedURLs: failedList}
}

func (e *Engine) persistCounters(ctx context.Context) {
	e.persist(ctx, crawler.JobUpdate{
		ProcessedURLs: &e.processed,
		FoundURLs:     &e.found,
		FailedURLs:    e.failedList(),
	})
}

// persist writes a job update and swallows failures. A missed progress write
// is overwritten by the next phase; it must not fail the run.
func (e *Engine) persist(ctx context.Context, update crawler.JobUpdate) {
	if err := e.jobs.UpdateJob(ctx, e.job.ID, update); err != nil {
		e.logger.Error("persisting job update failed", zap.Error(err))
	}
}

func (e *Engine) failedList() []string {
	urls := make([]string, 0, len(e.failed))
	for u := range e.failed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}
