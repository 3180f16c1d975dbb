// Package worker implements the polling job dispatcher. It claims pending
// jobs from the job store on a fixed interval and runs the traversal strategy
// each job's options select.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/engine"
	"github.com/websweep/websweep/internal/forum"
	"github.com/websweep/websweep/internal/logging"
	"github.com/websweep/websweep/internal/metrics"
	"github.com/websweep/websweep/internal/pool"
)

const (
	defaultPollInterval = 10 * time.Second
	scrapeBatchSize     = 5

	classScrape = "scrape"
	classCrawl  = "crawl"
)

// Config holds the dispatcher settings.
type Config struct {
	PollInterval time.Duration
}

// Deps are the collaborators a Worker needs. Browser may be nil when headless
// fetching is disabled; jobs asking for it fall back to the HTTP fetcher.
type Deps struct {
	Jobs        crawler.JobStore
	Pages       crawler.PageStore
	HTTP        crawler.Fetcher
	Browser     crawler.Fetcher
	Transformer crawler.Transformer
	Pool        *pool.Pool
	Sinks       *SinkFactory
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Worker polls for pending jobs and dispatches them. Scrape and crawl jobs
// are independent classes, each guarded by its own single-flight flag: while
// a class is busy, its poll cycles are skipped, not queued.
type Worker struct {
	cfg  Config
	deps Deps

	scrapeBusy atomic.Bool
	crawlBusy  atomic.Bool
}

// New builds a worker. Flags are owned by the instance, so multiple workers
// can coexist in tests.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Jobs == nil || deps.Pages == nil {
		return nil, fmt.Errorf("worker: job and page stores are required")
	}
	if deps.HTTP == nil {
		return nil, fmt.Errorf("worker: http fetcher is required")
	}
	if deps.Transformer == nil {
		return nil, fmt.Errorf("worker: transformer is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("worker: pool is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if deps.Sinks == nil {
		deps.Sinks = NewSinkFactory(deps.Pages)
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{cfg: cfg, deps: deps}, nil
}

// Run polls until the context is cancelled. Each tick dispatches both job
// classes; in-flight cycles do not block the ticker.
func (w *Worker) Run(ctx context.Context) {
	w.deps.Logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			w.deps.Logger.Info("worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one dispatch cycle for both job classes. Exposed so tests can
// drive the worker without the ticker.
func (w *Worker) Poll(ctx context.Context) {
	w.dispatchClass(ctx, classScrape, &w.scrapeBusy, w.runScrapeBatch)
	w.dispatchClass(ctx, classCrawl, &w.crawlBusy, w.runCrawlCycle)
}

// PollAndWait runs one cycle and blocks until both classes finish. Test use.
func (w *Worker) PollAndWait(ctx context.Context) {
	done := make(chan struct{}, 2)
	run := func(busy *atomic.Bool, fn func(context.Context)) {
		if !busy.CompareAndSwap(false, true) {
			done <- struct{}{}
			return
		}
		go func() {
			defer busy.Store(false)
			defer func() { done <- struct{}{} }()
			fn(ctx)
		}()
	}
	run(&w.scrapeBusy, w.runScrapeBatch)
	run(&w.crawlBusy, w.runCrawlCycle)
	<-done
	<-done
}

func (w *Worker) dispatchClass(ctx context.Context, class string, busy *atomic.Bool, fn func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		metrics.ObservePollCycle(class, true)
		return
	}
	metrics.ObservePollCycle(class, false)
	go func() {
		defer busy.Store(false)
		fn(ctx)
	}()
}

// runCrawlCycle claims at most one crawl job. Crawl jobs are heavier than
// scrapes, so the class deliberately takes them one at a time.
func (w *Worker) runCrawlCycle(ctx context.Context) {
	jobs, err := w.deps.Jobs.FindPendingJobs(ctx, crawler.JobKindCrawl, 1)
	if err != nil {
		w.deps.Logger.Error("finding pending crawl jobs failed", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}
	w.runCrawl(ctx, jobs[0])
}

func (w *Worker) runCrawl(ctx context.Context, job crawler.Job) {
	logger := logging.ForJob(w.deps.Logger, job.ID, job.StartURL)
	start := w.deps.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("crawl strategy panicked", zap.Any("panic", r))
			w.markFailed(ctx, job.ID, panicMessage(r))
			metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusFailed), w.deps.Clock.Now().Sub(start))
		}
	}()

	opts := crawler.ParseOptions(job.Options, logger)
	result, err := w.runStrategy(ctx, job, opts, logger)
	if err != nil {
		logger.Error("crawl job failed", zap.Error(err))
		w.markFailed(ctx, job.ID, err.Error())
		metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusFailed), w.deps.Clock.Now().Sub(start))
		return
	}

	logger.Info("crawl job finished",
		zap.String("status", string(result.Status)),
		zap.Int("failed_urls", len(result.FailedURLs)))
	metrics.ObserveJob(string(job.Kind), string(result.Status), w.deps.Clock.Now().Sub(start))
	metrics.SetPoolInFlight(w.deps.Pool.InFlight())
}

// runStrategy selects and runs the traversal strategy for a crawl job. The
// strategy writes the job's terminal status itself; a returned error means it
// could not be constructed and the job must be marked failed.
func (w *Worker) runStrategy(ctx context.Context, job crawler.Job, opts crawler.JobOptions, logger *zap.Logger) (crawler.CrawlResult, error) {
	switch opts.Mode {
	case crawler.ModeForum:
		sink, err := w.deps.Sinks.ForumSink(job, opts)
		if err != nil {
			return crawler.CrawlResult{}, fmt.Errorf("forum sink: %w", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("closing forum sink failed", zap.Error(err))
			}
		}()
		p, err := forum.New(forum.Config{
			Job:     job,
			Options: opts,
			Fetcher: w.fetcherFor(opts),
			Jobs:    w.deps.Jobs,
			Sink:    sink,
			Clock:   w.deps.Clock,
			Logger:  logger,
		})
		if err != nil {
			return crawler.CrawlResult{}, err
		}
		result, posts := p.Run(ctx)
		metrics.ObserveForumPosts(len(posts))
		return result, nil

	case crawler.ModeSitemap:
		norm, err := crawler.NewNormalizer(job.StartURL)
		if err != nil {
			return crawler.CrawlResult{}, err
		}
		proc := engine.NewSitemapProcessor(job, opts, w.fetcherFor(opts), w.deps.Pages, norm, logger)
		return w.runEngine(ctx, job, opts, proc, logger)

	default:
		norm, err := crawler.NewNormalizer(job.StartURL)
		if err != nil {
			return crawler.CrawlResult{}, err
		}
		proc := engine.NewContentProcessor(job, opts, w.fetcherFor(opts), w.deps.Transformer, w.deps.Pages, norm, w.deps.Clock, logger)
		return w.runEngine(ctx, job, opts, proc, logger)
	}
}

func (w *Worker) runEngine(ctx context.Context, job crawler.Job, opts crawler.JobOptions, proc engine.PageProcessor, logger *zap.Logger) (crawler.CrawlResult, error) {
	eng, err := engine.New(engine.Config{
		Job:       job,
		Options:   opts,
		Pool:      w.deps.Pool,
		Jobs:      w.deps.Jobs,
		Processor: proc,
		Clock:     w.deps.Clock,
		Logger:    logger,
	})
	if err != nil {
		return crawler.CrawlResult{}, err
	}
	return eng.Run(ctx), nil
}

func (w *Worker) fetcherFor(opts crawler.JobOptions) crawler.Fetcher {
	if opts.UseBrowser && w.deps.Browser != nil {
		return w.deps.Browser
	}
	return w.deps.HTTP
}

// markFailed records a terminal failure. Write failures are logged and
// swallowed; they must not crash the polling loop.
func (w *Worker) markFailed(ctx context.Context, jobID, msg string) {
	status := crawler.JobStatusFailed
	end := w.deps.Clock.Now()
	update := crawler.JobUpdate{Status: &status, Error: &msg, EndTime: &end}
	if err := w.deps.Jobs.UpdateJob(ctx, jobID, update); err != nil {
		w.deps.Logger.Error("marking job failed did not persist",
			zap.String("job_id", jobID), zap.Error(err))
	}
}
