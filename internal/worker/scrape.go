package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/metrics"
)

// runScrapeBatch claims up to scrapeBatchSize single-page scrape jobs,
// oldest first, and runs them back to back.
func (w *Worker) runScrapeBatch(ctx context.Context) {
	jobs, err := w.deps.Jobs.FindPendingJobs(ctx, crawler.JobKindScrape, scrapeBatchSize)
	if err != nil {
		w.deps.Logger.Error("finding pending scrape jobs failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		w.runScrape(ctx, job)
	}
}

// runScrape fetches one page, converts it and upserts it. Unlike crawl jobs
// the fetcher's cache and internal retries are passed through unchanged.
func (w *Worker) runScrape(ctx context.Context, job crawler.Job) {
	logger := w.deps.Logger.With(zap.String("job_id", job.ID), zap.String("url", job.StartURL))
	start := w.deps.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scrape panicked", zap.Any("panic", r))
			w.markFailed(ctx, job.ID, panicMessage(r))
			metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusFailed), w.deps.Clock.Now().Sub(start))
		}
	}()

	opts := crawler.ParseOptions(job.Options, logger)

	status := crawler.JobStatusProcessing
	w.persistStatus(ctx, job.ID, crawler.JobUpdate{Status: &status, StartTime: &start}, logger)

	res, err := w.fetcherFor(opts).Fetch(ctx, job.StartURL, opts.FetchOptions(false))
	if err != nil {
		logger.Warn("scrape fetch failed", zap.Error(err))
		metrics.ObservePage(job.StartURL, "error")
		w.markFailed(ctx, job.ID, err.Error())
		metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusFailed), w.deps.Clock.Now().Sub(start))
		return
	}
	metrics.ObservePage(job.StartURL, "ok")

	effective := scrapeEffectiveURL(job.StartURL, res)
	fetchedAt := res.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = w.deps.Clock.Now()
	}
	page := crawler.ScrapedPage{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		URL:       effective,
		Title:     res.Title,
		Content:   res.Content,
		Markdown:  w.deps.Transformer.Markdown(res.Content, effective),
		FetchedAt: fetchedAt,
	}
	if err := w.deps.Pages.UpsertPage(ctx, page); err != nil {
		logger.Error("persisting scraped page failed", zap.Error(err))
	}

	final := crawler.JobStatusCompleted
	if cancelled, err := w.deps.Jobs.IsCancelled(ctx, job.ID); err == nil && cancelled {
		final = crawler.JobStatusCancelled
	}
	processed := 1
	end := w.deps.Clock.Now()
	w.persistStatus(ctx, job.ID, crawler.JobUpdate{
		Status:        &final,
		ProcessedURLs: &processed,
		EndTime:       &end,
	}, logger)
	metrics.ObserveJob(string(job.Kind), string(final), end.Sub(start))
}

// scrapeEffectiveURL keys a scraped page: the declared canonical link when
// present, else the response URL, else the requested URL.
func scrapeEffectiveURL(requested string, res crawler.FetchResult) string {
	if res.Canonical != "" {
		return res.Canonical
	}
	if res.URL != "" {
		return res.URL
	}
	return requested
}

func (w *Worker) persistStatus(ctx context.Context, jobID string, update crawler.JobUpdate, logger *zap.Logger) {
	if err := w.deps.Jobs.UpdateJob(ctx, jobID, update); err != nil {
		logger.Error("persisting job status failed", zap.Error(err))
	}
}

func panicMessage(r any) string {
	return fmt.Sprintf("panic: %v", r)
}
