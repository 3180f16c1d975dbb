package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/pool"
	"github.com/websweep/websweep/internal/storage/memory"
)

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]crawler.FetchResult
	fetches map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]crawler.FetchResult), fetches: make(map[string]int)}
}

func (f *fakeFetcher) add(url, body string) {
	f.pages[url] = crawler.FetchResult{URL: url, Title: url, Content: body, FetchedAt: time.Now()}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ crawler.FetchOptions) (crawler.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[url]++
	res, ok := f.pages[url]
	if !ok {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: status 404", url)
	}
	return res, nil
}

type echoTransformer struct{}

func (echoTransformer) Markdown(html string, _ string) string { return html }

func newTestWorker(t *testing.T, store *memory.Store, fetcher crawler.Fetcher) *Worker {
	t.Helper()
	w, err := New(Config{PollInterval: time.Minute}, Deps{
		Jobs:        store,
		Pages:       store,
		HTTP:        fetcher,
		Transformer: echoTransformer{},
		Pool:        pool.New(2),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return w
}

func addPending(t *testing.T, store *memory.Store, job crawler.Job) crawler.Job {
	t.Helper()
	job.Status = crawler.JobStatusPending
	require.NoError(t, store.AddJob(job))
	return job
}

func optionsJSON(t *testing.T, opts crawler.JobOptions) string {
	t.Helper()
	raw, err := json.Marshal(opts)
	require.NoError(t, err)
	return string(raw)
}

func TestWorker_ScrapeBatchHonorsLimit(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < scrapeBatchSize+1; i++ {
		url := fmt.Sprintf("http://example.com/s/%d", i)
		fetcher.add(url, "<html><body>page</body></html>")
		addPending(t, store, crawler.Job{
			ID:        fmt.Sprintf("s-%d", i),
			Kind:      crawler.JobKindScrape,
			StartURL:  url,
			Submitted: base.Add(time.Duration(i) * time.Minute),
		})
	}

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	completed := 0
	pending := 0
	for i := 0; i < scrapeBatchSize+1; i++ {
		job, err := store.GetJob(context.Background(), fmt.Sprintf("s-%d", i))
		require.NoError(t, err)
		switch job.Status {
		case crawler.JobStatusCompleted:
			completed++
		case crawler.JobStatusPending:
			pending++
		}
	}
	require.Equal(t, scrapeBatchSize, completed)
	require.Equal(t, 1, pending)

	// Jobs are claimed oldest-first, so the newest one is left behind.
	last, err := store.GetJob(context.Background(), fmt.Sprintf("s-%d", scrapeBatchSize))
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, last.Status)
}

func TestWorker_ScrapeWritesPage(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://example.com/doc", "<html><body>hello</body></html>")
	job := addPending(t, store, crawler.Job{ID: "s-page", Kind: crawler.JobKindScrape, StartURL: "http://example.com/doc"})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
	require.Equal(t, 1, stored.ProcessedURLs)
	require.NotNil(t, stored.EndTime)

	pages := store.Pages(job.ID)
	require.Len(t, pages, 1)
	require.Equal(t, "http://example.com/doc", pages[0].URL)
	require.Contains(t, pages[0].Markdown, "hello")
}

func TestWorker_ScrapeFetchFailureMarksFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	job := addPending(t, store, crawler.Job{ID: "s-bad", Kind: crawler.JobKindScrape, StartURL: "http://example.com/missing"})

	w := newTestWorker(t, store, newFakeFetcher())
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, stored.Status)
	require.Contains(t, stored.Error, "404")
}

func TestWorker_CrawlContentJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://example.com/", `<html><body><a href="/a">a</a></body></html>`)
	fetcher.add("http://example.com/a", "<html><body>leaf</body></html>")
	job := addPending(t, store, crawler.Job{ID: "c-1", Kind: crawler.JobKindCrawl, StartURL: "http://example.com/"})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
	require.Equal(t, 2, stored.ProcessedURLs)
	require.Len(t, store.Pages(job.ID), 2)
}

func TestWorker_CrawlTakesOneJobPerCycle(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://one.test/", "<html><body>1</body></html>")
	fetcher.add("http://two.test/", "<html><body>2</body></html>")
	addPending(t, store, crawler.Job{ID: "c-one", Kind: crawler.JobKindCrawl, StartURL: "http://one.test/", Submitted: time.Now().Add(-2 * time.Hour)})
	addPending(t, store, crawler.Job{ID: "c-two", Kind: crawler.JobKindCrawl, StartURL: "http://two.test/", Submitted: time.Now().Add(-time.Hour)})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	first, err := store.GetJob(context.Background(), "c-one")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, first.Status)

	second, err := store.GetJob(context.Background(), "c-two")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, second.Status)

	w.PollAndWait(context.Background())
	second, err = store.GetJob(context.Background(), "c-two")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, second.Status)
}

func TestWorker_ForumJobUsesDefaultSink(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://forum.test/t", `<html><body><div class="post"><h2>Hi</h2><p>body</p></div></body></html>`)

	opts := crawler.JobOptions{Mode: crawler.ModeForum, PostSelector: "div.post", NextPageSelector: "a.next"}
	job := addPending(t, store, crawler.Job{
		ID:       "f-1",
		Kind:     crawler.JobKindCrawl,
		StartURL: "http://forum.test/t",
		Options:  optionsJSON(t, opts),
	})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)

	posts := store.Posts(job.ID)
	require.Len(t, posts, 1)
	require.Equal(t, "Hi", posts[0].Title)
}

func TestWorker_SitemapJobSavesTree(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://example.com/", `<html><body><a href="/child">c</a></body></html>`)
	fetcher.add("http://example.com/child", "<html><body></body></html>")

	job := addPending(t, store, crawler.Job{
		ID:       "m-1",
		Kind:     crawler.JobKindCrawl,
		StartURL: "http://example.com/",
		Options:  optionsJSON(t, crawler.JobOptions{Mode: crawler.ModeSitemap}),
	})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	root := store.Sitemap(job.ID)
	require.NotNil(t, root)
	require.Equal(t, "http://example.com/", root.URL)
	require.Len(t, root.Children, 1)
}

func TestWorker_MalformedOptionsDegradeToDefaults(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://example.com/", "<html><body>ok</body></html>")
	job := addPending(t, store, crawler.Job{
		ID:       "c-opts",
		Kind:     crawler.JobKindCrawl,
		StartURL: "http://example.com/",
		Options:  "{not json",
	})

	w := newTestWorker(t, store, fetcher)
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
}

func TestWorker_BadStartURLMarksFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	job := addPending(t, store, crawler.Job{ID: "c-bad", Kind: crawler.JobKindCrawl, StartURL: "ftp://example.com/"})

	w := newTestWorker(t, store, newFakeFetcher())
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, stored.Status)
	require.NotEmpty(t, stored.Error)
}

func TestWorker_BusyClassSkipsCycle(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add("http://example.com/", "<html><body>ok</body></html>")
	addPending(t, store, crawler.Job{ID: "c-skip", Kind: crawler.JobKindCrawl, StartURL: "http://example.com/"})

	w := newTestWorker(t, store, fetcher)
	w.crawlBusy.Store(true)
	w.PollAndWait(context.Background())

	stored, err := store.GetJob(context.Background(), "c-skip")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, stored.Status)

	w.crawlBusy.Store(false)
	w.PollAndWait(context.Background())
	stored, err = store.GetJob(context.Background(), "c-skip")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
}

func TestSinkFactory_Selection(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	factory := NewSinkFactory(store)
	job := crawler.Job{ID: "sink-job"}

	sink, err := factory.ForumSink(job, crawler.JobOptions{Output: crawler.OutputDefault})
	require.NoError(t, err)
	require.NoError(t, sink.InsertPost(context.Background(), crawler.ForumPost{JobID: job.ID, Title: "t"}))
	require.NoError(t, sink.Close())
	require.Len(t, store.Posts(job.ID), 1)

	_, err = factory.ForumSink(job, crawler.JobOptions{Output: crawler.OutputSQLite})
	require.Error(t, err)

	fileSink, err := factory.ForumSink(job, crawler.JobOptions{
		Output:   crawler.OutputFile,
		FilePath: t.TempDir() + "/posts.jsonl",
	})
	require.NoError(t, err)
	require.NoError(t, fileSink.Close())

	_, err = factory.ForumSink(job, crawler.JobOptions{Output: "bogus"})
	require.Error(t, err)
}
