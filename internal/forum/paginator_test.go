package forum

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/storage/memory"
)

type pageFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetches []string
}

func (f *pageFetcher) Fetch(_ context.Context, url string, _ crawler.FetchOptions) (crawler.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, url)
	body, ok := f.pages[url]
	if !ok {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: status 404", url)
	}
	return crawler.FetchResult{URL: url, Content: body, FetchedAt: time.Now()}, nil
}

type collectSink struct {
	mu     sync.Mutex
	posts  []crawler.ForumPost
	closed bool
}

func (s *collectSink) InsertPost(_ context.Context, post crawler.ForumPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, post)
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func forumPage(posts []string, nextHref string) string {
	body := ""
	for i, p := range posts {
		body += fmt.Sprintf(`<div class="post"><h2>Post %d</h2><p>%s</p></div>`, i+1, p)
	}
	if nextHref != "" {
		body += fmt.Sprintf(`<a class="next" href=%q>Next page</a>`, nextHref)
	}
	return "<html><body>" + body + "</body></html>"
}

func newPaginator(t *testing.T, store *memory.Store, fetcher crawler.Fetcher, sink crawler.ForumSink, job crawler.Job, opts crawler.JobOptions) *Paginator {
	t.Helper()
	if opts.PostSelector == "" {
		opts.PostSelector = "div.post"
	}
	if opts.NextPageSelector == "" {
		opts.NextPageSelector = "a.next"
	}
	job.Status = crawler.JobStatusPending
	require.NoError(t, store.AddJob(job))
	p, err := New(Config{
		Job:     job,
		Options: opts,
		Fetcher: fetcher,
		Jobs:    store,
		Sink:    sink,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return p
}

func TestPaginator_WalksPagesAndExtractsPosts(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		"http://forum.test/t/1":        forumPage([]string{"first body"}, "/t/1?page=2"),
		"http://forum.test/t/1?page=2": forumPage([]string{"second body", "third body"}, ""),
	}}
	store := memory.NewStore()
	sink := &collectSink{}
	p := newPaginator(t, store, fetcher, sink,
		crawler.Job{ID: "f-1", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/t/1"},
		crawler.JobOptions{Mode: crawler.ModeForum})

	result, posts := p.Run(context.Background())
	require.Equal(t, crawler.JobStatusCompleted, result.Status)
	require.Empty(t, result.FailedURLs)
	require.Len(t, posts, 3)
	require.Equal(t, posts, sink.posts)

	require.Equal(t, "Post 1", posts[0].Title)
	require.Contains(t, posts[0].Content, "first body")
	require.Equal(t, "http://forum.test/t/1", posts[0].URL)
	require.Equal(t, "http://forum.test/t/1?page=2", posts[1].URL)

	stored, err := store.GetJob(context.Background(), "f-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, stored.Status)
	require.Equal(t, 2, stored.ProcessedURLs)
	require.Equal(t, 3, stored.FoundURLs)
}

func TestPaginator_MaxPagesStopsEvenWithEndlessNext(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{}}
	for i := 1; i <= 10; i++ {
		fetcher.pages[fmt.Sprintf("http://forum.test/p/%d", i)] =
			forumPage([]string{"body"}, fmt.Sprintf("/p/%d", i+1))
	}
	store := memory.NewStore()
	sink := &collectSink{}
	p := newPaginator(t, store, fetcher, sink,
		crawler.Job{ID: "f-2", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/p/1"},
		crawler.JobOptions{Mode: crawler.ModeForum, MaxPages: 2})

	result, posts := p.Run(context.Background())
	require.Equal(t, crawler.JobStatusCompleted, result.Status)
	require.Len(t, fetcher.fetches, 2)
	require.Len(t, posts, 2)
}

func TestPaginator_LoopGuardHaltsWithoutError(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		"http://forum.test/a": forumPage([]string{"a"}, "/b"),
		"http://forum.test/b": forumPage([]string{"b"}, "/a"),
	}}
	store := memory.NewStore()
	sink := &collectSink{}
	p := newPaginator(t, store, fetcher, sink,
		crawler.Job{ID: "f-3", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/a"},
		crawler.JobOptions{Mode: crawler.ModeForum})

	result, posts := p.Run(context.Background())
	require.Equal(t, crawler.JobStatusCompleted, result.Status)
	require.Empty(t, result.FailedURLs)
	require.Len(t, posts, 2)
	require.Equal(t, []string{"http://forum.test/a", "http://forum.test/b"}, fetcher.fetches)
}

func TestPaginator_NextPageTextFilter(t *testing.T) {
	t.Parallel()

	page1 := `<html><body>
		<div class="post"><h2>Only</h2><p>body</p></div>
		<a class="next" href="/prev">Previous</a>
		<a class="next" href="/two">Next page</a>
	</body></html>`
	fetcher := &pageFetcher{pages: map[string]string{
		"http://forum.test/one": page1,
		"http://forum.test/two": forumPage([]string{"last"}, ""),
	}}
	store := memory.NewStore()
	sink := &collectSink{}
	opts := crawler.JobOptions{Mode: crawler.ModeForum, NextPageText: "Next"}
	p := newPaginator(t, store, fetcher, sink,
		crawler.Job{ID: "f-4", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/one"}, opts)

	_, posts := p.Run(context.Background())
	require.Equal(t, []string{"http://forum.test/one", "http://forum.test/two"}, fetcher.fetches)
	require.Len(t, posts, 2)
}

func TestPaginator_CancellationStopsBetweenPages(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		"http://forum.test/x": forumPage([]string{"x"}, "/y"),
		"http://forum.test/y": forumPage([]string{"y"}, ""),
	}}
	store := memory.NewStore()
	sink := &collectSink{}
	cancelling := &cancelOnFetch{inner: fetcher, store: store, jobID: "f-5"}
	p := newPaginator(t, store, cancelling, sink,
		crawler.Job{ID: "f-5", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/x"},
		crawler.JobOptions{Mode: crawler.ModeForum})

	result, posts := p.Run(context.Background())
	require.Equal(t, crawler.JobStatusCancelled, result.Status)
	require.Len(t, posts, 1)
	require.Len(t, fetcher.fetches, 1)
}

// cancelOnFetch flips the job to cancelled as a side effect of the first
// fetch, so the check after that page observes it.
type cancelOnFetch struct {
	inner *pageFetcher
	store *memory.Store
	jobID string
	once  sync.Once
}

func (f *cancelOnFetch) Fetch(ctx context.Context, url string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	res, err := f.inner.Fetch(ctx, url, opts)
	f.once.Do(func() {
		status := crawler.JobStatusCancelled
		_ = f.store.UpdateJob(ctx, f.jobID, crawler.JobUpdate{Status: &status})
	})
	return res, err
}

func TestPaginator_FetchFailureEndsWithErrors(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		"http://forum.test/ok": forumPage([]string{"ok"}, "/gone"),
	}}
	store := memory.NewStore()
	sink := &collectSink{}
	p := newPaginator(t, store, fetcher, sink,
		crawler.Job{ID: "f-6", Kind: crawler.JobKindCrawl, StartURL: "http://forum.test/ok"},
		crawler.JobOptions{Mode: crawler.ModeForum})

	result, posts := p.Run(context.Background())
	require.Equal(t, crawler.JobStatusCompletedWithErrors, result.Status)
	require.Equal(t, []string{"http://forum.test/gone"}, result.FailedURLs)
	require.Len(t, posts, 1)
}

func TestPaginator_RequiresPostSelector(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Job:     crawler.Job{ID: "f-7", StartURL: "http://forum.test/"},
		Options: crawler.JobOptions{Mode: crawler.ModeForum},
		Fetcher: &pageFetcher{},
		Jobs:    memory.NewStore(),
		Sink:    &collectSink{},
	})
	require.Error(t, err)
}
