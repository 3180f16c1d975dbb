// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
)

const (
	defaultTimeout = 15 * time.Second

	desktopUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	CacheDir      string
}

// Fetcher implements crawler.Fetcher with a cloned Colly collector per
// request. It extracts the title, declared canonical link and outbound
// anchors alongside the raw body.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET. HTTP 4xx/5xx responses surface as
// returned errors. When opts.Retries is positive the request is re-attempted
// that many times before the error is returned; the crawl engine always
// passes zero so its own retry phase stays deterministic.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	attempts := opts.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := f.fetchOnce(ctx, url, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return crawler.FetchResult{}, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	collector := f.buildCollector(opts, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.FetchResult{}, err
	}
	if result.URL == "" {
		result.URL = url
	}
	result.FetchedAt = time.Now().UTC()
	return result, nil
}

func (f *Fetcher) buildCollector(opts crawler.FetchOptions, result *crawler.FetchResult, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.userAgent(opts)
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.WithTransport(f.transport)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	if opts.UseCache && f.cfg.CacheDir != "" {
		collector.CacheDir = f.cfg.CacheDir
	}

	collector.OnRequest(func(r *colly.Request) {
		if opts.UseCookies && opts.CookieString != "" {
			r.Headers.Set("Cookie", opts.CookieString)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		result.URL = r.Request.URL.String()
		result.Content = string(r.Body)
	})

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})

	collector.OnHTML(`link[rel="canonical"]`, func(e *colly.HTMLElement) {
		if href := e.Attr("href"); href != "" && result.Canonical == "" {
			result.Canonical = e.Request.AbsoluteURL(href)
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" {
			return
		}
		result.Links = append(result.Links, crawler.Link{
			Href: href,
			Text: strings.TrimSpace(e.Text),
		})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = fmt.Errorf("http status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) userAgent(opts crawler.FetchOptions) string {
	if f.cfg.UserAgent != "" {
		return f.cfg.UserAgent
	}
	if opts.BrowserType == "mobile" {
		return mobileUserAgent
	}
	return desktopUserAgent
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", url, *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
