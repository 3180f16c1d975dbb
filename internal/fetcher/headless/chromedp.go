// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
)

const (
	desktopUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered page.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout(opts))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, pageURL, opts)
	if err != nil {
		return crawler.FetchResult{}, err
	}

	status, responseURL := meta.snapshotWithFallbacks(pageURL, finalURL)
	if status >= http.StatusBadRequest {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: status %d", pageURL, status)
	}

	result := crawler.FetchResult{
		URL:       responseURL,
		Content:   html,
		FetchedAt: start.UTC(),
	}
	f.parseDocument(&result, responseURL, html)
	return result, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, pageURL string, opts crawler.FetchOptions) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(opts),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(opts crawler.FetchOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := f.userAgent(opts); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if opts.UseCookies && opts.CookieString != "" {
			headers := network.Headers{"Cookie": opts.CookieString}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set cookie header: %w", err)
			}
		}
		return nil
	})
}

// parseDocument extracts the title, canonical link and anchors from the
// rendered DOM. Parse failures leave the metadata fields empty.
func (f *Fetcher) parseDocument(result *crawler.FetchResult, responseURL, html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		f.logger.Warn("parsing rendered page failed", zap.String("url", responseURL), zap.Error(err))
		return
	}

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		result.Canonical = absoluteURL(responseURL, href)
	}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == "" {
			return
		}
		result.Links = append(result.Links, crawler.Link{
			Href: href,
			Text: strings.TrimSpace(sel.Text()),
		})
	})
}

func absoluteURL(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}

func (f *Fetcher) userAgent(opts crawler.FetchOptions) string {
	if f.cfg.UserAgent != "" {
		return f.cfg.UserAgent
	}
	if strings.EqualFold(opts.BrowserType, "mobile") {
		return mobileUserAgent
	}
	return desktopUserAgent
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, responseURL := m.status, m.url
	m.mu.RUnlock()

	switch {
	case responseURL != "":
	case finalURL != "":
		responseURL = finalURL
	default:
		responseURL = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, responseURL
}

func (f *Fetcher) navTimeout(opts crawler.FetchOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return f.cfg.NavigationTimeout
}
