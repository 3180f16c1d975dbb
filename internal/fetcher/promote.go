// Package fetcher composes the concrete fetch strategies.
package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/fetcher/detector"
)

// Promoting wraps a static fetcher and escalates to a browser fetcher when
// the fetched page looks client-rendered. Promotion is best effort: if the
// browser fetch fails, the static result stands.
type Promoting struct {
	static  crawler.Fetcher
	browser crawler.Fetcher
	det     *detector.Heuristic
	logger  *zap.Logger
}

// NewPromoting builds the promoting fetcher.
func NewPromoting(static, browser crawler.Fetcher, det *detector.Heuristic, logger *zap.Logger) *Promoting {
	if det == nil {
		det = detector.NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{static: static, browser: browser, det: det, logger: logger}
}

// Fetch fetches statically first and re-fetches with the browser when the
// detector flags the result.
func (p *Promoting) Fetch(ctx context.Context, url string, opts crawler.FetchOptions) (crawler.FetchResult, error) {
	res, err := p.static.Fetch(ctx, url, opts)
	if err != nil {
		return res, err
	}
	if p.browser == nil || !p.det.ShouldPromote(res.Content) {
		return res, nil
	}

	p.logger.Debug("promoting fetch to headless browser", zap.String("url", url))
	rendered, err := p.browser.Fetch(ctx, url, opts)
	if err != nil {
		p.logger.Warn("headless promotion failed, keeping static result",
			zap.String("url", url), zap.Error(err))
		return res, nil
	}
	return rendered, nil
}
