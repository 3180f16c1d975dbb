// Package markdown converts fetched HTML to markdown for persistence.
package markdown

import (
	"net/url"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"go.uber.org/zap"
)

// Transformer implements crawler.Transformer. Conversion failures degrade to
// an empty string so a bad page never fails the crawl that found it.
type Transformer struct {
	logger *zap.Logger
}

// New builds a Transformer.
func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger}
}

// Markdown converts html to markdown. pageURL supplies the domain used to
// absolutize relative links; an unparsable pageURL just skips that step.
func (t *Transformer) Markdown(html string, pageURL string) string {
	opts := make([]converter.ConvertOptionFunc, 0, 1)
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		opts = append(opts, converter.WithDomain(u.Scheme+"://"+u.Host))
	}
	md, err := htmltomarkdown.ConvertString(html, opts...)
	if err != nil {
		t.logger.Warn("markdown conversion failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	return md
}
