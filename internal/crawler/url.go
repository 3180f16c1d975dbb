package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalizer canonicalizes discovered links relative to a crawl's start URL
// so the same resource is never queued twice under different spellings.
type Normalizer struct {
	startPath string
}

// NewNormalizer builds a Normalizer for the given start URL. The start URL's
// non-root path prefix is stripped from resolved links, flattening
// crawl-relative paths back to a canonical form.
func NewNormalizer(startURL string) (*Normalizer, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported start url scheme %q", u.Scheme)
	}
	path := stripHTMLSuffix(strings.TrimSuffix(u.Path, "/"))
	if path == "/" {
		path = ""
	}
	return &Normalizer{startPath: path}, nil
}

// Normalize resolves ref against base and canonicalizes the result: the
// fragment and query string are dropped, the start-path prefix is stripped,
// and a trailing ".html" is removed so extension and no-extension variants of
// the same resource collapse. An unparsable or non-HTTP reference returns an
// error; callers treat that as "drop this link".
//
// Normalize is idempotent: normalizing an already-normalized URL yields the
// same string. The prefix and suffix strips run to a fixed point so repeated
// segments cannot break that property.
func (n *Normalizer) Normalize(ref string, base string) (string, error) {
	var (
		u   *url.URL
		err error
	)
	if base != "" {
		var b *url.URL
		b, err = url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		u, err = b.Parse(ref)
	} else {
		u, err = url.Parse(ref)
	}
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", ref)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = ""

	// The prefix and suffix strips interleave until the path is stable:
	// stripping ".html" can recreate the start path, which must then be
	// stripped again or the result is not a fixed point.
	path := u.Path
	for {
		prev := path
		if n.startPath != "" {
			switch {
			case path == n.startPath:
				path = "/"
			case strings.HasPrefix(path, n.startPath+"/"):
				path = path[len(n.startPath):]
			}
		}
		path = stripHTMLSuffix(path)
		if path == prev {
			break
		}
	}
	if path == "" {
		path = "/"
	}
	u.Path = path
	return u.String(), nil
}

func stripHTMLSuffix(path string) string {
	for strings.HasSuffix(path, ".html") {
		path = strings.TrimSuffix(path, ".html")
	}
	return path
}
