package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ParentDomain extracts the parent domain of a hostname using a naive
// two/three-label heuristic: the last two labels, or the last three when the
// TLD looks like a country-code pair such as "co.uk". This is intentionally
// not a public-suffix-list lookup; changing the heuristic silently changes
// scope-policy semantics.
func ParentDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	n := len(labels)
	if n <= 2 {
		return host
	}
	if len(labels[n-1]) == 2 && len(labels[n-2]) <= 3 {
		return strings.Join(labels[n-3:], ".")
	}
	return strings.Join(labels[n-2:], ".")
}

// ScopePolicy decides whether a candidate URL is in-bounds for a crawl. It is
// a pure predicate and performs no I/O.
type ScopePolicy struct {
	mode         DomainScope
	startHost    string
	parentDomain string
}

// NewScopePolicy builds a policy from the configured scope mode and the
// crawl's start URL.
func NewScopePolicy(mode DomainScope, startURL string) (*ScopePolicy, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("start url %q has no hostname", startURL)
	}
	if mode == "" {
		mode = ScopeStrict
	}
	return &ScopePolicy{
		mode:         mode,
		startHost:    host,
		parentDomain: ParentDomain(host),
	}, nil
}

// StartHost returns the hostname of the crawl's start URL.
func (p *ScopePolicy) StartHost() string { return p.startHost }

// InScope reports whether candidate may be crawled further. An unparsable
// candidate is always out of bounds, regardless of mode.
func (p *ScopePolicy) InScope(candidate string) bool {
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	switch p.mode {
	case ScopeNone:
		return true
	case ScopeParent:
		return host == p.startHost || host == p.parentDomain
	case ScopeSubdomains:
		if host == p.startHost {
			return true
		}
		return ParentDomain(host) == p.parentDomain && host != p.parentDomain
	case ScopeParentSubdomains:
		return ParentDomain(host) == p.parentDomain
	default:
		return host == p.startHost
	}
}
