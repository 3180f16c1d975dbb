// Package memory provides an in-memory store for development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/websweep/websweep/internal/crawler"
)

// ErrJobNotFound is returned for lookups of unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Store implements crawler.JobStore and crawler.PageStore in memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]crawler.Job
	pages    map[string]map[string]crawler.ScrapedPage
	posts    map[string][]crawler.ForumPost
	sitemaps map[string]*crawler.SitemapNode
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]crawler.Job),
		pages:    make(map[string]map[string]crawler.ScrapedPage),
		posts:    make(map[string][]crawler.ForumPost),
		sitemaps: make(map[string]*crawler.SitemapNode),
	}
}

// AddJob stores a new job row.
func (s *Store) AddJob(job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.Kind == "" {
		job.Kind = crawler.JobKindCrawl
	}
	s.jobs[job.ID] = job
	return nil
}

// FindPendingJobs returns up to limit pending jobs of the given kind,
// oldest-first.
func (s *Store) FindPendingJobs(_ context.Context, kind crawler.JobKind, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Status == crawler.JobStatusPending && job.Kind == kind {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, ErrJobNotFound
	}
	return job, nil
}

// UpdateJob applies a partial update to a job row.
func (s *Store) UpdateJob(_ context.Context, id string, update crawler.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.ProcessedURLs != nil {
		job.ProcessedURLs = *update.ProcessedURLs
	}
	if update.FoundURLs != nil {
		job.FoundURLs = *update.FoundURLs
	}
	if update.FailedURLs != nil {
		job.FailedURLs = append([]string(nil), update.FailedURLs...)
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.StartTime != nil {
		job.StartTime = update.StartTime
	}
	if update.EndTime != nil {
		job.EndTime = update.EndTime
	}
	s.jobs[id] = job
	return nil
}

// IsCancelled reports whether a job has been externally cancelled.
func (s *Store) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	return job.Status == crawler.JobStatusCancelled, nil
}

// UpsertPage stores a page keyed by (job, effective URL); repeated visits to
// the same effective URL overwrite rather than duplicate.
func (s *Store) UpsertPage(_ context.Context, page crawler.ScrapedPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.pages[page.JobID]
	if !ok {
		byURL = make(map[string]crawler.ScrapedPage)
		s.pages[page.JobID] = byURL
	}
	if existing, ok := byURL[page.URL]; ok {
		page.ID = existing.ID
	} else if page.ID == "" {
		page.ID = uuid.NewString()
	}
	byURL[page.URL] = page
	return nil
}

// InsertForumPost appends one forum post row.
func (s *Store) InsertForumPost(_ context.Context, post crawler.ForumPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	s.posts[post.JobID] = append(s.posts[post.JobID], post)
	return nil
}

// SaveSitemap stores the serialized site tree for a job.
func (s *Store) SaveSitemap(_ context.Context, jobID string, root *crawler.SitemapNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sitemaps[jobID] = root
	return nil
}

// Pages returns all pages stored for a job, in no particular order.
func (s *Store) Pages(jobID string) []crawler.ScrapedPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ScrapedPage, 0, len(s.pages[jobID]))
	for _, page := range s.pages[jobID] {
		out = append(out, page)
	}
	return out
}

// Posts returns all forum posts stored for a job, in insertion order.
func (s *Store) Posts(jobID string) []crawler.ForumPost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.ForumPost(nil), s.posts[jobID]...)
}

// Sitemap returns the stored site tree for a job, or nil.
func (s *Store) Sitemap(jobID string) *crawler.SitemapNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sitemaps[jobID]
}
