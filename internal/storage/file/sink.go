// Package file provides a file-backed forum post sink: one JSON object per
// line, appended and flushed per post so a crash mid-run keeps prior pages.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/websweep/websweep/internal/crawler"
)

// ForumSink appends forum posts to a JSON-lines file.
type ForumSink struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens path for appending, creating it and its parent directories if
// needed.
func Open(path string) (*ForumSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &ForumSink{file: f}, nil
}

// InsertPost appends one post as a JSON line and syncs the file.
func (s *ForumSink) InsertPost(_ context.Context, post crawler.ForumPost) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	line, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode forum post: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("write forum post: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync sink file: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *ForumSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
