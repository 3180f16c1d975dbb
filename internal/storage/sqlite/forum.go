// Package sqlite provides a SQLite-backed forum post sink for jobs that
// select the "sqlite" output instead of the shared page store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/websweep/websweep/internal/crawler"
)

// ForumSink writes forum posts to a standalone SQLite file.
type ForumSink struct {
	db   *sql.DB
	path string
}

// Open opens or creates the sink database at path, creating parent
// directories as needed.
func Open(path string) (*ForumSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite sink path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	// SQLite supports a single writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &ForumSink{db: db, path: path}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := s.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ForumSink) createTable() error {
	const schema = `
CREATE TABLE IF NOT EXISTS forum_posts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	meta TEXT,
	scraped_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forum_posts_job ON forum_posts (job_id);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create forum_posts table: %w", err)
	}
	return nil
}

// InsertPost appends one forum post row.
func (s *ForumSink) InsertPost(ctx context.Context, post crawler.ForumPost) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	var meta any
	if len(post.Meta) > 0 {
		encoded, err := json.Marshal(post.Meta)
		if err != nil {
			return fmt.Errorf("encode post meta: %w", err)
		}
		meta = string(encoded)
	}
	const query = `
		INSERT INTO forum_posts (id, job_id, title, content, url, meta, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		post.ID, post.JobID, post.Title, post.Content, post.URL, meta, post.ScrapedAt)
	if err != nil {
		return fmt.Errorf("insert forum post: %w", err)
	}
	return nil
}

// Posts returns all rows for a job in insertion order; used by tests and the
// export tooling.
func (s *ForumSink) Posts(ctx context.Context, jobID string) ([]crawler.ForumPost, error) {
	const query = `
		SELECT id, job_id, title, content, url, meta, scraped_at
		FROM forum_posts WHERE job_id = ? ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query forum posts: %w", err)
	}
	defer rows.Close()

	var posts []crawler.ForumPost
	for rows.Next() {
		var (
			post crawler.ForumPost
			meta sql.NullString
		)
		if err := rows.Scan(&post.ID, &post.JobID, &post.Title, &post.Content, &post.URL, &meta, &post.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan forum post: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &post.Meta); err != nil {
				return nil, fmt.Errorf("decode post meta: %w", err)
			}
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forum posts: %w", err)
	}
	return posts, nil
}

// Close closes the database.
func (s *ForumSink) Close() error {
	return s.db.Close()
}
