// Package postgres provides Postgres-backed persistence for jobs and pages.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/websweep/websweep/internal/crawler"
)

// ErrNotFound is returned when a referenced job row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawler.JobStore and crawler.PageStore on Postgres.
type Store struct {
	db DB
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{db: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB constructs a store from an existing connection (primarily for
// testing with pgxmock). No migration is run.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.db != nil {
		s.db.Close()
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'crawl',
	start_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	options TEXT NOT NULL DEFAULT '',
	processed_urls INTEGER NOT NULL DEFAULT 0,
	found_urls INTEGER NOT NULL DEFAULT 0,
	failed_urls JSONB NOT NULL DEFAULT '[]',
	error TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS crawl_pages (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	markdown TEXT NOT NULL DEFAULT '',
	parent_url TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	fetched_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, url)
);
CREATE TABLE IF NOT EXISTS forum_posts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	meta JSONB,
	scraped_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS crawl_sitemaps (
	job_id TEXT PRIMARY KEY,
	tree JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
);`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, start_url, status, options, processed_urls, found_urls, failed_urls, error, submitted_at, start_time, end_time`

// FindPendingJobs returns up to limit pending jobs of the given kind,
// oldest-first.
func (s *Store) FindPendingJobs(ctx context.Context, kind crawler.JobKind, limit int) ([]crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_jobs WHERE status = $1 AND kind = $2 ORDER BY submitted_at ASC LIMIT $3`, jobColumns)
	rows, err := s.db.Query(ctx, query, crawler.JobStatusPending, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return jobs, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_jobs WHERE id = $1`, jobColumns)
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, ErrNotFound
	}
	return job, err
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job       crawler.Job
		failedRaw []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.StartURL,
		&job.Status,
		&job.Options,
		&job.ProcessedURLs,
		&job.FoundURLs,
		&failedRaw,
		&job.Error,
		&job.Submitted,
		&job.StartTime,
		&job.EndTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, err
		}
		return crawler.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	if len(failedRaw) > 0 {
		if err := json.Unmarshal(failedRaw, &job.FailedURLs); err != nil {
			return crawler.Job{}, fmt.Errorf("decode failed_urls: %w", err)
		}
	}
	return job, nil
}

// UpdateJob applies a partial update; nil fields are left untouched.
func (s *Store) UpdateJob(ctx context.Context, id string, update crawler.JobUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.ProcessedURLs != nil {
		add("processed_urls", *update.ProcessedURLs)
	}
	if update.FoundURLs != nil {
		add("found_urls", *update.FoundURLs)
	}
	if update.FailedURLs != nil {
		encoded, err := json.Marshal(update.FailedURLs)
		if err != nil {
			return fmt.Errorf("encode failed_urls: %w", err)
		}
		add("failed_urls", encoded)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.StartTime != nil {
		add("start_time", *update.StartTime)
	}
	if update.EndTime != nil {
		add("end_time", *update.EndTime)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE crawl_jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCancelled reports whether a job has been externally cancelled.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var status crawler.JobStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query job status: %w", err)
	}
	return status == crawler.JobStatusCancelled, nil
}

// UpsertPage writes a page keyed by (job, effective URL); repeated visits to
// the same effective URL overwrite rather than duplicate.
func (s *Store) UpsertPage(ctx context.Context, page crawler.ScrapedPage) error {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	meta, err := marshalMeta(page.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO crawl_pages (id, job_id, url, title, content, markdown, parent_url, metadata, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			markdown = EXCLUDED.markdown,
			parent_url = EXCLUDED.parent_url,
			metadata = EXCLUDED.metadata,
			fetched_at = EXCLUDED.fetched_at`
	_, err = s.db.Exec(ctx, query,
		page.ID, page.JobID, page.URL, page.Title, page.Content, page.Markdown, page.ParentURL, meta, page.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// InsertForumPost appends one forum post row.
func (s *Store) InsertForumPost(ctx context.Context, post crawler.ForumPost) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	meta, err := marshalMeta(post.Meta)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO forum_posts (id, job_id, title, content, url, meta, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.Exec(ctx, query, post.ID, post.JobID, post.Title, post.Content, post.URL, meta, post.ScrapedAt)
	if err != nil {
		return fmt.Errorf("insert forum post: %w", err)
	}
	return nil
}

// SaveSitemap persists the whole site tree as one serialized document.
func (s *Store) SaveSitemap(ctx context.Context, jobID string, root *crawler.SitemapNode) error {
	tree, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encode sitemap: %w", err)
	}
	query := `
		INSERT INTO crawl_sitemaps (job_id, tree, saved_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO UPDATE SET tree = EXCLUDED.tree, saved_at = NOW()`
	if _, err := s.db.Exec(ctx, query, jobID, tree); err != nil {
		return fmt.Errorf("save sitemap: %w", err)
	}
	return nil
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}
