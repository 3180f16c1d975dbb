package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/websweep/websweep/internal/crawler"
)

func TestForumSink_InsertAndReadBack(t *testing.T) {
	t.Parallel()

	sink, err := Open(filepath.Join(t.TempDir(), "forum.db"))
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, sink.InsertPost(ctx, crawler.ForumPost{
		JobID:     "job-1",
		Title:     "First thread",
		Content:   "hello",
		URL:       "http://forum.example.com/page/1",
		Meta:      map[string]string{"page": "1"},
		ScrapedAt: now,
	}))
	require.NoError(t, sink.InsertPost(ctx, crawler.ForumPost{
		JobID:     "job-1",
		Title:     "Second thread",
		Content:   "world",
		URL:       "http://forum.example.com/page/1",
		ScrapedAt: now,
	}))

	posts, err := sink.Posts(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	require.Equal(t, "First thread", posts[0].Title)
	require.Equal(t, map[string]string{"page": "1"}, posts[0].Meta)
	require.Equal(t, "Second thread", posts[1].Title)
	require.Nil(t, posts[1].Meta)
	require.NotEmpty(t, posts[0].ID)

	other, err := sink.Posts(ctx, "job-2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestForumSink_CreatesParentDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "forum.db")
	sink, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
}
