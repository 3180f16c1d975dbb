package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/websweep/websweep/internal/crawler"
)

func TestForumSink_AppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "posts.jsonl")
	sink, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.InsertPost(ctx, crawler.ForumPost{JobID: "j", Title: "one", Content: "a"}))
	require.NoError(t, sink.InsertPost(ctx, crawler.ForumPost{JobID: "j", Title: "two", Content: "b"}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	var titles []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var post crawler.ForumPost
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &post))
		require.NotEmpty(t, post.ID)
		titles = append(titles, post.Title)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"one", "two"}, titles)
}

func TestForumSink_AppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "posts.jsonl")

	sink, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, sink.InsertPost(context.Background(), crawler.ForumPost{Title: "before"}))
	require.NoError(t, sink.Close())

	sink, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, sink.InsertPost(context.Background(), crawler.ForumPost{Title: "after"}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "before")
	require.Contains(t, string(data), "after")
}
