package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/websweep/websweep/internal/crawler"
)

func TestFetcher_ExtractsPageParts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head>
			<title> Example Page </title>
			<link rel="canonical" href="/canonical-page">
		</head><body>
			<a href="/one">First</a>
			<a href="http://other.com/two">Second</a>
		</body></html>`)
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	result, err := f.Fetch(context.Background(), srv.URL, crawler.FetchOptions{})
	require.NoError(t, err)

	require.Equal(t, srv.URL, result.URL)
	require.Equal(t, "Example Page", result.Title)
	require.Equal(t, srv.URL+"/canonical-page", result.Canonical)
	require.Contains(t, result.Content, "<title>")
	require.Len(t, result.Links, 2)
	require.Equal(t, crawler.Link{Href: "/one", Text: "First"}, result.Links[0])
	require.Equal(t, crawler.Link{Href: "http://other.com/two", Text: "Second"}, result.Links[1])
	require.False(t, result.FetchedAt.IsZero())
}

func TestFetcher_HTTPErrorSurfacesAsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL, crawler.FetchOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestFetcher_SendsCookieHeader(t *testing.T) {
	t.Parallel()

	var gotCookie atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
		fmt.Fprint(w, "<html><body>ok</body></html>")
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL, crawler.FetchOptions{
		UseCookies:   true,
		CookieString: "session=abc123",
	})
	require.NoError(t, err)
	require.Equal(t, "session=abc123", gotCookie.Load())
}

func TestFetcher_RetriesWhenAsked(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "<html><body>recovered</body></html>")
	}))
	defer srv.Close()

	f := New(Config{}, zap.NewNop())

	// Without retries the first failure is final.
	_, err := f.Fetch(context.Background(), srv.URL, crawler.FetchOptions{})
	require.Error(t, err)

	calls.Store(0)
	result, err := f.Fetch(context.Background(), srv.URL, crawler.FetchOptions{Retries: 1})
	require.NoError(t, err)
	require.Contains(t, result.Content, "recovered")
	require.Equal(t, int32(2), calls.Load())
}
