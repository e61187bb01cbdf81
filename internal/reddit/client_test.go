package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingLimiter struct{ calls atomic.Int32 }

func (l *countingLimiter) Wait(context.Context) error {
	l.calls.Add(1)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *countingLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{}
	client, err := NewHTTPClient(Params{
		Config: config.Config{Scraper: config.ScraperConfig{
			BaseURL:    srv.URL,
			APIKey:     "secret",
			APIHost:    "reddit.example",
			MaxRetries: 3,
		}},
		Log:     zap.NewNop(),
		Limiter: limiter,
		Clock:   clock.New(),
	})
	require.NoError(t, err)
	client.initialBackoff = time.Millisecond
	return client, limiter
}

func TestSearchRedditSendsQueryAndHeaders(t *testing.T) {
	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "alternative to Jira", r.URL.Query().Get("query"))
		assert.Equal(t, "relevance", r.URL.Query().Get("sort"))
		assert.Equal(t, "month", r.URL.Query().Get("time"))
		assert.Equal(t, "secret", r.Header.Get("X-RapidAPI-Key"))
		assert.Equal(t, "reddit.example", r.Header.Get("X-RapidAPI-Host"))
		_, _ = w.Write([]byte(`{"data":[{"id":"p1","title":"hi","subreddit":"pm","score":1}]}`))
	})

	posts, err := client.SearchReddit(context.Background(), "alternative to Jira", SearchOptions{Timeframe: "month"})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int32(1), limiter.calls.Load())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	posts, err := client.SearchReddit(context.Background(), "crm", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int32(3), limiter.calls.Load(), "every attempt consumes a limiter slot")
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.SearchReddit(context.Background(), "crm", SearchOptions{})
	require.Error(t, err)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusForbidden, status.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetRecentSubredditPostsIsCached(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "saas", r.URL.Query().Get("subreddit"))
		_, _ = w.Write([]byte(`{"posts":[{"id":"p1","title":"x","subreddit":"saas"}]}`))
	})

	for i := 0; i < 2; i++ {
		posts, err := client.GetRecentSubredditPosts(context.Background(), "r/saas")
		require.NoError(t, err)
		require.Len(t, posts, 1)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestInputValidation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	})
	ctx := context.Background()

	_, err := client.SearchReddit(ctx, " ", SearchOptions{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = client.SearchSubreddit(ctx, "", "q", SearchOptions{})
	assert.ErrorIs(t, err, ErrInvalidSubreddit)
	_, err = client.GetPostComments(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Params{Log: zap.NewNop(), Clock: clock.New()})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
