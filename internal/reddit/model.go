package reddit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Post is the normalized thread shape every upstream schema maps to.
type Post struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Author      string    `json:"author"`
	Subreddit   string    `json:"subreddit"`
	Permalink   string    `json:"permalink"`
	URL         string    `json:"url"`
	Score       int       `json:"score"`
	NumComments int       `json:"num_comments"`
	CreatedAt   time.Time `json:"created_at"`
	Archived    bool      `json:"archived"`
	Locked      bool      `json:"locked"`
}

// Comment is a flattened node of a comment tree; Depth 0 is top level.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Score     int       `json:"score"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"created_at"`
}

type SubredditInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Subscribers int    `json:"subscribers"`
	Over18      bool   `json:"over_18"`
}

type SearchOptions struct {
	Sort      string
	Timeframe string
	Limit     int
}

type SubredditSearchResult struct {
	Posts     []Post
	Subreddit *SubredditInfo
}

type PostComments struct {
	Post      *Post
	Comments  []Comment
	Subreddit *SubredditInfo
}

// Client is the scraping API surface used by discovery.
type Client interface {
	SearchReddit(ctx context.Context, query string, opts SearchOptions) ([]Post, error)
	SearchSubreddit(ctx context.Context, name, query string, opts SearchOptions) (SubredditSearchResult, error)
	GetRecentSubredditPosts(ctx context.Context, name string) ([]Post, error)
	GetPostComments(ctx context.Context, url string) (PostComments, error)
}

var (
	ErrNotConfigured    = errors.New("scraper_not_configured")
	ErrInvalidQuery     = errors.New("invalid_query")
	ErrInvalidSubreddit = errors.New("invalid_subreddit")
	ErrInvalidURL       = errors.New("invalid_url")
	ErrMalformed        = errors.New("malformed_response")
)

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scraper responded %d: %s", e.StatusCode, e.Body)
}
