package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/threadscout/internal/cache"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	obstracing "github.com/smallbiznis/threadscout/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	endpointSearch          = "search"
	endpointSubredditSearch = "subreddit_search"
	endpointSubredditPosts  = "subreddit_posts"
	endpointPostComments    = "post_comments"

	recentPostsTTL  = 2 * time.Minute
	maxResponseSize = 8 << 20
)

// Limiter blocks until the shared request budget allows another call.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Limiter Limiter
	Clock   clock.Clock
	HTTP    *http.Client `optional:"true"`
}

// HTTPClient talks to the scraping API. Every call passes the global limiter
// and retries transient failures with exponential backoff.
type HTTPClient struct {
	baseURL    *url.URL
	apiKey     string
	apiHost    string
	maxRetries int

	http    *http.Client
	limiter Limiter
	log     *zap.Logger
	recent  cache.Cache[string, []Post]

	initialBackoff time.Duration
}

func NewHTTPClient(p Params) (*HTTPClient, error) {
	cfg := p.Config.Scraper
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, ErrNotConfigured
	}
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse scraper base url: %w", err)
	}

	httpClient := p.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = obstracing.WrapHTTPClient(&http.Client{Timeout: timeout})
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	return &HTTPClient{
		baseURL:        parsed,
		apiKey:         strings.TrimSpace(cfg.APIKey),
		apiHost:        strings.TrimSpace(cfg.APIHost),
		maxRetries:     retries,
		http:           httpClient,
		limiter:        p.Limiter,
		log:            p.Log.Named("reddit.client"),
		recent:         cache.NewTTLCache[string, []Post](p.Clock),
		initialBackoff: 500 * time.Millisecond,
	}, nil
}

func (c *HTTPClient) SearchReddit(ctx context.Context, query string, opts SearchOptions) ([]Post, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrInvalidQuery
	}
	params := searchParams(opts)
	params.Set("query", query)

	body, err := c.get(ctx, endpointSearch, "/search", params)
	if err != nil {
		return nil, err
	}
	posts, _, err := decodePosts(body)
	return posts, err
}

func (c *HTTPClient) SearchSubreddit(ctx context.Context, name, query string, opts SearchOptions) (SubredditSearchResult, error) {
	name = normalizeSubreddit(name)
	if name == "" {
		return SubredditSearchResult{}, ErrInvalidSubreddit
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return SubredditSearchResult{}, ErrInvalidQuery
	}
	params := searchParams(opts)
	params.Set("subreddit", name)
	params.Set("query", query)

	body, err := c.get(ctx, endpointSubredditSearch, "/subreddit/search", params)
	if err != nil {
		return SubredditSearchResult{}, err
	}
	posts, info, err := decodePosts(body)
	if err != nil {
		return SubredditSearchResult{}, err
	}
	return SubredditSearchResult{Posts: posts, Subreddit: info}, nil
}

// GetRecentSubredditPosts is cached briefly since many campaigns watch the same communities.
func (c *HTTPClient) GetRecentSubredditPosts(ctx context.Context, name string) ([]Post, error) {
	name = normalizeSubreddit(name)
	if name == "" {
		return nil, ErrInvalidSubreddit
	}
	cacheKey := cache.Key("recent", name)
	if posts, ok := c.recent.Get(cacheKey); ok {
		return posts, nil
	}

	params := url.Values{}
	params.Set("subreddit", name)
	params.Set("sort", "new")

	body, err := c.get(ctx, endpointSubredditPosts, "/subreddit/posts", params)
	if err != nil {
		return nil, err
	}
	posts, _, err := decodePosts(body)
	if err != nil {
		return nil, err
	}
	c.recent.Set(cacheKey, posts, recentPostsTTL)
	return posts, nil
}

func (c *HTTPClient) GetPostComments(ctx context.Context, postURL string) (PostComments, error) {
	postURL = strings.TrimSpace(postURL)
	if postURL == "" {
		return PostComments{}, ErrInvalidURL
	}
	params := url.Values{}
	params.Set("url", postURL)

	body, err := c.get(ctx, endpointPostComments, "/post/comments", params)
	if err != nil {
		return PostComments{}, err
	}
	return decodeComments(body)
}

func (c *HTTPClient) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = params.Encode()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 10 * time.Second

	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		body, err := c.do(ctx, target.String())
		if err != nil {
			c.log.Debug("scraper request failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return body, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.maxRetries)))

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var status *StatusError
		if errors.As(err, &status) {
			outcome = strconv.Itoa(status.StatusCode)
		}
	}
	obsmetrics.Pipeline().IncFetchRequest(endpoint, outcome)
	return body, err
}

func (c *HTTPClient) do(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-RapidAPI-Key", c.apiKey)
	}
	if c.apiHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.apiHost)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return nil, errors.Join(statusErr, backoff.RetryAfter(secs))
		}
		return nil, statusErr
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)})
	}
	return body, nil
}

func searchParams(opts SearchOptions) url.Values {
	params := url.Values{}
	sort := strings.TrimSpace(opts.Sort)
	if sort == "" {
		sort = "relevance"
	}
	params.Set("sort", sort)
	if tf := strings.TrimSpace(opts.Timeframe); tf != "" {
		params.Set("time", tf)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	return params
}

func normalizeSubreddit(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "r/")
	return strings.TrimSpace(name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
