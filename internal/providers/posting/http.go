package posting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/threadscout/internal/cache"
	"github.com/smallbiznis/threadscout/internal/clock"
	obstracing "github.com/smallbiznis/threadscout/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	httpProviderName = "managed-account"
	availabilityTTL  = time.Minute
)

type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPProvider calls the managed-account posting service over JSON.
type HTTPProvider struct {
	cfg          HTTPConfig
	client       *http.Client
	log          *zap.Logger
	availability cache.Cache[string, bool]
}

func NewHTTPProvider(cfg HTTPConfig, client *http.Client, clk clock.Clock, log *zap.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = obstracing.WrapHTTPClient(&http.Client{Timeout: cfg.Timeout})
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	return &HTTPProvider{
		cfg:          cfg,
		client:       client,
		log:          log.Named("posting.http"),
		availability: cache.NewTTLCache[string, bool](clk),
	}
}

func (p *HTTPProvider) Name() string { return httpProviderName }

// Available probes the health endpoint and remembers the answer for a minute.
func (p *HTTPProvider) Available(ctx context.Context) bool {
	if p.cfg.Endpoint == "" || p.cfg.Token == "" {
		return false
	}
	if ok, cached := p.availability.Get("health"); cached {
		return ok
	}

	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/health", nil)
	if err == nil {
		p.authorize(req)
		resp, err := p.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
		} else {
			p.log.Warn("posting provider health check failed", zap.Error(err))
		}
	}
	p.availability.Set("health", ok, availabilityTTL)
	return ok
}

type postBody struct {
	ThreadURL       string `json:"threadUrl"`
	Text            string `json:"text"`
	Subreddit       string `json:"subreddit"`
	ParentCommentID string `json:"parentCommentId,omitempty"`
}

type postResponse struct {
	Success    bool   `json:"success"`
	CommentID  string `json:"commentId"`
	CommentURL string `json:"commentUrl"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

// PostComment submits once; posting is never retried here to avoid double comments.
func (p *HTTPProvider) PostComment(ctx context.Context, in PostRequest) (PostResult, error) {
	if strings.TrimSpace(in.ThreadURL) == "" || strings.TrimSpace(in.CommentText) == "" {
		return PostResult{}, ErrInvalidRequest
	}
	payload, err := json.Marshal(postBody{
		ThreadURL:       in.ThreadURL,
		Text:            in.CommentText,
		Subreddit:       in.Subreddit,
		ParentCommentID: in.ParentCommentID,
	})
	if err != nil {
		return PostResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/comments", bytes.NewReader(payload))
	if err != nil {
		return PostResult{}, err
	}
	p.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", key)

	resp, err := p.client.Do(req)
	if err != nil {
		return PostResult{Error: err.Error(), Retryable: true}, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var decoded postResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil && resp.StatusCode < 300 {
			return PostResult{}, fmt.Errorf("decode posting response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return PostResult{Error: fallback(decoded.Error, resp.Status), Retryable: true}, nil
	case resp.StatusCode >= 400:
		return PostResult{Error: fallback(decoded.Error, resp.Status), Retryable: decoded.Retryable}, nil
	}
	if !decoded.Success {
		return PostResult{Error: fallback(decoded.Error, "provider rejected comment"), Retryable: decoded.Retryable}, nil
	}
	return PostResult{
		Success:    true,
		CommentID:  decoded.CommentID,
		CommentURL: decoded.CommentURL,
	}, nil
}

type performanceResponse struct {
	Removed              bool `json:"removed"`
	Score                int  `json:"score"`
	Replies              int  `json:"replies"`
	NextCheckDelaySecond *int `json:"nextCheckDelaySeconds"`
	Done                 bool `json:"done"`
}

// CheckPerformance is a read, so transient failures are retried with backoff.
func (p *HTTPProvider) CheckPerformance(ctx context.Context, commentID string, checkNumber int) (PerformanceResult, error) {
	if strings.TrimSpace(commentID) == "" {
		return PerformanceResult{}, ErrInvalidRequest
	}
	endpoint := fmt.Sprintf("%s/comments/%s?check=%d", p.cfg.Endpoint, url.PathEscape(commentID), checkNumber)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	decoded, err := backoff.Retry(ctx, func() (performanceResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return performanceResponse{}, backoff.Permanent(err)
		}
		p.authorize(req)
		resp, err := p.client.Do(req)
		if err != nil {
			return performanceResponse{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return performanceResponse{}, fmt.Errorf("performance check: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			return performanceResponse{}, backoff.Permanent(fmt.Errorf("performance check: %s", resp.Status))
		}
		var out performanceResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return performanceResponse{}, backoff.Permanent(err)
		}
		return out, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(3))
	if err != nil {
		return PerformanceResult{}, err
	}

	result := PerformanceResult{
		Status: CommentStatus{Removed: decoded.Removed, Score: decoded.Score, Replies: decoded.Replies},
	}
	switch {
	case decoded.Done:
	case decoded.NextCheckDelaySecond != nil:
		delay := time.Duration(*decoded.NextCheckDelaySecond) * time.Second
		result.NextCheckDelay = &delay
	default:
		result.NextCheckDelay = NextCheckDelay(checkNumber)
	}
	return result, nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Accept", "application/json")
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return def
}
