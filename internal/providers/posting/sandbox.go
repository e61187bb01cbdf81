package posting

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/threadscout/internal/clock"
)

const sandboxProviderName = "sandbox"

// SandboxPost is a comment accepted by the sandbox provider.
type SandboxPost struct {
	ID      string
	Request PostRequest
}

// SandboxProvider records posts in memory for dry runs and tests.
type SandboxProvider struct {
	mu      sync.Mutex
	clock   clock.Clock
	posts   map[string]SandboxPost
	byKey   map[string]string
	removed map[string]bool

	// FailNext makes the next PostComment return this result.
	FailNext *PostResult
}

func NewSandboxProvider(clk clock.Clock) *SandboxProvider {
	return &SandboxProvider{
		clock:   clk,
		posts:   make(map[string]SandboxPost),
		byKey:   make(map[string]string),
		removed: make(map[string]bool),
	}
}

func (p *SandboxProvider) Name() string { return sandboxProviderName }

func (p *SandboxProvider) Available(ctx context.Context) bool { return true }

func (p *SandboxProvider) PostComment(ctx context.Context, req PostRequest) (PostResult, error) {
	if strings.TrimSpace(req.ThreadURL) == "" || strings.TrimSpace(req.CommentText) == "" {
		return PostResult{}, ErrInvalidRequest
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext != nil {
		result := *p.FailNext
		p.FailNext = nil
		return result, nil
	}
	if id, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return p.result(id), nil
	}

	id := ulid.MustNew(ulid.Timestamp(p.clock.Now()), rand.Reader).String()
	p.posts[id] = SandboxPost{ID: id, Request: req}
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = id
	}
	return p.result(id), nil
}

func (p *SandboxProvider) result(id string) PostResult {
	return PostResult{
		Success:    true,
		CommentID:  id,
		CommentURL: fmt.Sprintf("%s/%s", strings.TrimRight(p.posts[id].Request.ThreadURL, "/"), strings.ToLower(id)),
	}
}

func (p *SandboxProvider) CheckPerformance(ctx context.Context, commentID string, checkNumber int) (PerformanceResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.posts[commentID]; !ok {
		return PerformanceResult{}, ErrInvalidRequest
	}
	return PerformanceResult{
		Status:         CommentStatus{Removed: p.removed[commentID], Score: checkNumber},
		NextCheckDelay: NextCheckDelay(checkNumber),
	}, nil
}

// Remove simulates a moderator removing a comment.
func (p *SandboxProvider) Remove(commentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed[commentID] = true
}

func (p *SandboxProvider) Posts() []SandboxPost {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SandboxPost, 0, len(p.posts))
	for _, post := range p.posts {
		out = append(out, post)
	}
	return out
}
