package posting

import (
	"context"
	"errors"
	"time"
)

type PostRequest struct {
	ThreadURL       string
	CommentText     string
	Subreddit       string
	ParentCommentID string
	// IdempotencyKey lets the provider drop a repeated submission of the same comment.
	IdempotencyKey string
}

type PostResult struct {
	Success    bool
	CommentID  string
	CommentURL string
	Error      string
	// Retryable marks a failure worth another attempt through the queue backoff.
	Retryable bool
}

type CommentStatus struct {
	Removed bool
	Score   int
	Replies int
}

type PerformanceResult struct {
	Status CommentStatus
	// NextCheckDelay is nil when tracking should stop.
	NextCheckDelay *time.Duration
}

// Provider posts comments through a managed account and reports on them afterwards.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	PostComment(ctx context.Context, req PostRequest) (PostResult, error)
	CheckPerformance(ctx context.Context, commentID string, checkNumber int) (PerformanceResult, error)
}

var (
	ErrNoProvider      = errors.New("no_posting_provider")
	ErrUnknownProvider = errors.New("unknown_posting_provider")
	ErrInvalidRequest  = errors.New("invalid_posting_request")
)

// checkSchedule holds the offsets of follow-up checks from the moment of posting.
var checkSchedule = []time.Duration{2 * time.Hour, 6 * time.Hour, 24 * time.Hour, 72 * time.Hour}

// NextCheckDelay returns the wait after check checkNumber, or nil once the schedule is done.
func NextCheckDelay(checkNumber int) *time.Duration {
	if checkNumber < 1 || checkNumber >= len(checkSchedule) {
		return nil
	}
	delay := checkSchedule[checkNumber] - checkSchedule[checkNumber-1]
	return &delay
}
