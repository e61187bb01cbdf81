package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

// Discovered is a thread found by discovery, before scoring.
type Discovered struct {
	ThreadID          string
	Permalink         string
	Title             string
	Body              string
	Subreddit         string
	Upvotes           int
	CommentCount      int
	ThreadCreatedAt   time.Time
	MatchedKeyword    string
	Source            Source
	ParentCommentID   string
	ParentCommentText string
	ReplyReason       string
}

type CreateDiscoveredRequest struct {
	CampaignID snowflake.ID
	UserID     snowflake.ID
	Threads    []Discovered
}

type CreateDiscoveredResult struct {
	Created    []Opportunity
	Duplicates int
}

// Handoff names the stage job enqueued together with a change.
type Handoff int

const (
	HandoffNone Handoff = iota
	HandoffGeneration
	HandoffPosting
	HandoffTracking
)

// Change is one guarded write to an opportunity. With an Event the status moves
// through the transition table; without one the row must currently be in Expect.
type Change struct {
	ID     snowflake.ID
	Event  Event
	Expect Status
	Fields map[string]any
	Mutate func(*Metadata)
	// InTx runs inside the same transaction after the row is updated.
	InTx func(tx *gorm.DB) error

	Handoff       Handoff
	TrackingCheck int
	TrackingDelay time.Duration
}

type ListRequest struct {
	CampaignID      snowflake.ID
	UserID          snowflake.ID
	Statuses        []Status
	IncludeArchived bool
	PageToken       string
	PageSize        int32
}

type ListResponse struct {
	pagination.PageInfo
	Opportunities []Opportunity `json:"opportunities"`
}

type Service interface {
	CreateDiscovered(ctx context.Context, req CreateDiscoveredRequest) (CreateDiscoveredResult, error)
	Get(ctx context.Context, id snowflake.ID) (Opportunity, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Apply(ctx context.Context, change Change) (Opportunity, error)

	Approve(ctx context.Context, id snowflake.ID) (Opportunity, error)
	ApproveComment(ctx context.Context, id snowflake.ID) (Opportunity, error)
	EditComment(ctx context.Context, id snowflake.ID, text string) (Opportunity, error)
	Regenerate(ctx context.Context, id snowflake.ID) (Opportunity, error)
	Reject(ctx context.Context, id snowflake.ID, reason string) (Opportunity, error)
	Archive(ctx context.Context, id snowflake.ID) (Opportunity, error)

	// MarkExhausted fails an opportunity whose stage job ran out of attempts.
	MarkExhausted(ctx context.Context, id snowflake.ID, stage string, attempts int, cause error) error
	ExpireStale(ctx context.Context, limit int) (int, error)
	CountPostingFailuresSince(ctx context.Context, campaignID snowflake.ID, since time.Time) (int64, error)
	ExistingThreadIDs(ctx context.Context, campaignID snowflake.ID, threadIDs []string) ([]string, error)
}

var (
	ErrNotFound          = errors.New("opportunity_not_found")
	ErrInvalidID         = errors.New("invalid_opportunity_id")
	ErrInvalidCampaign   = errors.New("invalid_campaign")
	ErrInvalidTransition = errors.New("invalid_opportunity_transition")
	ErrStatusChanged     = errors.New("opportunity_status_changed")
	ErrEmptyComment      = errors.New("empty_comment_text")
	ErrInvalidStatus     = errors.New("invalid_opportunity_status")
)
