package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDiscovered     Status = "DISCOVERED"
	StatusPendingReview  Status = "PENDING_REVIEW"
	StatusApproved       Status = "APPROVED"
	StatusGenerating     Status = "GENERATING"
	StatusReadyForReview Status = "READY_FOR_REVIEW"
	StatusPosting        Status = "POSTING"
	StatusPosted         Status = "POSTED"
	StatusSkipped        Status = "SKIPPED"
	StatusRejected       Status = "REJECTED"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
)

// Terminal reports whether no automatic transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSkipped, StatusRejected, StatusPosted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusDiscovered, StatusPendingReview, StatusApproved, StatusGenerating, StatusReadyForReview,
		StatusPosting, StatusPosted, StatusSkipped, StatusRejected, StatusFailed, StatusExpired:
		return true
	}
	return false
}

type Source string

const (
	SourceScout Source = "SCOUT"
	SourceMiner Source = "MINER"
)

type Opportunity struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	CampaignID snowflake.ID `gorm:"not null;uniqueIndex:ux_opportunities_thread,priority:1;index:ix_opportunities_campaign_status,priority:1" json:"campaign_id"`
	UserID     snowflake.ID `gorm:"not null;index" json:"user_id"`

	ThreadID        string    `gorm:"type:text;not null;uniqueIndex:ux_opportunities_thread,priority:2" json:"thread_id"`
	Permalink       string    `gorm:"type:text;not null" json:"permalink"`
	Title           string    `gorm:"type:text;not null" json:"title"`
	BodyExcerpt     string    `gorm:"type:text" json:"body_excerpt"`
	Subreddit       string    `gorm:"type:text;not null" json:"subreddit"`
	Upvotes         int       `gorm:"not null;default:0" json:"upvotes"`
	CommentCount    int       `gorm:"not null;default:0" json:"comment_count"`
	ThreadCreatedAt time.Time `json:"thread_created_at"`
	MatchedKeyword  string    `gorm:"type:text" json:"matched_keyword"`
	Source          Source    `gorm:"type:text;not null" json:"source"`

	RelevanceScore     float64 `gorm:"not null;default:0" json:"relevance_score"`
	RelevanceReasoning string  `gorm:"type:text" json:"relevance_reasoning,omitempty"`

	CommentText       string `gorm:"type:text" json:"comment_text,omitempty"`
	CommentVersion    int    `gorm:"not null;default:0" json:"comment_version"`
	ParentCommentID   string `gorm:"type:text" json:"parent_comment_id,omitempty"`
	ParentCommentText string `gorm:"type:text" json:"parent_comment_text,omitempty"`
	ReplyReason       string `gorm:"type:text" json:"reply_reason,omitempty"`

	PostedCommentID  string     `gorm:"type:text" json:"posted_comment_id,omitempty"`
	PostedCommentURL string     `gorm:"type:text" json:"posted_comment_url,omitempty"`
	PostedProvider   string     `gorm:"type:text" json:"posted_provider,omitempty"`
	PostedAt         *time.Time `json:"posted_at,omitempty"`
	// PostingFailedAt marks a terminal posting failure; the auto-pause breaker counts these.
	PostingFailedAt *time.Time `gorm:"index" json:"posting_failed_at,omitempty"`

	Status     Status                       `gorm:"type:text;not null;index:ix_opportunities_campaign_status,priority:2" json:"status"`
	Metadata   datatypes.JSONType[Metadata] `gorm:"type:jsonb;not null" json:"metadata"`
	IsArchived bool                         `gorm:"not null;default:false" json:"is_archived"`
	CreatedAt  time.Time                    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time                    `gorm:"not null" json:"updated_at"`
}

func (Opportunity) TableName() string { return "opportunities" }

func (o *Opportunity) Meta() Metadata {
	if o == nil {
		return Metadata{}
	}
	return o.Metadata.Data()
}

// ReplyTarget reports whether the reply goes under a specific comment.
func (o *Opportunity) ReplyTarget() bool {
	return o != nil && o.ParentCommentID != ""
}
