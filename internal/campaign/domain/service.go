package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
)

type KeywordInput struct {
	Bucket  KeywordBucket `json:"bucket"`
	Term    string        `json:"term"`
	Enabled *bool         `json:"enabled,omitempty"`
}

type CommunityInput struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type CreateCampaignRequest struct {
	UserID         snowflake.ID
	Name           string
	AutomationMode AutomationMode
	OwnerEmail     string
	Profile        BusinessProfile
	Strategies     *Strategies
	Keywords       []KeywordInput
	Communities    []CommunityInput
}

// UpdateDraftRequest replaces only the fields that are set.
type UpdateDraftRequest struct {
	ID             snowflake.ID
	Name           *string
	AutomationMode *AutomationMode
	Profile        *BusinessProfile
	Strategies     *Strategies
	Keywords       []KeywordInput
	Communities    []CommunityInput
}

type ListCampaignRequest struct {
	UserID    snowflake.ID
	PageToken string
	PageSize  int32
}

type ListCampaignResponse struct {
	pagination.PageInfo
	Campaigns []Campaign `json:"campaigns"`
}

type Service interface {
	Create(ctx context.Context, req CreateCampaignRequest) (Campaign, error)
	Get(ctx context.Context, id snowflake.ID) (Campaign, error)
	List(ctx context.Context, req ListCampaignRequest) (ListCampaignResponse, error)
	UpdateDraft(ctx context.Context, req UpdateDraftRequest) (Campaign, error)
	Activate(ctx context.Context, id snowflake.ID) (Campaign, error)
	Pause(ctx context.Context, id snowflake.ID, reason string) (Campaign, error)
	Complete(ctx context.Context, id snowflake.ID) (Campaign, error)
	// AutoPause trips the posting breaker; it reports true only for the call that paused the campaign.
	AutoPause(ctx context.Context, id snowflake.ID, reason string) (bool, error)

	// ApplySiteAnalysis merges analysed profile fields and suggested keywords into the campaign.
	ApplySiteAnalysis(ctx context.Context, id snowflake.ID, analysis SiteAnalysis) error
	DueForScout(ctx context.Context, limit int) ([]Campaign, error)
	MarkScouted(ctx context.Context, id snowflake.ID) error
	MarkMinerCompleted(ctx context.Context, id snowflake.ID) error
}

// SiteAnalysis is the brand summary derived from the campaign website.
type SiteAnalysis struct {
	Description     string   `json:"description"`
	ValueProps      []string `json:"valueProps"`
	Tone            string   `json:"tone"`
	TargetAudience  string   `json:"targetAudience"`
	FeatureKeywords []string `json:"featureKeywords"`
	Competitors     []string `json:"competitors"`
	Subreddits      []string `json:"subreddits"`
}

var (
	ErrNotFound          = errors.New("campaign_not_found")
	ErrInvalidID         = errors.New("invalid_campaign_id")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidName       = errors.New("invalid_campaign_name")
	ErrInvalidMode       = errors.New("invalid_automation_mode")
	ErrInvalidKeyword    = errors.New("invalid_keyword")
	ErrInvalidCommunity  = errors.New("invalid_community")
	ErrInvalidProfile    = errors.New("invalid_business_profile")
	ErrNotDraft          = errors.New("campaign_not_draft")
	ErrInvalidTransition = errors.New("invalid_campaign_transition")
	ErrNothingToDiscover = errors.New("campaign_has_no_keywords")
)
