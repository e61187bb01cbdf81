package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

type AutomationMode string

const (
	ModeFullManual AutomationMode = "FULL_MANUAL"
	ModeSemiAuto   AutomationMode = "SEMI_AUTO"
	ModeAutopilot  AutomationMode = "AUTOPILOT"
)

func (m AutomationMode) Valid() bool {
	switch m {
	case ModeFullManual, ModeSemiAuto, ModeAutopilot:
		return true
	}
	return false
}

type KeywordBucket string

const (
	BucketFeature    KeywordBucket = "FEATURE"
	BucketBrand      KeywordBucket = "BRAND"
	BucketCompetitor KeywordBucket = "COMPETITOR"
)

func (b KeywordBucket) Valid() bool {
	switch b {
	case BucketFeature, BucketBrand, BucketCompetitor:
		return true
	}
	return false
}

// BusinessProfile describes the brand replies are written for.
type BusinessProfile struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ValueProps     []string `json:"valueProps"`
	Tone           string   `json:"tone"`
	WebsiteURL     string   `json:"websiteUrl,omitempty"`
	TargetAudience string   `json:"targetAudience,omitempty"`
}

// Strategies toggles each keyword bucket independently.
type Strategies struct {
	Feature    bool `json:"feature"`
	Brand      bool `json:"brand"`
	Competitor bool `json:"competitor"`
}

type Campaign struct {
	ID                 snowflake.ID                         `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID                         `gorm:"not null;index" json:"user_id"`
	Name               string                               `gorm:"type:text;not null" json:"name"`
	Status             Status                               `gorm:"type:text;not null;index" json:"status"`
	AutomationMode     AutomationMode                       `gorm:"type:text;not null" json:"automation_mode"`
	BusinessProfile    datatypes.JSONType[BusinessProfile]  `gorm:"type:jsonb;not null" json:"business_profile"`
	StrategyFeature    bool                                 `gorm:"not null;default:true" json:"strategy_feature"`
	StrategyBrand      bool                                 `gorm:"not null;default:true" json:"strategy_brand"`
	StrategyCompetitor bool                                 `gorm:"not null;default:true" json:"strategy_competitor"`
	OwnerEmail         string                               `gorm:"type:text" json:"owner_email,omitempty"`
	CreditsUsed        int64                                `gorm:"not null;default:0" json:"credits_used"`
	PauseReason        string                               `gorm:"type:text" json:"pause_reason,omitempty"`
	LastScoutedAt      *time.Time                           `json:"last_scouted_at,omitempty"`
	MinerCompletedAt   *time.Time                           `json:"miner_completed_at,omitempty"`
	ActivatedAt        *time.Time                           `json:"activated_at,omitempty"`
	CreatedAt          time.Time                            `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time                            `gorm:"not null" json:"updated_at"`

	Keywords    []Keyword   `gorm:"-" json:"keywords"`
	Communities []Community `gorm:"-" json:"communities"`
}

func (Campaign) TableName() string { return "campaigns" }

type Keyword struct {
	ID         snowflake.ID  `gorm:"primaryKey" json:"id"`
	CampaignID snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_campaign_keywords_term,priority:1" json:"campaign_id"`
	Bucket     KeywordBucket `gorm:"type:text;not null;uniqueIndex:ux_campaign_keywords_term,priority:2" json:"bucket"`
	Term       string        `gorm:"type:text;not null;uniqueIndex:ux_campaign_keywords_term,priority:3" json:"term"`
	Enabled    bool          `gorm:"not null;default:true" json:"enabled"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
}

func (Keyword) TableName() string { return "campaign_keywords" }

type Community struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	CampaignID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_campaign_communities_name,priority:1" json:"campaign_id"`
	Name       string       `gorm:"type:text;not null;uniqueIndex:ux_campaign_communities_name,priority:2" json:"name"`
	Enabled    bool         `gorm:"not null;default:true" json:"enabled"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
}

func (Community) TableName() string { return "campaign_communities" }

func (c *Campaign) Profile() BusinessProfile {
	if c == nil {
		return BusinessProfile{}
	}
	return c.BusinessProfile.Data()
}

func (c *Campaign) Strategies() Strategies {
	return Strategies{Feature: c.StrategyFeature, Brand: c.StrategyBrand, Competitor: c.StrategyCompetitor}
}

func (c *Campaign) StrategyEnabled(bucket KeywordBucket) bool {
	switch bucket {
	case BucketFeature:
		return c.StrategyFeature
	case BucketBrand:
		return c.StrategyBrand
	case BucketCompetitor:
		return c.StrategyCompetitor
	}
	return false
}

// ActiveKeywords returns keywords whose own flag and bucket strategy are both on.
// With no buckets given every bucket is considered.
func (c *Campaign) ActiveKeywords(buckets ...KeywordBucket) []Keyword {
	out := make([]Keyword, 0, len(c.Keywords))
	for _, kw := range c.Keywords {
		if !kw.Enabled || !c.StrategyEnabled(kw.Bucket) || strings.TrimSpace(kw.Term) == "" {
			continue
		}
		if len(buckets) > 0 && !containsBucket(buckets, kw.Bucket) {
			continue
		}
		out = append(out, kw)
	}
	return out
}

func (c *Campaign) ActiveCommunities() []Community {
	out := make([]Community, 0, len(c.Communities))
	for _, community := range c.Communities {
		if community.Enabled && strings.TrimSpace(community.Name) != "" {
			out = append(out, community)
		}
	}
	return out
}

// DiscoveryAllowed reports whether discovery may run for the campaign right now.
func (c *Campaign) DiscoveryAllowed() bool {
	return c != nil && c.Status == StatusActive
}

func containsBucket(buckets []KeywordBucket, b KeywordBucket) bool {
	for _, candidate := range buckets {
		if candidate == b {
			return true
		}
	}
	return false
}
