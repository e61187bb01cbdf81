package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, campaign *Campaign) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Campaign, error)
	List(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*Campaign, error)
	UpdateDraft(ctx context.Context, db *gorm.DB, campaign *Campaign) error
	ReplaceKeywords(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, keywords []Keyword) error
	ReplaceCommunities(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, communities []Community) error
	UpdateBusinessProfile(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, profile BusinessProfile, now time.Time) error
	// TransitionStatus moves the campaign to `to` only if its current status is one of `from`.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, to Status, reason string, now time.Time) (bool, error)
	IncrementCreditsUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) error
	ListDueForScout(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Campaign, error)
	MarkScouted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkMinerCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}
