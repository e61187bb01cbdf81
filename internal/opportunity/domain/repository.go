package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	CampaignID      snowflake.ID
	UserID          snowflake.ID
	Statuses        []Status
	IncludeArchived bool
}

type Repository interface {
	// InsertIfAbsent reports false when the (campaign, thread) pair already exists.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, opp *Opportunity) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Opportunity, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*Opportunity, error)
	// UpdateIfStatus applies fields only while the row is still in expect.
	UpdateIfStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, expect Status, fields map[string]any) (bool, error)
	ListStale(ctx context.Context, db *gorm.DB, statuses []Status, cutoff time.Time, limit int) ([]*Opportunity, error)
	CountPostingFailuresSince(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, since time.Time) (int64, error)
	ExistingThreadIDs(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, threadIDs []string) ([]string, error)
}
