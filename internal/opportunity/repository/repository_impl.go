package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/pkg/db/option"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, o *domain.Opportunity) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO opportunities (
			id, campaign_id, user_id, thread_id, permalink, title, body_excerpt, subreddit,
			upvotes, comment_count, thread_created_at, matched_keyword, source,
			relevance_score, comment_version, parent_comment_id, parent_comment_text, reply_reason,
			status, metadata, is_archived, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, thread_id) DO NOTHING`,
		o.ID,
		o.CampaignID,
		o.UserID,
		o.ThreadID,
		o.Permalink,
		o.Title,
		o.BodyExcerpt,
		o.Subreddit,
		o.Upvotes,
		o.CommentCount,
		o.ThreadCreatedAt,
		o.MatchedKeyword,
		o.Source,
		o.RelevanceScore,
		o.CommentVersion,
		o.ParentCommentID,
		o.ParentCommentText,
		o.ReplyReason,
		o.Status,
		o.Metadata,
		o.IsArchived,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Opportunity, error) {
	var opp domain.Opportunity
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&opp).Error
	if err != nil {
		return nil, err
	}
	if opp.ID == 0 {
		return nil, nil
	}
	return &opp, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Opportunity, error) {
	var items []*domain.Opportunity
	stmt := db.WithContext(ctx).Model(&domain.Opportunity{})
	if filter.CampaignID != 0 {
		stmt = stmt.Where("campaign_id = ?", filter.CampaignID)
	}
	if filter.UserID != 0 {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if !filter.IncludeArchived {
		stmt = stmt.Where("is_archived = ?", false)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateIfStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, expect domain.Status, fields map[string]any) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.Opportunity{}).
		Where("id = ? AND status = ?", id, expect).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, statuses []domain.Status, cutoff time.Time, limit int) ([]*domain.Opportunity, error) {
	var items []*domain.Opportunity
	err := db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", statuses, cutoff).
		Order("updated_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountPostingFailuresSince(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM opportunities WHERE campaign_id = ? AND posting_failed_at >= ?`,
		campaignID,
		since,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ExistingThreadIDs(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, threadIDs []string) ([]string, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	var existing []string
	err := db.WithContext(ctx).Raw(
		`SELECT thread_id FROM opportunities WHERE campaign_id = ? AND thread_id IN ?`,
		campaignID,
		threadIDs,
	).Scan(&existing).Error
	return existing, err
}
