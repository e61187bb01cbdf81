package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/pkg/db/option"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const campaignColumns = `id, user_id, name, status, automation_mode, business_profile,
	strategy_feature, strategy_brand, strategy_competitor, owner_email, credits_used,
	pause_reason, last_scouted_at, miner_completed_at, activated_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, c *domain.Campaign) error {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO campaigns (`+campaignColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.UserID,
		c.Name,
		c.Status,
		c.AutomationMode,
		c.BusinessProfile,
		c.StrategyFeature,
		c.StrategyBrand,
		c.StrategyCompetitor,
		c.OwnerEmail,
		c.CreditsUsed,
		c.PauseReason,
		c.LastScoutedAt,
		c.MinerCompletedAt,
		c.ActivatedAt,
		c.CreatedAt,
		c.UpdatedAt,
	).Error; err != nil {
		return err
	}
	if err := r.insertKeywords(ctx, db, c.Keywords); err != nil {
		return err
	}
	return r.insertCommunities(ctx, db, c.Communities)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Campaign, error) {
	var campaign domain.Campaign
	err := db.WithContext(ctx).Raw(
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`,
		id,
	).Scan(&campaign).Error
	if err != nil {
		return nil, err
	}
	if campaign.ID == 0 {
		return nil, nil
	}
	if err := r.loadChildren(ctx, db, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*domain.Campaign, error) {
	var campaigns []*domain.Campaign
	stmt := db.WithContext(ctx).Model(&domain.Campaign{})
	if userID != 0 {
		stmt = stmt.Where("user_id = ?", userID)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (r *repo) UpdateDraft(ctx context.Context, db *gorm.DB, c *domain.Campaign) error {
	return db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET name = ?, automation_mode = ?, business_profile = ?,
		     strategy_feature = ?, strategy_brand = ?, strategy_competitor = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name,
		c.AutomationMode,
		c.BusinessProfile,
		c.StrategyFeature,
		c.StrategyBrand,
		c.StrategyCompetitor,
		c.UpdatedAt,
		c.ID,
	).Error
}

func (r *repo) ReplaceKeywords(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, keywords []domain.Keyword) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM campaign_keywords WHERE campaign_id = ?`, campaignID).Error; err != nil {
		return err
	}
	return r.insertKeywords(ctx, db, keywords)
}

func (r *repo) ReplaceCommunities(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, communities []domain.Community) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM campaign_communities WHERE campaign_id = ?`, campaignID).Error; err != nil {
		return err
	}
	return r.insertCommunities(ctx, db, communities)
}

func (r *repo) UpdateBusinessProfile(ctx context.Context, db *gorm.DB, campaignID snowflake.ID, profile domain.BusinessProfile, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE campaigns SET business_profile = ?, updated_at = ? WHERE id = ?`,
		datatypesProfile(profile),
		now,
		campaignID,
	).Error
}

func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, to domain.Status, reason string, now time.Time) (bool, error) {
	query := `UPDATE campaigns SET status = ?, pause_reason = ?, updated_at = ?`
	args := []any{to, reason, now}
	if to == domain.StatusActive {
		query += `, activated_at = COALESCE(activated_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status IN ?`
	args = append(args, id, from)

	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) IncrementCreditsUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE campaigns SET credits_used = credits_used + ?, updated_at = ? WHERE id = ?`,
		delta,
		now,
		id,
	).Error
}

func (r *repo) ListDueForScout(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Campaign, error) {
	var campaigns []*domain.Campaign
	err := db.WithContext(ctx).Raw(
		`SELECT `+campaignColumns+`
		 FROM campaigns
		 WHERE status = ? AND (last_scouted_at IS NULL OR last_scouted_at <= ?)
		 ORDER BY last_scouted_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusActive,
		cutoff,
		limit,
	).Scan(&campaigns).Error
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (r *repo) MarkScouted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE campaigns SET last_scouted_at = ? WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *repo) MarkMinerCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE campaigns SET miner_completed_at = ? WHERE id = ? AND miner_completed_at IS NULL`,
		now,
		id,
	).Error
}

func (r *repo) loadChildren(ctx context.Context, db *gorm.DB, c *domain.Campaign) error {
	if err := db.WithContext(ctx).Raw(
		`SELECT id, campaign_id, bucket, term, enabled, created_at
		 FROM campaign_keywords WHERE campaign_id = ? ORDER BY id`,
		c.ID,
	).Scan(&c.Keywords).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Raw(
		`SELECT id, campaign_id, name, enabled, created_at
		 FROM campaign_communities WHERE campaign_id = ? ORDER BY id`,
		c.ID,
	).Scan(&c.Communities).Error
}

func (r *repo) insertKeywords(ctx context.Context, db *gorm.DB, keywords []domain.Keyword) error {
	for _, kw := range keywords {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO campaign_keywords (id, campaign_id, bucket, term, enabled, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (campaign_id, bucket, term) DO NOTHING`,
			kw.ID,
			kw.CampaignID,
			kw.Bucket,
			kw.Term,
			kw.Enabled,
			kw.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) insertCommunities(ctx context.Context, db *gorm.DB, communities []domain.Community) error {
	for _, community := range communities {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO campaign_communities (id, campaign_id, name, enabled, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (campaign_id, name) DO NOTHING`,
			community.ID,
			community.CampaignID,
			community.Name,
			community.Enabled,
			community.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func datatypesProfile(profile domain.BusinessProfile) datatypes.JSONType[domain.BusinessProfile] {
	return datatypes.NewJSONType(profile)
}
