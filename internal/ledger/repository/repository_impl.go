package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/ledger/domain"
	"github.com/smallbiznis/threadscout/pkg/db/option"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LockBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Balance, error) {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (user_id, subscription_credits, permanent_credits, updated_at)
		 VALUES (?, 0, 0, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		time.Now().UTC(),
	).Error; err != nil {
		return nil, err
	}

	var balance domain.Balance
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Balance, error) {
	var balance domain.Balance
	err := db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.UserID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) SaveBalance(ctx context.Context, db *gorm.DB, b *domain.Balance) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET subscription_credits = ?, permanent_credits = ?, updated_at = ?
		 WHERE user_id = ?`,
		b.SubscriptionCredits,
		b.PermanentCredits,
		b.UpdatedAt,
		b.UserID,
	).Error
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, e *domain.Entry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_history (
			id, user_id, amount, reason, balance_before, balance_after,
			subscription_delta, permanent_delta, context, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.UserID,
		e.Amount,
		e.Reason,
		e.BalanceBefore,
		e.BalanceAfter,
		e.SubscriptionDelta,
		e.PermanentDelta,
		e.Context,
		e.IdempotencyKey,
		e.CreatedAt,
	).Error
}

func (r *repo) FindEntryByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Entry, error) {
	var entry domain.Entry
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).Where("user_id = ?", userID)
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
