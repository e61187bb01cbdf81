package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// LockBalance creates the balance row if missing and locks it for the transaction.
	LockBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Balance, error)
	FindBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Balance, error)
	SaveBalance(ctx context.Context, db *gorm.DB, balance *Balance) error
	InsertEntry(ctx context.Context, db *gorm.DB, entry *Entry) error
	FindEntryByKey(ctx context.Context, db *gorm.DB, key string) (*Entry, error)
	ListEntries(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*Entry, error)
}
