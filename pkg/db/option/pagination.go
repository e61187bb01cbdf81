package option

import (
	"strconv"
	"time"

	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(stmt *gorm.DB) *gorm.DB
}

type paginationOption struct {
	page pagination.Pagination
}

// ApplyPagination seeks past the cursor carried in the page token and fetches
// one extra row so callers can tell whether another page exists.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return paginationOption{page: page}
}

func (o paginationOption) Apply(stmt *gorm.DB) *gorm.DB {
	size := o.page.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	if size > pagination.MaxPageSize {
		size = pagination.MaxPageSize
	}

	if o.page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(o.page.PageToken)
		if err == nil && cursor != nil {
			id, idErr := strconv.ParseInt(cursor.ID, 10, 64)
			createdAt, timeErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if idErr == nil && timeErr == nil {
				stmt = stmt.Where("((created_at < ?) OR (created_at = ? AND id < ?))", createdAt, createdAt, id)
			}
		}
	}

	return stmt.Limit(size + 1)
}
