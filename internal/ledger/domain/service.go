package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
)

type DeductRequest struct {
	UserID  snowflake.ID
	Amount  int64
	Reason  Reason
	Context string
	// IdempotencyKey makes a repeated deduction with the same key a no-op.
	IdempotencyKey      string
	ThrowOnInsufficient bool
}

type DeductResult struct {
	Success bool    `json:"success"`
	Entry   *Entry  `json:"entry,omitempty"`
	Balance Balance `json:"balance"`
}

type RefundRequest struct {
	UserID  snowflake.ID
	Amount  int64
	Reason  Reason
	Context string
	// DeductionKey names the deduction being reversed so the original
	// subscription/permanent split is restored.
	DeductionKey   string
	IdempotencyKey string
}

type GrantRequest struct {
	UserID         snowflake.ID
	Amount         int64
	Reason         Reason
	Context        string
	IdempotencyKey string
}

type ListHistoryRequest struct {
	UserID    snowflake.ID
	PageToken string
	PageSize  int32
}

type ListHistoryResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Service interface {
	DeductCredits(ctx context.Context, req DeductRequest) (DeductResult, error)
	RefundCredits(ctx context.Context, req RefundRequest) (*Entry, error)
	AddPermanentCredits(ctx context.Context, req GrantRequest) (*Entry, error)
	// AddSubscriptionCredits adds on SUBSCRIPTION_CREATE and replaces the
	// subscription balance on SUBSCRIPTION_RENEWAL.
	AddSubscriptionCredits(ctx context.Context, req GrantRequest) (*Entry, error)
	GetBalance(ctx context.Context, userID snowflake.ID) (Balance, error)
	ListHistory(ctx context.Context, req ListHistoryRequest) (ListHistoryResponse, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_credit_amount")
	ErrInvalidReason       = errors.New("invalid_credit_reason")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrDeductionNotFound   = errors.New("deduction_not_found")
)
