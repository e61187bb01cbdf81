package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies a credit balance change.
type Reason string

const (
	ReasonSubscriptionCreate  Reason = "SUBSCRIPTION_CREATE"
	ReasonSubscriptionRenewal Reason = "SUBSCRIPTION_RENEWAL"
	ReasonPurchase            Reason = "PURCHASE"
	ReasonCampaignUsage       Reason = "CAMPAIGN_USAGE"

	ReasonRefundPostingFailed Reason = "REFUND_POSTING_FAILED"
	ReasonRefundNoProvider    Reason = "REFUND_NO_PROVIDER"
	ReasonRefundAdmin         Reason = "REFUND_ADMIN"
)

func (r Reason) IsRefund() bool {
	switch r {
	case ReasonRefundPostingFailed, ReasonRefundNoProvider, ReasonRefundAdmin:
		return true
	}
	return false
}

func (r Reason) Valid() bool {
	switch r {
	case ReasonSubscriptionCreate, ReasonSubscriptionRenewal, ReasonPurchase, ReasonCampaignUsage:
		return true
	}
	return r.IsRefund()
}

// Balance is the live credit position of a user. Subscription credits are
// replaced on renewal, permanent credits never expire.
type Balance struct {
	UserID              snowflake.ID `gorm:"primaryKey" json:"user_id"`
	SubscriptionCredits int64        `gorm:"not null;default:0" json:"subscription_credits"`
	PermanentCredits    int64        `gorm:"not null;default:0" json:"permanent_credits"`
	UpdatedAt           time.Time    `gorm:"not null" json:"updated_at"`
}

func (Balance) TableName() string { return "credit_balances" }

func (b Balance) Total() int64 {
	return b.SubscriptionCredits + b.PermanentCredits
}

// Entry is one append-only history row. Amount is signed.
type Entry struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID            snowflake.ID `gorm:"not null;index:ix_credit_history_user,priority:1" json:"user_id"`
	Amount            int64        `gorm:"not null" json:"amount"`
	Reason            Reason       `gorm:"type:text;not null" json:"reason"`
	BalanceBefore     int64        `gorm:"not null" json:"balance_before"`
	BalanceAfter      int64        `gorm:"not null" json:"balance_after"`
	SubscriptionDelta int64        `gorm:"not null;default:0" json:"subscription_delta"`
	PermanentDelta    int64        `gorm:"not null;default:0" json:"permanent_delta"`
	Context           string       `gorm:"type:text" json:"context,omitempty"`
	IdempotencyKey    *string      `gorm:"type:text;uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt         time.Time    `gorm:"not null;index:ix_credit_history_user,priority:2" json:"created_at"`
}

func (Entry) TableName() string { return "credit_history" }
