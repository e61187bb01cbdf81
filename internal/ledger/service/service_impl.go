package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/ledger/domain"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"github.com/smallbiznis/threadscout/pkg/db"
	"github.com/smallbiznis/threadscout/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// errNoop ends a transaction that found its idempotency key already recorded.
var errNoop = errors.New("ledger_noop")

// mutation computes the new split from the locked balance.
type mutation func(b *domain.Balance) (subDelta, permDelta int64, err error)

// apply locks the balance, applies fn and writes the matching history entry in one transaction.
func (s *Service) apply(ctx context.Context, userID snowflake.ID, reason domain.Reason, note string, key string, fn mutation) (*domain.Entry, *domain.Balance, error) {
	var (
		entry   *domain.Entry
		balance *domain.Balance
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key != "" {
			existing, err := s.repo.FindEntryByKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				entry = existing
				return errNoop
			}
		}

		locked, err := s.repo.LockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		before := locked.Total()
		subDelta, permDelta, err := fn(locked)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		locked.SubscriptionCredits += subDelta
		locked.PermanentCredits += permDelta
		locked.UpdatedAt = now
		if err := s.repo.SaveBalance(ctx, tx, locked); err != nil {
			return err
		}

		entry = &domain.Entry{
			ID:                s.genID.Generate(),
			UserID:            userID,
			Amount:            subDelta + permDelta,
			Reason:            reason,
			BalanceBefore:     before,
			BalanceAfter:      locked.Total(),
			SubscriptionDelta: subDelta,
			PermanentDelta:    permDelta,
			Context:           strings.TrimSpace(note),
			CreatedAt:         now,
		}
		if key != "" {
			entry.IdempotencyKey = &key
		}
		if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}
		balance = locked
		return nil
	})
	if errors.Is(err, errNoop) {
		current, err := s.GetBalance(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		return entry, &current, nil
	}
	if err != nil {
		if db.IsDuplicateKeyErr(err) && key != "" {
			// Lost a race on the same idempotency key.
			existing, ferr := s.repo.FindEntryByKey(ctx, s.db, key)
			if ferr == nil && existing != nil {
				current, gerr := s.GetBalance(ctx, userID)
				return existing, &current, gerr
			}
		}
		return nil, nil, err
	}

	obsmetrics.Pipeline().IncCreditEntry(string(reason))
	obslogger.WithContext(ctx, s.log).Info("credit balance changed",
		zap.String("user_id", userID.String()),
		zap.String("reason", string(reason)),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, balance, nil
}

// DeductCredits consumes subscription credits before permanent ones.
func (s *Service) DeductCredits(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	if req.UserID == 0 {
		return domain.DeductResult{}, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return domain.DeductResult{}, domain.ErrInvalidAmount
	}
	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonCampaignUsage
	}
	if !reason.Valid() || reason.IsRefund() {
		return domain.DeductResult{}, domain.ErrInvalidReason
	}

	entry, balance, err := s.apply(ctx, req.UserID, reason, req.Context, req.IdempotencyKey, func(b *domain.Balance) (int64, int64, error) {
		if b.Total() < req.Amount {
			return 0, 0, domain.ErrInsufficientCredits
		}
		fromSub := min(b.SubscriptionCredits, req.Amount)
		if fromSub < 0 {
			fromSub = 0
		}
		return -fromSub, -(req.Amount - fromSub), nil
	})
	if errors.Is(err, domain.ErrInsufficientCredits) {
		if req.ThrowOnInsufficient {
			return domain.DeductResult{}, err
		}
		current, gerr := s.GetBalance(ctx, req.UserID)
		if gerr != nil {
			return domain.DeductResult{}, gerr
		}
		return domain.DeductResult{Success: false, Balance: current}, nil
	}
	if err != nil {
		return domain.DeductResult{}, err
	}
	return domain.DeductResult{Success: true, Entry: entry, Balance: *balance}, nil
}

// RefundCredits reverses a deduction. Without a deduction key the credit is
// returned as permanent credit.
func (s *Service) RefundCredits(ctx context.Context, req domain.RefundRequest) (*domain.Entry, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !req.Reason.IsRefund() {
		return nil, domain.ErrInvalidReason
	}

	subShare, permShare := int64(0), req.Amount
	if req.DeductionKey != "" {
		deduction, err := s.repo.FindEntryByKey(ctx, s.db, req.DeductionKey)
		if err != nil {
			return nil, err
		}
		if deduction == nil || deduction.UserID != req.UserID {
			return nil, domain.ErrDeductionNotFound
		}
		subShare = min(-deduction.SubscriptionDelta, req.Amount)
		permShare = req.Amount - subShare
	}

	entry, _, err := s.apply(ctx, req.UserID, req.Reason, req.Context, req.IdempotencyKey, func(b *domain.Balance) (int64, int64, error) {
		return subShare, permShare, nil
	})
	return entry, err
}

func (s *Service) AddPermanentCredits(ctx context.Context, req domain.GrantRequest) (*domain.Entry, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonPurchase
	}
	if reason != domain.ReasonPurchase && reason != domain.ReasonRefundAdmin {
		return nil, domain.ErrInvalidReason
	}

	entry, _, err := s.apply(ctx, req.UserID, reason, req.Context, req.IdempotencyKey, func(b *domain.Balance) (int64, int64, error) {
		return 0, req.Amount, nil
	})
	return entry, err
}

func (s *Service) AddSubscriptionCredits(ctx context.Context, req domain.GrantRequest) (*domain.Entry, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	var fn mutation
	switch req.Reason {
	case domain.ReasonSubscriptionCreate:
		if req.Amount == 0 {
			return nil, domain.ErrInvalidAmount
		}
		fn = func(b *domain.Balance) (int64, int64, error) {
			return req.Amount, 0, nil
		}
	case domain.ReasonSubscriptionRenewal:
		// Unused subscription credits do not roll over.
		fn = func(b *domain.Balance) (int64, int64, error) {
			return req.Amount - b.SubscriptionCredits, 0, nil
		}
	default:
		return nil, domain.ErrInvalidReason
	}

	entry, _, err := s.apply(ctx, req.UserID, req.Reason, req.Context, req.IdempotencyKey, fn)
	return entry, err
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (domain.Balance, error) {
	if userID == 0 {
		return domain.Balance{}, domain.ErrInvalidUser
	}
	balance, err := s.repo.FindBalance(ctx, s.db, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	if balance == nil {
		return domain.Balance{UserID: userID}, nil
	}
	return *balance, nil
}

func (s *Service) ListHistory(ctx context.Context, req domain.ListHistoryRequest) (domain.ListHistoryResponse, error) {
	if req.UserID == 0 {
		return domain.ListHistoryResponse{}, domain.ErrInvalidUser
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: int(req.PageSize)}
	if page.PageSize <= 0 {
		page.PageSize = pagination.DefaultPageSize
	}
	if page.PageSize > pagination.MaxPageSize {
		page.PageSize = pagination.MaxPageSize
	}

	items, err := s.repo.ListEntries(ctx, s.db, req.UserID, page)
	if err != nil {
		return domain.ListHistoryResponse{}, err
	}
	pageInfo := pagination.BuildCursorPageInfo(items, int32(page.PageSize), func(e *domain.Entry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(e.ID.Int64(), 10),
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > page.PageSize {
		items = items[:page.PageSize]
	}

	resp := domain.ListHistoryResponse{Entries: make([]domain.Entry, 0, len(items))}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	for _, item := range items {
		resp.Entries = append(resp.Entries, *item)
	}
	return resp, nil
}
