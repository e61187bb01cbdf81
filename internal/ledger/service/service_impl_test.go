package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/ledger/domain"
	"github.com/smallbiznis/threadscout/internal/ledger/repository"
	"github.com/smallbiznis/threadscout/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const user snowflake.ID = 1001

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	db := testdb.Open(t, &domain.Balance{}, &domain.Entry{})
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testdb.Node(t),
		Clock: clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

// assertLedgerConsistent checks that the live balance equals the sum of history amounts.
func assertLedgerConsistent(t *testing.T, svc domain.Service) domain.Balance {
	t.Helper()
	ctx := context.Background()
	balance, err := svc.GetBalance(ctx, user)
	require.NoError(t, err)
	history, err := svc.ListHistory(ctx, domain.ListHistoryRequest{UserID: user, PageSize: 250})
	require.NoError(t, err)
	var sum int64
	for _, e := range history.Entries {
		sum += e.Amount
	}
	assert.Equal(t, balance.Total(), sum)
	return balance
}

func TestDeductConsumesSubscriptionFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddSubscriptionCredits(ctx, domain.GrantRequest{UserID: user, Amount: 1, Reason: domain.ReasonSubscriptionCreate})
	require.NoError(t, err)
	_, err = svc.AddPermanentCredits(ctx, domain.GrantRequest{UserID: user, Amount: 5})
	require.NoError(t, err)

	res, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 2, Reason: domain.ReasonCampaignUsage})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.EqualValues(t, -1, res.Entry.SubscriptionDelta)
	assert.EqualValues(t, -1, res.Entry.PermanentDelta)
	assert.EqualValues(t, 6, res.Entry.BalanceBefore)
	assert.EqualValues(t, 4, res.Entry.BalanceAfter)

	balance := assertLedgerConsistent(t, svc)
	assert.EqualValues(t, 0, balance.SubscriptionCredits)
	assert.EqualValues(t, 4, balance.PermanentCredits)
}

func TestDeductInsufficient(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Entry)

	_, err = svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1, ThrowOnInsufficient: true})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	history, err := svc.ListHistory(ctx, domain.ListHistoryRequest{UserID: user})
	require.NoError(t, err)
	assert.Empty(t, history.Entries)
}

func TestRefundRestoresOriginalSplit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddSubscriptionCredits(ctx, domain.GrantRequest{UserID: user, Amount: 3, Reason: domain.ReasonSubscriptionCreate})
	require.NoError(t, err)
	before := assertLedgerConsistent(t, svc)

	res, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1, IdempotencyKey: "posting:42:v1"})
	require.NoError(t, err)
	require.True(t, res.Success)

	refund, err := svc.RefundCredits(ctx, domain.RefundRequest{
		UserID:         user,
		Amount:         1,
		Reason:         domain.ReasonRefundPostingFailed,
		DeductionKey:   "posting:42:v1",
		IdempotencyKey: "refund:posting:42:v1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, refund.SubscriptionDelta)

	after := assertLedgerConsistent(t, svc)
	assert.Equal(t, before.SubscriptionCredits, after.SubscriptionCredits)
	assert.Equal(t, before.PermanentCredits, after.PermanentCredits)
}

func TestIdempotencyKeyPreventsDoubleEntries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddPermanentCredits(ctx, domain.GrantRequest{UserID: user, Amount: 2, IdempotencyKey: "purchase:abc"})
	require.NoError(t, err)
	_, err = svc.AddPermanentCredits(ctx, domain.GrantRequest{UserID: user, Amount: 2, IdempotencyKey: "purchase:abc"})
	require.NoError(t, err)

	first, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1, IdempotencyKey: "posting:1:v1"})
	require.NoError(t, err)
	second, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1, IdempotencyKey: "posting:1:v1"})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	balance := assertLedgerConsistent(t, svc)
	assert.EqualValues(t, 1, balance.Total())
}

func TestRenewalReplacesSubscriptionCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddSubscriptionCredits(ctx, domain.GrantRequest{UserID: user, Amount: 10, Reason: domain.ReasonSubscriptionCreate})
	require.NoError(t, err)
	_, err = svc.AddPermanentCredits(ctx, domain.GrantRequest{UserID: user, Amount: 4})
	require.NoError(t, err)
	_, err = svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 3})
	require.NoError(t, err)

	entry, err := svc.AddSubscriptionCredits(ctx, domain.GrantRequest{UserID: user, Amount: 10, Reason: domain.ReasonSubscriptionRenewal})
	require.NoError(t, err)
	assert.EqualValues(t, 3, entry.Amount)

	balance := assertLedgerConsistent(t, svc)
	assert.EqualValues(t, 10, balance.SubscriptionCredits)
	assert.EqualValues(t, 4, balance.PermanentCredits)
}

func TestValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: 0, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1, Reason: domain.ReasonRefundAdmin})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
	_, err = svc.RefundCredits(ctx, domain.RefundRequest{UserID: user, Amount: 1, Reason: domain.ReasonPurchase})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
	_, err = svc.RefundCredits(ctx, domain.RefundRequest{UserID: user, Amount: 1, Reason: domain.ReasonRefundAdmin, DeductionKey: "missing"})
	assert.ErrorIs(t, err, domain.ErrDeductionNotFound)
	_, err = svc.AddSubscriptionCredits(ctx, domain.GrantRequest{UserID: user, Amount: 1, Reason: domain.ReasonPurchase})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddPermanentCredits(ctx, domain.GrantRequest{UserID: user, Amount: 3})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.DeductCredits(ctx, domain.DeductRequest{UserID: user, Amount: 1})
			if err == nil && res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, successes)
	balance := assertLedgerConsistent(t, svc)
	assert.EqualValues(t, 0, balance.Total())
}
