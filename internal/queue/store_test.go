package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	db := testdb.Open(t, &Job{})
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(StoreParams{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testdb.Node(t),
		Clock: clk,
	})
	return store, clk
}

func TestEnqueueDedupKeyIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := EnqueueRequest{Queue: QueueScoring, Payload: map[string]string{"k": "v"}, DedupKey: "scoring:1"}
	inserted, err := store.Enqueue(ctx, nil, req)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Enqueue(ctx, nil, req)
	require.NoError(t, err)
	assert.False(t, inserted)

	jobs, err := store.List(ctx, QueueScoring, StatusPending)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestEnqueueWithoutDedupKeyAlwaysInserts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		inserted, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueTracking, Payload: i})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	jobs, err := store.List(ctx, QueueTracking, StatusPending)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestEnqueueRejectsEmptyQueue(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Enqueue(context.Background(), nil, EnqueueRequest{Payload: 1})
	assert.ErrorIs(t, err, ErrInvalidQueue)
}

func TestClaimHonoursRunAt(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueuePosting, Payload: 1, Delay: 5 * time.Minute})
	require.NoError(t, err)

	jobs, err := store.Claim(ctx, QueuePosting, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clk.Advance(5 * time.Minute)
	jobs, err = store.Claim(ctx, QueuePosting, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusRunning, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	again, err := store.Claim(ctx, QueuePosting, 5)
	require.NoError(t, err)
	assert.Empty(t, again, "running job must not be claimed twice")
}

func TestClaimIsScopedToQueue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueDiscovery, Payload: 1})
	require.NoError(t, err)

	jobs, err := store.Claim(ctx, QueueScoring, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueScoring, Payload: 1, MaxAttempts: 2})
	require.NoError(t, err)

	jobs, err := store.Claim(ctx, QueueScoring, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	dead, err := store.Fail(ctx, jobs[0], errors.New("llm unavailable"))
	require.NoError(t, err)
	assert.False(t, dead)

	stored, err := store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "llm unavailable", stored.LastError)
	assert.True(t, stored.RunAt.Equal(clk.Now().Add(30*time.Second)))

	clk.Advance(30 * time.Second)
	jobs, err = store.Claim(ctx, QueueScoring, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	dead, err = store.Fail(ctx, jobs[0], errors.New("llm unavailable"))
	require.NoError(t, err)
	assert.True(t, dead)

	stored, err = store.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestFailDiscardSkipsRetries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueuePosting, Payload: 1})
	require.NoError(t, err)
	jobs, err := store.Claim(ctx, QueuePosting, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	dead, err := store.Fail(ctx, jobs[0], Discard(errors.New("opportunity missing")))
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestRecoverStaleReleasesExpiredLeases(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueCampaign, Payload: 1})
	require.NoError(t, err)
	jobs, err := store.Claim(ctx, QueueCampaign, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	recovered, err := store.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	clk.Advance(16 * time.Minute)
	recovered, err = store.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	jobs, err = store.Claim(ctx, QueueCampaign, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(0))
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 60*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Minute, Backoff(4))
	assert.Equal(t, 24*time.Hour, Backoff(40))
}

func TestPoolRunOnceCompletesAndRetries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, v := range []int{1, 2} {
		_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueScoring, Payload: map[string]int{"n": v}})
		require.NoError(t, err)
	}

	var handled atomic.Int32
	pool, err := NewPool(store, PoolConfig{
		Queue:       QueueScoring,
		Concurrency: 4,
		Handler: func(ctx context.Context, job *Job) error {
			handled.Add(1)
			var payload map[string]int
			if err := job.Decode(&payload); err != nil {
				return err
			}
			if payload["n"] == 2 {
				return errors.New("transient")
			}
			return nil
		},
	}, zap.NewNop())
	require.NoError(t, err)

	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, handled.Load())

	completed, err := store.List(ctx, QueueScoring, StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
	pending, err := store.List(ctx, QueueScoring, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPoolCallsOnExhausted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueuePosting, Payload: 1, MaxAttempts: 1})
	require.NoError(t, err)

	var exhausted atomic.Int32
	pool, err := NewPool(store, PoolConfig{
		Queue: QueuePosting,
		Handler: func(ctx context.Context, job *Job) error {
			panic("boom")
		},
		OnExhausted: func(ctx context.Context, job *Job, cause error) {
			exhausted.Add(1)
			assert.Contains(t, cause.Error(), "handler panic")
		},
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, exhausted.Load())
}

func TestPoolStartStop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, nil, EnqueueRequest{Queue: QueueTracking, Payload: 1})
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	pool, err := NewPool(store, PoolConfig{
		Queue:        QueueTracking,
		PollInterval: 10 * time.Millisecond,
		Handler: func(ctx context.Context, job *Job) error {
			done <- struct{}{}
			return nil
		},
	}, zap.NewNop())
	require.NoError(t, err)

	pool.Start(ctx)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
}

func TestNewPoolValidates(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := NewPool(store, PoolConfig{Queue: QueueScoring}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidPool)
}
