package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/opportunity/repository"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	queue *queue.Store
	clock *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testdb.Open(t, &domain.Opportunity{}, &queue.Job{})
	node := testdb.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))
	store := queue.NewStore(queue.StoreParams{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk})
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Queue:    store,
		Policies: config.NewStaticPipelineConfigHolder(config.DefaultPipelineConfig()),
	}).(*Service)
	svc.jitter = func(min, max time.Duration) time.Duration { return min }
	return fixture{svc: svc, db: db, queue: store, clock: clk}
}

func thread(id string) domain.Discovered {
	return domain.Discovered{
		ThreadID:       id,
		Permalink:      "https://www.reddit.com/r/saas/comments/" + id,
		Title:          "Looking for a note app",
		Body:           "Any recommendations?",
		Subreddit:      "saas",
		Upvotes:        12,
		MatchedKeyword: "note app",
		Source:         domain.SourceMiner,
	}
}

func (f fixture) create(t *testing.T, ids ...string) []domain.Opportunity {
	t.Helper()
	threads := make([]domain.Discovered, 0, len(ids))
	for _, id := range ids {
		threads = append(threads, thread(id))
	}
	res, err := f.svc.CreateDiscovered(context.Background(), domain.CreateDiscoveredRequest{
		CampaignID: 7,
		UserID:     9,
		Threads:    threads,
	})
	require.NoError(t, err)
	return res.Created
}

func TestCreateDiscoveredDiscardsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.create(t, "t1", "t2")
	require.Len(t, created, 2)
	assert.Equal(t, domain.StatusDiscovered, created[0].Status)
	assert.Zero(t, created[0].RelevanceScore)

	res, err := f.svc.CreateDiscovered(ctx, domain.CreateDiscoveredRequest{
		CampaignID: 7,
		UserID:     9,
		Threads:    []domain.Discovered{thread("t1"), thread("t3")},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
	assert.Equal(t, 1, res.Duplicates)

	jobs, err := f.queue.List(ctx, queue.QueueScoring, queue.StatusPending)
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "one scoring job per created opportunity")

	existing, err := f.svc.ExistingThreadIDs(ctx, 7, []string{"t1", "t9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, existing)
}

func TestCreateDiscoveredScopesUniquenessToCampaign(t *testing.T) {
	f := newFixture(t)
	f.create(t, "t1")

	res, err := f.svc.CreateDiscovered(context.Background(), domain.CreateDiscoveredRequest{
		CampaignID: 8,
		Threads:    []domain.Discovered{thread("t1")},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	opp := f.create(t, "t1")[0]

	_, err := f.svc.Apply(context.Background(), domain.Change{ID: opp.ID, Event: domain.EventPosted})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.svc.Get(context.Background(), opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscovered, got.Status)
}

func TestApproveEnqueuesGenerationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := f.create(t, "t1")[0]

	_, err := f.svc.Apply(ctx, domain.Change{
		ID:     opp.ID,
		Event:  domain.EventNeedsReview,
		Fields: map[string]any{"relevance_score": 0.45},
	})
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.InDelta(t, 0.45, approved.RelevanceScore, 0.0001)

	_, err = f.svc.Approve(ctx, opp.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	jobs, err := f.queue.List(ctx, queue.QueuePostGeneration, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var payload queue.GenerationPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, opp.ID, payload.OpportunityID)
	assert.Equal(t, 1, payload.Version)
}

func moveToReview(t *testing.T, f fixture, opp domain.Opportunity) {
	t.Helper()
	ctx := context.Background()
	for _, change := range []domain.Change{
		{ID: opp.ID, Event: domain.EventAutoApprove},
		{ID: opp.ID, Event: domain.EventStartGeneration},
		{ID: opp.ID, Event: domain.EventCommentReady, Fields: map[string]any{"comment_text": "I use Acme for this.", "comment_version": 1}},
	} {
		_, err := f.svc.Apply(ctx, change)
		require.NoError(t, err)
	}
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := f.create(t, "t1")[0]
	moveToReview(t, f, opp)

	edited, err := f.svc.EditComment(ctx, opp.ID, "  I switched to Acme last year.  ")
	require.NoError(t, err)
	assert.Equal(t, "I switched to Acme last year.", edited.CommentText)
	assert.Equal(t, domain.StatusReadyForReview, edited.Status)

	_, err = f.svc.EditComment(ctx, opp.ID, " ")
	assert.ErrorIs(t, err, domain.ErrEmptyComment)

	posting, err := f.svc.ApproveComment(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosting, posting.Status)

	jobs, err := f.queue.List(ctx, queue.QueuePosting, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].RunAt.Equal(f.clock.Now().Add(30*time.Second)))

	_, err = f.svc.EditComment(ctx, opp.ID, "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRegenerateBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := f.create(t, "t1")[0]
	moveToReview(t, f, opp)

	back, err := f.svc.Regenerate(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, back.Status)

	jobs, err := f.queue.List(ctx, queue.QueuePostGeneration, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var payload queue.GenerationPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, 2, payload.Version)
}

func TestRejectAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := f.create(t, "t1")[0]

	rejected, err := f.svc.Reject(ctx, opp.ID, "off topic")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, "off topic", rejected.Meta().SkipDetail)

	archived, err := f.svc.Archive(ctx, opp.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	assert.Equal(t, domain.StatusRejected, archived.Status)

	list, err := f.svc.List(ctx, domain.ListRequest{CampaignID: 7})
	require.NoError(t, err)
	assert.Empty(t, list.Opportunities)

	list, err = f.svc.List(ctx, domain.ListRequest{CampaignID: 7, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, list.Opportunities, 1)
}

func TestMarkExhaustedRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opp := f.create(t, "t1")[0]

	require.NoError(t, f.svc.MarkExhausted(ctx, opp.ID, queue.QueueScoring, 10, errors.New("llm down")))

	got, err := f.svc.Get(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Meta().Error)
	assert.Equal(t, "llm down", got.Meta().Error.Message)
	assert.Equal(t, 10, got.Meta().Error.Attempts)
}

func TestExpireStaleRetiresOldReviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "old", "fresh", "discovered")

	_, err := f.svc.Apply(ctx, domain.Change{ID: created[0].ID, Event: domain.EventNeedsReview})
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	_, err = f.svc.Apply(ctx, domain.Change{ID: created[1].ID, Event: domain.EventNeedsReview})
	require.NoError(t, err)

	f.clock.Advance(2 * 24 * time.Hour)
	expired, err := f.svc.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	old, err := f.svc.Get(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, old.Status)
	fresh, err := f.svc.Get(ctx, created[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, fresh.Status)
	untouched, err := f.svc.Get(ctx, created[2].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscovered, untouched.Status)
}

func TestListFiltersByStatusAndPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.create(t, id)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.List(ctx, domain.ListRequest{CampaignID: 7, Statuses: []domain.Status{domain.StatusDiscovered}, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Opportunities, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "c", page.Opportunities[0].ThreadID)

	next, err := f.svc.List(ctx, domain.ListRequest{CampaignID: 7, PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Opportunities, 1)
	assert.Equal(t, "a", next.Opportunities[0].ThreadID)

	_, err = f.svc.List(ctx, domain.ListRequest{Statuses: []domain.Status{"NOPE"}})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}
