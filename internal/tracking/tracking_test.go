package tracking

import (
	"context"
	"testing"
	"time"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	postingprovider "github.com/smallbiznis/threadscout/internal/providers/posting"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	env     *pipelinetest.Env
	sandbox *postingprovider.SandboxProvider
	h       *Handler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	env := pipelinetest.New(t)
	sandbox := postingprovider.NewSandboxProvider(env.Clock)
	h := New(Params{
		Log:           zap.NewNop(),
		Clock:         env.Clock,
		Registry:      postingprovider.NewRegistry(sandbox),
		Opportunities: env.Opportunities,
	})
	return fixture{env: env, sandbox: sandbox, h: h}
}

// posted returns an opportunity whose comment lives in the sandbox.
func (f fixture) posted(t *testing.T, threadID string) opportunitydomain.Opportunity {
	t.Helper()
	c := f.env.Campaign(t, campaigndomain.ModeAutopilot)
	res, err := f.sandbox.PostComment(context.Background(), postingprovider.PostRequest{
		ThreadURL:   "https://www.reddit.com/r/productivity/comments/" + threadID + "/notes/",
		CommentText: "Acme Notes has worked well for us offline.",
	})
	require.NoError(t, err)
	return f.env.Opportunity(t, c, threadID, opportunitydomain.StatusPosted, map[string]any{
		"posted_comment_id": res.CommentID,
		"posted_provider":   f.sandbox.Name(),
		"posted_at":         f.env.Clock.Now(),
	})
}

func (f fixture) check(t *testing.T, opp opportunitydomain.Opportunity, n int) error {
	t.Helper()
	return f.h.Handle(context.Background(), f.env.Job(t, queue.QueueTracking, queue.TrackingPayload{
		OpportunityID: opp.ID,
		CheckNumber:   n,
	}))
}

func TestCheckRecordsSnapshotAndSchedulesNext(t *testing.T) {
	f := newFixture(t)
	opp := f.posted(t, "t1")

	require.NoError(t, f.check(t, opp, 1))

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusPosted, got.Status)
	require.Len(t, got.Meta().Tracking, 1)
	assert.Equal(t, 1, got.Meta().Tracking[0].CheckNumber)

	jobs := f.env.Jobs(t, queue.QueueTracking)
	require.Len(t, jobs, 1)
	var payload queue.TrackingPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, 2, payload.CheckNumber)
	assert.WithinDuration(t, f.env.Clock.Now().Add(4*time.Hour), jobs[0].RunAt, time.Second)
}

func TestRepeatedCheckDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	opp := f.posted(t, "t1")

	require.NoError(t, f.check(t, opp, 1))
	require.NoError(t, f.check(t, opp, 1))

	got := f.env.Reload(t, opp.ID)
	assert.Len(t, got.Meta().Tracking, 1)
	assert.Len(t, f.env.Jobs(t, queue.QueueTracking), 1)
}

func TestLastCheckStopsSchedule(t *testing.T) {
	f := newFixture(t)
	opp := f.posted(t, "t1")

	for n := 1; n <= 4; n++ {
		require.NoError(t, f.check(t, opp, n))
	}

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusPosted, got.Status)
	require.Len(t, got.Meta().Tracking, 4)
	assert.Equal(t, 4, got.Meta().Tracking[3].Score)
	// checks 2..4 were scheduled by checks 1..3; check 4 scheduled nothing
	assert.Len(t, f.env.Jobs(t, queue.QueueTracking), 3)
}

func TestEarlyRemovalFailsOpportunity(t *testing.T) {
	f := newFixture(t)
	opp := f.posted(t, "t1")
	require.NoError(t, f.check(t, opp, 1))

	f.sandbox.Remove(opp.PostedCommentID)
	require.NoError(t, f.check(t, opp, 2))

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusFailed, got.Status)
	meta := got.Meta()
	assert.True(t, meta.RemovedEarly)
	require.Len(t, meta.Tracking, 2)
	assert.True(t, meta.Tracking[1].Removed)
	assert.Len(t, f.env.Jobs(t, queue.QueueTracking), 1)

	// the already-scheduled check finds a FAILED opportunity and stops
	require.NoError(t, f.check(t, opp, 3))
	reloaded := f.env.Reload(t, opp.ID)
	assert.Len(t, reloaded.Meta().Tracking, 2)
}

func TestLateRemovalStopsWithoutFailing(t *testing.T) {
	f := newFixture(t)
	opp := f.posted(t, "t1")
	f.sandbox.Remove(opp.PostedCommentID)

	require.NoError(t, f.check(t, opp, 3))

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusPosted, got.Status)
	assert.False(t, got.Meta().RemovedEarly)
	require.Len(t, got.Meta().Tracking, 1)
	assert.True(t, got.Meta().Tracking[0].Removed)
	assert.Empty(t, f.env.Jobs(t, queue.QueueTracking))
}

func TestUnknownProviderIsDiscarded(t *testing.T) {
	f := newFixture(t)
	c := f.env.Campaign(t, campaigndomain.ModeAutopilot)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusPosted, map[string]any{
		"posted_comment_id": "x",
		"posted_provider":   "retired",
	})

	err := f.check(t, opp, 1)
	require.ErrorIs(t, err, postingprovider.ErrUnknownProvider)
}

func TestNotPostedIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.env.Campaign(t, campaigndomain.ModeAutopilot)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusSkipped, nil)

	require.NoError(t, f.check(t, opp, 1))
	reloaded := f.env.Reload(t, opp.ID)
	assert.Empty(t, reloaded.Meta().Tracking)
}
