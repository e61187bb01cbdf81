package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	ledgerdomain "github.com/smallbiznis/threadscout/internal/ledger/domain"
	"github.com/smallbiznis/threadscout/internal/llm"
	"github.com/smallbiznis/threadscout/internal/llm/llmtest"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var banned = config.DefaultPipelineConfig().Generation.BannedPhrases

func TestScoreRewardsNaturalReply(t *testing.T) {
	text := "I had the same problem with syncing on flights. Ended up on Acme Notes since it works offline, and my team stopped losing drafts."
	assert.InDelta(t, 1.0, Score(text, "Acme Notes", banned), 1e-9)
}

func TestScorePenalties(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
	}{
		{
			// brand first sentence -0.2, length +0.1, clean +0.1, first person +0.05, one mention +0.15
			name: "brand in first sentence",
			text: "Acme Notes is what I use. It syncs when you're back online and handles big docs fine.",
			want: 0.7,
		},
		{
			// no brand +0.15, too short -0.15, clean +0.1, zero mentions -0.3
			name: "short without brand",
			text: "Try paper.",
			want: 0.3,
		},
		{
			// +0.15, length +0.1, banned -0.25, em-dash -0.15, first person +0.05, two mentions -0.15
			name: "marketing voice",
			text: "Honestly this is a game changer. I moved the whole team to Acme Notes — then Acme Notes again for the docs.",
			want: 0.25,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Score(tc.text, "Acme Notes", banned), 1e-9)
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	text := strings.Repeat("We tried a few tools. ", 5) + "Acme Notes stuck."
	assert.Equal(t, Score(text, "Acme Notes", banned), Score(text, "Acme Notes", banned))
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Version 2.1 is out.", firstSentence("Version 2.1 is out. Try it"))
	assert.Equal(t, "Line one", firstSentence("Line one\nLine two"))
	assert.Equal(t, "no terminator", firstSentence("no terminator"))
}

type fixture struct {
	env  *pipelinetest.Env
	fake *llmtest.Fake
	h    *Handler
}

func newFixture(t *testing.T, drafts map[float32]string) fixture {
	t.Helper()
	env := pipelinetest.New(t)
	fake := &llmtest.Fake{
		JSONFn: func(string, []llm.Message) (string, error) {
			return `{"type": "question"}`, nil
		},
		CompletionFn: func(_ string, _ []llm.Message, temperature float32) (string, error) {
			text, ok := drafts[temperature]
			if !ok {
				return "", errors.New("model overloaded")
			}
			return text, nil
		},
	}
	h := New(Params{
		Config:        config.Config{LLM: config.LLMConfig{GenerationModel: "gen", ClassifierModel: "cls"}},
		Log:           zap.NewNop(),
		LLM:           fake,
		Campaigns:     env.Campaigns,
		Opportunities: env.Opportunities,
		Policies:      env.Policies,
	})
	return fixture{env: env, fake: fake, h: h}
}

const (
	goodDraft = "I had the same issue last spring. We moved to Acme Notes because it keeps working offline, and nobody has lost a doc since."
	weakDraft = "Acme Notes — a game changer. Acme Notes!"
)

func (f fixture) generate(t *testing.T, opp opportunitydomain.Opportunity, version int) {
	t.Helper()
	job := f.env.Job(t, queue.QueuePostGeneration, queue.GenerationPayload{OpportunityID: opp.ID, Version: version})
	require.NoError(t, f.h.Handle(context.Background(), job))
}

func TestSemiAutoQueuesBestDraftForPosting(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: weakDraft, 1.0: goodDraft})
	c := f.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	f.generate(t, opp, 1)

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusPosting, got.Status)
	assert.Equal(t, goodDraft, got.CommentText)
	assert.Equal(t, 1, got.CommentVersion)
	meta := got.Meta()
	require.Len(t, meta.Candidates, 2)
	assert.False(t, meta.Candidates[0].Selected)
	assert.True(t, meta.Candidates[1].Selected)
	assert.Equal(t, opportunitydomain.PostTypeQuestion, meta.PostType)
	assert.NotEmpty(t, meta.Persona)
	assert.Len(t, f.env.Jobs(t, queue.QueuePosting), 1)
}

func TestFullManualStopsForReview(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: goodDraft, 1.0: goodDraft})
	c := f.env.Campaign(t, campaigndomain.ModeFullManual)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	f.generate(t, opp, 1)

	assert.Equal(t, opportunitydomain.StatusReadyForReview, f.env.Reload(t, opp.ID).Status)
	assert.Empty(t, f.env.Jobs(t, queue.QueuePosting))
}

func TestSentinelSkipsWithoutTouchingCredits(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: NoFitSentinel, 1.0: " NO_NATURAL_FIT "})
	c := f.env.Campaign(t, campaigndomain.ModeAutopilot)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	f.generate(t, opp, 1)

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, opportunitydomain.StatusSkipped, got.Status)
	assert.Equal(t, opportunitydomain.SkipNoRelevantComment, got.Meta().SkipReason)
	assert.Empty(t, got.CommentText)
	assert.Empty(t, f.env.Jobs(t, queue.QueuePosting))

	history, err := f.env.Ledger.ListHistory(context.Background(), ledgerdomain.ListHistoryRequest{UserID: pipelinetest.UserID, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, history.Entries)
}

func TestOneFailedDraftStillProducesComment(t *testing.T) {
	f := newFixture(t, map[float32]string{1.0: goodDraft})
	c := f.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	f.generate(t, opp, 1)

	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, goodDraft, got.CommentText)
	assert.Len(t, got.Meta().Candidates, 1)
}

func TestAllDraftsFailingIsRetried(t *testing.T) {
	f := newFixture(t, map[float32]string{})
	c := f.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	job := f.env.Job(t, queue.QueuePostGeneration, queue.GenerationPayload{OpportunityID: opp.ID, Version: 1})
	require.Error(t, f.h.Handle(context.Background(), job))
	assert.Equal(t, opportunitydomain.StatusGenerating, f.env.Reload(t, opp.ID).Status)

	// The retry resumes from GENERATING once the model recovers.
	f.fake.CompletionFn = func(string, []llm.Message, float32) (string, error) { return goodDraft, nil }
	require.NoError(t, f.h.Handle(context.Background(), job))
	assert.Equal(t, opportunitydomain.StatusPosting, f.env.Reload(t, opp.ID).Status)
}

func TestRepeatedJobDoesNotRegenerate(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: goodDraft, 1.0: goodDraft})
	c := f.env.Campaign(t, campaigndomain.ModeFullManual)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)

	f.generate(t, opp, 1)
	calls := len(f.fake.Calls("completion"))
	f.generate(t, opp, 1)

	assert.Equal(t, calls, len(f.fake.Calls("completion")))
}

func TestRegenerateProducesNextVersion(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: goodDraft, 1.0: goodDraft})
	ctx := context.Background()
	c := f.env.Campaign(t, campaigndomain.ModeFullManual)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, nil)
	f.generate(t, opp, 1)

	_, err := f.env.Opportunities.Regenerate(ctx, opp.ID)
	require.NoError(t, err)
	jobs := f.env.Jobs(t, queue.QueuePostGeneration)
	var payload queue.GenerationPayload
	require.NoError(t, jobs[len(jobs)-1].Decode(&payload))
	assert.Equal(t, 2, payload.Version)

	f.generate(t, opp, 2)
	got := f.env.Reload(t, opp.ID)
	assert.Equal(t, 2, got.CommentVersion)
	assert.Equal(t, opportunitydomain.StatusReadyForReview, got.Status)
}

func TestReplyTargetIsInPrompt(t *testing.T) {
	f := newFixture(t, map[float32]string{0.7: goodDraft, 1.0: goodDraft})
	c := f.env.Campaign(t, campaigndomain.ModeSemiAuto)
	opp := f.env.Opportunity(t, c, "t1", opportunitydomain.StatusApproved, map[string]any{
		"parent_comment_id":   "k2",
		"parent_comment_text": "Which note app handles offline sync?",
	})

	f.generate(t, opp, 1)

	calls := f.fake.Calls("completion")
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Messages[1].Content, "Which note app handles offline sync?")
	assert.Contains(t, calls[0].Messages[0].Content, NoFitSentinel)
}
