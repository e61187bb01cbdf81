package siteanalysis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/llm"
	"github.com/smallbiznis/threadscout/internal/llm/llmtest"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const analysisJSON = `{
	"description": "Offline-first note taking for small teams.",
	"valueProps": ["works offline", "shared notebooks"],
	"tone": "plain and friendly",
	"targetAudience": "remote teams",
	"featureKeywords": ["offline notes", "team wiki"],
	"competitors": ["Notion"],
	"subreddits": ["r/productivity", "remotework"]
}`

const page = `<html><head><title>Acme Notes</title></head><body>
<nav>Home Pricing Login</nav>
<article><h1>Notes that work without a connection</h1>
<p>Acme Notes keeps every notebook on your device and syncs when you are back online.
Teams share notebooks, comment on pages and never lose a draft on a train again.</p>
<p>Start free with three notebooks and upgrade when your team grows.</p></article>
</body></html>`

func setup(t *testing.T, fake *llmtest.Fake, client *http.Client, website string) (*pipelinetest.Env, *Handler, campaigndomain.Campaign) {
	t.Helper()
	env := pipelinetest.New(t)
	h := New(Params{
		Config:    config.Config{LLM: config.LLMConfig{AnalysisModel: "analysis-model"}},
		Log:       zap.NewNop(),
		LLM:       fake,
		Campaigns: env.Campaigns,
		Queue:     env.Queue,
		Client:    client,
	})
	c := env.ActiveCampaign(t, campaigndomain.CreateCampaignRequest{
		AutomationMode: campaigndomain.ModeSemiAuto,
		Profile:        campaigndomain.BusinessProfile{Name: "Acme Notes", WebsiteURL: website},
		Keywords:       []campaigndomain.KeywordInput{{Bucket: campaigndomain.BucketBrand, Term: "Acme Notes"}},
	})
	return env, h, c
}

func run(t *testing.T, env *pipelinetest.Env, h *Handler, c campaigndomain.Campaign, thenDiscover bool) error {
	t.Helper()
	job := env.Job(t, queue.QueueSiteAnalysis, queue.SiteAnalysisPayload{CampaignID: c.ID, ThenDiscover: thenDiscover})
	return h.Handle(context.Background(), job)
}

func TestGroundedAnalysisFillsProfile(t *testing.T) {
	fake := &llmtest.Fake{GroundedFn: func(string, []llm.Message) (string, error) {
		return "```json\n" + analysisJSON + "\n```", nil
	}}
	env, h, c := setup(t, fake, nil, "https://acme.test")

	require.NoError(t, run(t, env, h, c, true))

	got, err := env.Campaigns.Get(context.Background(), c.ID)
	require.NoError(t, err)
	profile := got.Profile()
	assert.Equal(t, "Offline-first note taking for small teams.", profile.Description)
	assert.Equal(t, []string{"works offline", "shared notebooks"}, profile.ValueProps)

	var terms []string
	for _, kw := range got.Keywords {
		terms = append(terms, string(kw.Bucket)+":"+kw.Term)
	}
	assert.Contains(t, terms, "FEATURE:offline notes")
	assert.Contains(t, terms, "COMPETITOR:Notion")
	assert.Contains(t, terms, "BRAND:Acme Notes")

	var communities []string
	for _, community := range got.Communities {
		communities = append(communities, community.Name)
	}
	assert.ElementsMatch(t, []string{"productivity", "remotework"}, communities)

	assert.Len(t, env.Jobs(t, queue.QueueDiscovery), 1)
	assert.Empty(t, fake.Calls("json"))
	assert.Equal(t, "analysis-model", fake.Calls("grounded")[0].Model)
}

func TestFallsBackToPageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	fake := &llmtest.Fake{
		GroundedFn: func(string, []llm.Message) (string, error) {
			return "", errors.New("search tool unavailable")
		},
		JSONFn: func(string, []llm.Message) (string, error) { return analysisJSON, nil },
	}
	env, h, c := setup(t, fake, srv.Client(), srv.URL)

	require.NoError(t, run(t, env, h, c, false))

	calls := fake.Calls("json")
	require.Len(t, calls, 1)
	prompt := calls[0].Messages[len(calls[0].Messages)-1].Content
	assert.Contains(t, prompt, "syncs when you are back online")

	got, err := env.Campaigns.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain and friendly", got.Profile().Tone)
	assert.Empty(t, env.Jobs(t, queue.QueueDiscovery))
}

func TestFetchFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fake := &llmtest.Fake{GroundedFn: func(string, []llm.Message) (string, error) {
		return "not json at all", nil
	}}
	env, h, c := setup(t, fake, srv.Client(), srv.URL)

	err := run(t, env, h, c, true)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Empty(t, env.Jobs(t, queue.QueueDiscovery))
}

func TestExhaustedAnalysisStillDiscovers(t *testing.T) {
	env, h, c := setup(t, &llmtest.Fake{}, nil, "https://acme.test")
	job := env.Job(t, queue.QueueSiteAnalysis, queue.SiteAnalysisPayload{CampaignID: c.ID, ThenDiscover: true})

	h.OnExhausted(context.Background(), job, errors.New("boom"))

	jobs := env.Jobs(t, queue.QueueDiscovery)
	require.Len(t, jobs, 1)
	var payload queue.DiscoveryPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, queue.DiscoveryMiner, payload.Mode)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Len(t, []rune(truncate(strings.Repeat("é", 20), 5)), 5)
}
