package worker

import (
	"context"
	"testing"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/testutil/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHandler(env *pipelinetest.Env) *Handler {
	return New(Params{Log: zap.NewNop(), Campaigns: env.Campaigns, Queue: env.Queue})
}

func TestCampaignJobQueuesMiner(t *testing.T) {
	env := pipelinetest.New(t)
	h := newHandler(env)
	c := env.Campaign(t, campaigndomain.ModeSemiAuto)

	job := env.Job(t, queue.QueueCampaign, queue.CampaignPayload{CampaignID: c.ID})
	require.NoError(t, h.Handle(context.Background(), job))
	require.NoError(t, h.Handle(context.Background(), job))

	jobs := env.Jobs(t, queue.QueueDiscovery)
	require.Len(t, jobs, 1)
	var payload queue.DiscoveryPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, c.ID, payload.CampaignID)
	assert.Equal(t, queue.DiscoveryMiner, payload.Mode)
	assert.Empty(t, env.Jobs(t, queue.QueueSiteAnalysis))

	due, err := env.Campaigns.DueForScout(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, c.ID, due[0].ID)
}

func TestCampaignJobAnalysesWebsiteFirst(t *testing.T) {
	env := pipelinetest.New(t)
	h := newHandler(env)
	c := env.ActiveCampaign(t, campaigndomain.CreateCampaignRequest{
		AutomationMode: campaigndomain.ModeSemiAuto,
		Profile:        campaigndomain.BusinessProfile{Name: "Acme Notes", WebsiteURL: "https://acme.test"},
		Keywords:       []campaigndomain.KeywordInput{{Bucket: campaigndomain.BucketBrand, Term: "Acme Notes"}},
	})

	require.NoError(t, h.Handle(context.Background(), env.Job(t, queue.QueueCampaign, queue.CampaignPayload{CampaignID: c.ID})))

	jobs := env.Jobs(t, queue.QueueSiteAnalysis)
	require.Len(t, jobs, 1)
	var payload queue.SiteAnalysisPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.True(t, payload.ThenDiscover)
	assert.Empty(t, env.Jobs(t, queue.QueueDiscovery))
}

func TestCampaignJobSkipsPausedCampaign(t *testing.T) {
	env := pipelinetest.New(t)
	h := newHandler(env)
	c := env.Campaign(t, campaigndomain.ModeSemiAuto)
	_, err := env.Campaigns.Pause(context.Background(), c.ID, "manual")
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), env.Job(t, queue.QueueCampaign, queue.CampaignPayload{CampaignID: c.ID})))
	assert.Empty(t, env.Jobs(t, queue.QueueDiscovery))
}

func TestCampaignJobDiscardsUnknownCampaign(t *testing.T) {
	env := pipelinetest.New(t)
	h := newHandler(env)

	err := h.Handle(context.Background(), env.Job(t, queue.QueueCampaign, queue.CampaignPayload{CampaignID: 42}))
	assert.ErrorIs(t, err, campaigndomain.ErrNotFound)
}
