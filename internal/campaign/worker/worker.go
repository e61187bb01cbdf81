// Package worker handles the campaign job enqueued on activation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("campaign.worker",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Campaigns campaigndomain.Service
	Queue     *queue.Store
}

type Handler struct {
	log       *zap.Logger
	campaigns campaigndomain.Service
	queue     *queue.Store
}

func New(p Params) *Handler {
	return &Handler{
		log:       p.Log.Named("campaign.worker"),
		campaigns: p.Campaigns,
		queue:     p.Queue,
	}
}

// Handle starts a freshly activated campaign: the website is analysed first when
// the profile has no description, otherwise the one-shot miner sweep is queued.
// The first scout needs nothing here since a campaign that was never scouted is due.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.CampaignPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Discard(err)
	}
	ctx = obscontext.WithCampaignID(ctx, payload.CampaignID.String())
	log := obslogger.WithContext(ctx, h.log)

	campaign, err := h.campaigns.Get(ctx, payload.CampaignID)
	if errors.Is(err, campaigndomain.ErrNotFound) {
		return queue.Discard(err)
	}
	if err != nil {
		return err
	}
	if !campaign.DiscoveryAllowed() {
		log.Info("campaign no longer active", zap.String("status", string(campaign.Status)))
		return nil
	}

	profile := campaign.Profile()
	if strings.TrimSpace(profile.WebsiteURL) != "" && strings.TrimSpace(profile.Description) == "" {
		_, err := h.queue.Enqueue(ctx, nil, queue.EnqueueRequest{
			Queue:    queue.QueueSiteAnalysis,
			Payload:  queue.SiteAnalysisPayload{CampaignID: campaign.ID, ThenDiscover: true},
			DedupKey: fmt.Sprintf("site-analysis:%s:%s", campaign.ID, job.ID),
		})
		if err != nil {
			return fmt.Errorf("enqueue site analysis: %w", err)
		}
		log.Info("site analysis queued", zap.String("website", profile.WebsiteURL))
		return nil
	}

	if err := EnqueueMiner(ctx, h.queue, campaign.ID, job.ID.String()); err != nil {
		return err
	}
	log.Info("miner discovery queued")
	return nil
}

func (h *Handler) OnExhausted(ctx context.Context, job *queue.Job, cause error) {
	obslogger.WithContext(ctx, h.log).Error("campaign job exhausted", zap.String("job_id", job.ID.String()), zap.Error(cause))
}

// EnqueueMiner queues the one-shot miner sweep; origin scopes the dedup key to
// the job that asked for it.
func EnqueueMiner(ctx context.Context, store *queue.Store, campaignID snowflake.ID, origin string) error {
	_, err := store.Enqueue(ctx, nil, queue.EnqueueRequest{
		Queue:    queue.QueueDiscovery,
		Payload:  queue.DiscoveryPayload{CampaignID: campaignID, Mode: queue.DiscoveryMiner},
		DedupKey: fmt.Sprintf("discovery:%s:miner:%s", campaignID, origin),
	})
	if err != nil {
		return fmt.Errorf("enqueue miner discovery: %w", err)
	}
	return nil
}
