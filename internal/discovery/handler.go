package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	"github.com/smallbiznis/threadscout/internal/dedup"
	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/progress"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/reddit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("discovery",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Reddit        reddit.Client
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Seen          *dedup.SeenSet
	Progress      *progress.Publisher
	Policies      *config.PipelineConfigHolder
}

// Handler consumes the discovery queue for both miner and scout runs.
type Handler struct {
	log           *zap.Logger
	engine        *Engine
	campaigns     campaigndomain.Service
	opportunities opportunitydomain.Service
	seen          *dedup.SeenSet
	progress      *progress.Publisher
	policies      *config.PipelineConfigHolder
}

func New(p Params) *Handler {
	return &Handler{
		log:           p.Log.Named("discovery.handler"),
		engine:        NewEngine(p.Reddit, p.Policies, p.Log),
		campaigns:     p.Campaigns,
		opportunities: p.Opportunities,
		seen:          p.Seen,
		progress:      p.Progress,
		policies:      p.Policies,
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.DiscoveryPayload
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
		log.Info("discovery skipped, campaign not active", zap.String("status", string(campaign.Status)))
		return nil
	}

	var source opportunitydomain.Source
	switch payload.Mode {
	case queue.DiscoveryMiner:
		source = opportunitydomain.SourceMiner
	case queue.DiscoveryScout:
		source = opportunitydomain.SourceScout
	default:
		return queue.Discard(fmt.Errorf("unknown discovery mode %q", payload.Mode))
	}

	created, err := h.run(ctx, &campaign, source)
	if err != nil {
		h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
			p.Stage = progress.StageFailed
			p.Message = "Discovery failed, retrying shortly"
		})
		return err
	}

	switch source {
	case opportunitydomain.SourceMiner:
		err = h.campaigns.MarkMinerCompleted(ctx, campaign.ID)
	case opportunitydomain.SourceScout:
		err = h.campaigns.MarkScouted(ctx, campaign.ID)
	}
	if err != nil {
		log.Warn("failed to record discovery run", zap.Error(err))
	}

	log.Info("discovery finished",
		zap.String("source", string(source)),
		zap.Int("created", created),
	)
	return nil
}

// run gathers, dedups and persists threads, returning how many opportunities were created.
func (h *Handler) run(ctx context.Context, campaign *campaigndomain.Campaign, source opportunitydomain.Source) (int, error) {
	metrics := obsmetrics.Pipeline()
	h.progress.Reset(ctx, campaign.ID, progress.StageSearching, "Searching Reddit for relevant threads")

	var cands []candidate
	if source == opportunitydomain.SourceMiner {
		cands = h.engine.mine(ctx, campaign)
	} else {
		cands = h.engine.scan(ctx, campaign)
		h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
			p.Stage = progress.StageCommunities
			p.Message = "Scanning target communities"
		})
	}
	metrics.AddDiscoveryThreads(string(source), "found", len(cands))

	open := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.post.Archived || c.post.Locked {
			continue
		}
		open = append(open, c)
	}

	unseen, err := h.filterUnseen(ctx, campaign.ID, open)
	if err != nil {
		return 0, err
	}
	metrics.AddDiscoveryThreads(string(source), "unseen", len(unseen))
	h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
		p.ThreadsFound = len(unseen)
	})

	var targets map[string]replyTarget
	if source == opportunitydomain.SourceScout && len(unseen) > 0 {
		h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
			p.Stage = progress.StageComments
			p.Message = "Looking for questions to answer"
		})
		topN := h.policies.Get().Discovery.ScoutTopN
		if topN <= 0 {
			topN = config.DefaultPipelineConfig().Discovery.ScoutTopN
		}
		top := rankByEngagement(unseen)
		if len(top) > topN {
			top = top[:topN]
		}
		targets = h.engine.findReplyTargets(ctx, campaign, top)
	}

	threads := make([]opportunitydomain.Discovered, 0, len(unseen))
	ids := make([]string, 0, len(unseen))
	for _, c := range unseen {
		d := toDiscovered(c, source)
		if target, ok := targets[c.post.ID]; ok {
			d.ParentCommentID = target.commentID
			d.ParentCommentText = target.text
			d.ReplyReason = target.reason
		}
		threads = append(threads, d)
		ids = append(ids, c.post.ID)
	}

	h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
		p.Stage = progress.StageSaving
		p.Message = fmt.Sprintf("Saving %d new threads", len(threads))
	})
	result, err := h.opportunities.CreateDiscovered(ctx, opportunitydomain.CreateDiscoveredRequest{
		CampaignID: campaign.ID,
		UserID:     campaign.UserID,
		Threads:    threads,
	})
	if err != nil {
		return 0, err
	}
	if err := h.seen.MarkSeen(ctx, campaign.ID, ids); err != nil {
		obslogger.WithContext(ctx, h.log).Warn("mark seen failed", zap.Error(err))
	}
	metrics.AddDiscoveryThreads(string(source), "created", len(result.Created))
	metrics.AddDiscoveryThreads(string(source), "duplicate", result.Duplicates)

	h.progress.Publish(ctx, campaign.ID, func(p *progress.Progress) {
		p.OpportunitiesCreated += len(result.Created)
		if len(result.Created) > 0 {
			p.Stage = progress.StageScoring
			p.Message = fmt.Sprintf("Scoring %d opportunities", len(result.Created))
			return
		}
		p.Stage = progress.StageComplete
		p.Message = "No new threads found"
	})
	return len(result.Created), nil
}

// filterUnseen drops threads already recorded for the campaign. When the
// shared store is unreachable the relational store is consulted instead.
func (h *Handler) filterUnseen(ctx context.Context, campaignID snowflake.ID, cands []candidate) ([]candidate, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.post.ID
	}

	unseen, err := h.seen.FilterUnseen(ctx, campaignID, ids)
	if err != nil {
		obslogger.WithContext(ctx, h.log).Warn("seen set unavailable, falling back to stored threads", zap.Error(err))
		existing, dbErr := h.opportunities.ExistingThreadIDs(ctx, campaignID, ids)
		if dbErr != nil {
			return nil, dbErr
		}
		unseen = subtract(ids, existing)
	}

	keep := make(map[string]struct{}, len(unseen))
	for _, id := range unseen {
		keep[id] = struct{}{}
	}
	out := make([]candidate, 0, len(unseen))
	for _, c := range cands {
		if _, ok := keep[c.post.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func subtract(ids, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
