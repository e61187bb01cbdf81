package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("progress",
	fx.Provide(NewPublisher),
)

type Stage string

const (
	StageStarting    Stage = "starting"
	StageSearching   Stage = "searching"
	StageCommunities Stage = "scanning_communities"
	StageComments    Stage = "checking_comments"
	StageSaving      Stage = "saving"
	StageScoring     Stage = "scoring"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
)

const keyCampaignProgress = "progress:campaign:%s"

// Progress is the per-campaign snapshot polled by the dashboard.
type Progress struct {
	Stage                Stage     `json:"stage"`
	Message              string    `json:"message"`
	ThreadsFound         int       `json:"threadsFound"`
	ThreadsScored        int       `json:"threadsScored"`
	OpportunitiesCreated int       `json:"opportunitiesCreated"`
	StartedAt            time.Time `json:"startedAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Publisher merges discovery milestones into the campaign's progress key.
type Publisher struct {
	client   *redis.Client
	clock    clock.Clock
	policies *config.PipelineConfigHolder
	log      *zap.Logger
}

func NewPublisher(client *redis.Client, clk clock.Clock, policies *config.PipelineConfigHolder, log *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		clock:    clk,
		policies: policies,
		log:      log.Named("progress"),
	}
}

func key(campaignID snowflake.ID) string {
	return fmt.Sprintf(keyCampaignProgress, campaignID.String())
}

// Get returns nil when no progress was published in the last TTL window.
func (p *Publisher) Get(ctx context.Context, campaignID snowflake.ID) (*Progress, error) {
	raw, err := p.client.Get(ctx, key(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var current Progress
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, err
	}
	return &current, nil
}

// Update applies mutate to the stored snapshot and rewrites it with a fresh expiry.
func (p *Publisher) Update(ctx context.Context, campaignID snowflake.ID, mutate func(*Progress)) error {
	current, err := p.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	if current == nil {
		current = &Progress{StartedAt: now}
	}
	mutate(current)
	if current.StartedAt.IsZero() {
		current.StartedAt = now
	}
	current.UpdatedAt = now

	payload, err := json.Marshal(current)
	if err != nil {
		return err
	}

	ttl := p.policies.Get().Discovery.ProgressTTL
	if ttl <= 0 {
		ttl = config.DefaultPipelineConfig().Discovery.ProgressTTL
	}
	return p.client.Set(ctx, key(campaignID), payload, ttl).Err()
}

// Publish is Update for callers that only want the failure logged.
func (p *Publisher) Publish(ctx context.Context, campaignID snowflake.ID, mutate func(*Progress)) {
	if p == nil {
		return
	}
	if err := p.Update(ctx, campaignID, mutate); err != nil {
		p.log.Warn("progress publish failed",
			zap.String("campaign_id", campaignID.String()),
			zap.Error(err),
		)
	}
}

// Reset starts a new progress window for a discovery run.
func (p *Publisher) Reset(ctx context.Context, campaignID snowflake.ID, stage Stage, message string) {
	if p == nil {
		return
	}
	if err := p.client.Del(ctx, key(campaignID)).Err(); err != nil {
		p.log.Warn("progress reset failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
	p.Publish(ctx, campaignID, func(pr *Progress) {
		pr.Stage = stage
		pr.Message = message
	})
}
