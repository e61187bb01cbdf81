package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/threadscout/internal/queue"
	"go.uber.org/zap"
)

// ScoutCampaignsJob queues a scout run for every active campaign whose last
// scout is older than the scout interval. The dedup key pins one job per
// campaign per interval slot, so overlapping ticks never double-enqueue.
func (s *Scheduler) ScoutCampaignsJob(ctx context.Context) error {
	interval := s.policies.Get().Discovery.ScoutInterval
	slot := s.clock.Now().Truncate(interval).Unix()

	due, err := s.campaigns.DueForScout(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, campaign := range due {
		created, err := s.queue.Enqueue(ctx, nil, queue.EnqueueRequest{
			Queue:    queue.QueueDiscovery,
			Payload:  queue.DiscoveryPayload{CampaignID: campaign.ID, Mode: queue.DiscoveryScout},
			DedupKey: fmt.Sprintf("scout:%s:%d", campaign.ID, slot),
		})
		if err != nil {
			s.logJobError(ctx, "scheduler.scout.enqueue_failed", err, zap.String("campaign_id", campaign.ID.String()))
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if created {
			jobRunFromContext(ctx).AddProcessed(1)
		}
	}
	return jobErr
}
