package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// RecoverStaleJobsJob hands jobs whose lease ran out back to their queue.
func (s *Scheduler) RecoverStaleJobsJob(ctx context.Context) error {
	recovered, err := s.queue.RecoverStale(ctx, s.cfg.StaleLease)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(int(recovered))
	if recovered > 0 {
		s.logger(ctx).Warn("recovered stale jobs", zap.Int64("count", recovered), zap.Duration("lease", s.cfg.StaleLease))
	}
	return nil
}

// ExpireStaleReviewsJob expires opportunities left waiting for a human too long.
func (s *Scheduler) ExpireStaleReviewsJob(ctx context.Context) error {
	for {
		expired, err := s.opportunities.ExpireStale(ctx, s.cfg.BatchSize)
		jobRunFromContext(ctx).AddProcessed(expired)
		if err != nil {
			return err
		}
		if expired < s.cfg.BatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
