package scheduler

import (
	"context"

	"go.uber.org/zap"
)

const lockPrefix = "threadscout:scheduler:"

// withLock runs fn only on the instance that wins the job's lock for this tick.
// Without Redis every instance runs fn; the jobs themselves stay idempotent.
func (s *Scheduler) withLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	key := lockPrefix + job
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.logger(ctx).Warn("scheduler lock unavailable, running unguarded", zap.String("job", job), zap.Error(err))
		return fn(ctx)
	}
	if !ok {
		s.logger(ctx).Debug("scheduler lock held elsewhere", zap.String("job", job))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("scheduler lock release failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
