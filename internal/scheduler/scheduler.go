package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/clock"
	"github.com/smallbiznis/threadscout/internal/config"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobScoutCampaigns     = "scout_campaigns"
	JobExpireStaleReviews = "expire_stale_reviews"
	JobRecoverStaleJobs   = "recover_stale_jobs"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Queue         *queue.Store
	Campaigns     campaigndomain.Service
	Opportunities opportunitydomain.Service
	Policies      *config.PipelineConfigHolder
	Locker        *ratelimit.Locker `optional:"true"`
	Config        Config            `optional:"true"`
}

// Scheduler runs the periodic pipeline chores: scout fan-out, review expiry
// and recovery of jobs whose worker died.
type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	queue         *queue.Store
	campaigns     campaigndomain.Service
	opportunities opportunitydomain.Service
	policies      *config.PipelineConfigHolder
	locker        *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Queue == nil || p.Campaigns == nil || p.Opportunities == nil || p.Policies == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		queue:         p.Queue,
		campaigns:     p.Campaigns,
		opportunities: p.Opportunities,
		policies:      p.Policies,
		locker:        p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	metrics := obsmetrics.Pipeline()
	metrics.IncSchedulerRun(name)

	err := s.withLock(ctx, name, fn)
	metrics.ObserveSchedulerDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	metrics.IncSchedulerError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job one time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobRecoverStaleJobs, 30 * time.Second, s.RecoverStaleJobsJob},
		{JobScoutCampaigns, 30 * time.Second, s.ScoutCampaignsJob},
		{JobExpireStaleReviews, 2 * time.Minute, s.ExpireStaleReviewsJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	metrics := obsmetrics.Pipeline()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}
