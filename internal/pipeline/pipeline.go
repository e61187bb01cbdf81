// Package pipeline binds every stage handler to a worker pool on its queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	campaignworker "github.com/smallbiznis/threadscout/internal/campaign/worker"
	"github.com/smallbiznis/threadscout/internal/discovery"
	"github.com/smallbiznis/threadscout/internal/generation"
	"github.com/smallbiznis/threadscout/internal/posting"
	"github.com/smallbiznis/threadscout/internal/queue"
	"github.com/smallbiznis/threadscout/internal/scoring"
	"github.com/smallbiznis/threadscout/internal/siteanalysis"
	"github.com/smallbiznis/threadscout/internal/tracking"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the stage handlers and starts their pools with the app.
var Module = fx.Module("pipeline",
	campaignworker.Module,
	siteanalysis.Module,
	discovery.Module,
	scoring.Module,
	generation.Module,
	posting.Module,
	tracking.Module,
	fx.Provide(Bootstrap),
	fx.Invoke(func(*Pipeline) {}),
)

// Stage is a queue consumer with a dead-letter hook.
type Stage interface {
	Handle(ctx context.Context, job *queue.Job) error
	OnExhausted(ctx context.Context, job *queue.Job, cause error)
}

// Limits holds the concurrency cap and handler timeout of one queue.
type Limits struct {
	Concurrency int
	Timeout     time.Duration
}

// DefaultLimits keeps slow, rate-sensitive stages narrow.
var DefaultLimits = map[string]Limits{
	queue.QueueCampaign:       {Concurrency: 5, Timeout: time.Minute},
	queue.QueueSiteAnalysis:   {Concurrency: 3, Timeout: 3 * time.Minute},
	queue.QueueDiscovery:      {Concurrency: 3, Timeout: 10 * time.Minute},
	queue.QueueScoring:        {Concurrency: 10, Timeout: 2 * time.Minute},
	queue.QueuePostGeneration: {Concurrency: 5, Timeout: 5 * time.Minute},
	queue.QueuePosting:        {Concurrency: 2, Timeout: 2 * time.Minute},
	queue.QueueTracking:       {Concurrency: 5, Timeout: time.Minute},
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Log       *zap.Logger
	Store     *queue.Store

	Campaign     *campaignworker.Handler
	SiteAnalysis *siteanalysis.Handler
	Discovery    *discovery.Handler
	Scoring      *scoring.Handler
	Generation   *generation.Handler
	Posting      *posting.Handler
	Tracking     *tracking.Handler
}

// Pipeline owns one pool per queue.
type Pipeline struct {
	log   *zap.Logger
	pools []*queue.Pool
}

// Bootstrap creates the pools and ties their start and stop to the fx lifecycle.
func Bootstrap(p Params) (*Pipeline, error) {
	stages := map[string]Stage{
		queue.QueueCampaign:       p.Campaign,
		queue.QueueSiteAnalysis:   p.SiteAnalysis,
		queue.QueueDiscovery:      p.Discovery,
		queue.QueueScoring:        p.Scoring,
		queue.QueuePostGeneration: p.Generation,
		queue.QueuePosting:        p.Posting,
		queue.QueueTracking:       p.Tracking,
	}
	pl, err := New(p.Store, stages, DefaultLimits, p.Log)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pl.Start(ctx)
			return nil
		},
		OnStop: pl.Stop,
	})
	return pl, nil
}

// New builds a pool for every stage. Queues without limits run with pool defaults.
func New(store *queue.Store, stages map[string]Stage, limits map[string]Limits, log *zap.Logger) (*Pipeline, error) {
	pl := &Pipeline{log: log.Named("pipeline")}
	for _, name := range queueOrder {
		stage, ok := stages[name]
		if !ok || stage == nil {
			continue
		}
		limit := limits[name]
		pool, err := queue.NewPool(store, queue.PoolConfig{
			Queue:       name,
			Concurrency: limit.Concurrency,
			Timeout:     limit.Timeout,
			Handler:     stage.Handle,
			OnExhausted: stage.OnExhausted,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
		pl.pools = append(pl.pools, pool)
	}
	return pl, nil
}

var queueOrder = []string{
	queue.QueueCampaign,
	queue.QueueSiteAnalysis,
	queue.QueueDiscovery,
	queue.QueueScoring,
	queue.QueuePostGeneration,
	queue.QueuePosting,
	queue.QueueTracking,
}

func (pl *Pipeline) Start(ctx context.Context) {
	for _, pool := range pl.pools {
		pool.Start(ctx)
	}
	pl.log.Info("pipeline started", zap.Int("pools", len(pl.pools)))
}

// Stop drains every pool; the first timeout or error is returned after all were asked to stop.
func (pl *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, pool := range pl.pools {
		if err := pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pool.Queue(), err))
		}
	}
	pl.log.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Pools lists the running pools in queue order.
func (pl *Pipeline) Pools() []*queue.Pool {
	return pl.pools
}
