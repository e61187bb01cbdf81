package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	obscontext "github.com/smallbiznis/threadscout/internal/observability/context"
	obslogger "github.com/smallbiznis/threadscout/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"github.com/smallbiznis/threadscout/internal/observability/tracing"
	"github.com/smallbiznis/threadscout/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var ErrInvalidPool = errors.New("invalid_pool_config")

// Handler processes one claimed job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedHandler runs once when a job is dead-lettered.
type ExhaustedHandler func(ctx context.Context, job *Job, cause error)

type PoolConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	Timeout      time.Duration
	Handler      Handler
	OnExhausted  ExhaustedHandler
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

// Pool claims jobs from one queue and runs at most Concurrency handlers at a time.
type Pool struct {
	store *Store
	cfg   PoolConfig
	log   *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(store *Store, cfg PoolConfig, log *zap.Logger) (*Pool, error) {
	if store == nil || cfg.Handler == nil || cfg.Queue == "" {
		return nil, ErrInvalidPool
	}
	cfg = cfg.withDefaults()
	return &Pool{
		store: store,
		cfg:   cfg,
		log:   log.Named("queue.pool"),
		sem:   make(chan struct{}, cfg.Concurrency),
	}, nil
}

func (p *Pool) Queue() string { return p.cfg.Queue }

// Start launches the poll loop. It returns immediately.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop halts claiming and waits for in-flight handlers or ctx expiry.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("queue.pool.start", zap.String("queue", p.cfg.Queue), zap.Int("concurrency", p.cfg.Concurrency))
	for {
		if _, err := p.dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("queue.pool.claim_failed", zap.String("queue", p.cfg.Queue), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("queue.pool.stop", zap.String("queue", p.cfg.Queue))
			return
		case <-ticker.C:
		}
	}
}

// dispatch claims as many jobs as there are free slots and runs them in the background.
func (p *Pool) dispatch(ctx context.Context) (int, error) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return 0, nil
	}
	jobs, err := p.store.Claim(ctx, p.cfg.Queue, free)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		p.sem <- struct{}{}
		p.wg.Add(1)
		go func(job *Job) {
			defer func() {
				<-p.sem
				p.wg.Done()
			}()
			p.process(ctx, job)
		}(job)
	}
	return len(jobs), nil
}

// RunOnce claims one batch and processes it synchronously.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.Claim(ctx, p.cfg.Queue, p.cfg.Concurrency)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			p.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (p *Pool) process(parent context.Context, job *Job) {
	start := time.Now()
	metrics := obsmetrics.Pipeline()
	metrics.IncJobRun(p.cfg.Queue)

	ctx := obscontext.WithJob(parent, p.cfg.Queue, job.ID.String())
	ctx = obscontext.WithActor(ctx, "system", "worker")
	ctx, cid := correlation.EnsureCorrelationID(ctx)
	ctx, span := otel.Tracer("threadscout/queue").Start(ctx, "queue."+p.cfg.Queue)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("correlation.id", cid),
	)...)
	defer span.End()

	log := obslogger.WithContext(ctx, p.log).With(zap.Int("attempt", job.Attempts))

	err := p.invoke(ctx, job)
	metrics.ObserveJobDuration(p.cfg.Queue, time.Since(start))

	// Bookkeeping outlives the handler deadline.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if cerr := p.store.Complete(bookCtx, job); cerr != nil {
			log.Error("queue.job.complete_failed", zap.Error(cerr))
		}
		log.Debug("queue.job.done", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return
	}

	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, "job failed")
	metrics.IncJobError(p.cfg.Queue, err)

	dead, ferr := p.store.Fail(bookCtx, job, err)
	if ferr != nil {
		log.Error("queue.job.fail_update_failed", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if !dead {
		metrics.IncJobRetry(p.cfg.Queue)
		log.Warn("queue.job.retry",
			zap.Error(err),
			zap.Duration("backoff", Backoff(job.Attempts)),
		)
		return
	}

	metrics.IncJobDead(p.cfg.Queue)
	log.Error("queue.job.dead", zap.Error(err), zap.Int("max_attempts", job.MaxAttempts))
	if p.cfg.OnExhausted != nil {
		p.cfg.OnExhausted(bookCtx, job, err)
	}
}

func (p *Pool) invoke(parent context.Context, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.cfg.Handler(ctx, job)
}
