package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	DiscoveryOutcomeFound     = "found"
	DiscoveryOutcomeSeen      = "seen"
	DiscoveryOutcomeCreated   = "created"
	DiscoveryOutcomeDuplicate = "duplicate"
)

// PipelineMetrics captures queue, scheduler and domain health signals.
type PipelineMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
	jobRetries      *prometheus.CounterVec
	jobDead         *prometheus.CounterVec
	jobTimeouts     *prometheus.CounterVec
	claimLockWait   *prometheus.HistogramVec
	schedRuns       *prometheus.CounterVec
	schedDuration   *prometheus.HistogramVec
	schedErrors     *prometheus.CounterVec
	runLoopLag      prometheus.Histogram
	transitions     *prometheus.CounterVec
	fetchRequests   *prometheus.CounterVec
	fetchLimitWait  prometheus.Histogram
	creditEntries   *prometheus.CounterVec
	autoPauses      prometheus.Counter
	discoveryThread *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton registry, labelled from cfg on first use.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "threadscout"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
	durationBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	m := &PipelineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_queue_job_runs_total",
			Help:        "Queue jobs handled, by queue.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "threadscout_queue_job_duration_seconds",
			Help:        "Queue job handler latency.",
			Buckets:     durationBuckets,
			ConstLabels: constLabels,
		}, []string{"queue"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_queue_job_errors_total",
			Help:        "Queue job handler errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"queue", "reason"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_queue_job_retries_total",
			Help:        "Queue jobs rescheduled with backoff.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		jobDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_queue_job_dead_total",
			Help:        "Queue jobs that exhausted their attempts.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_queue_job_timeouts_total",
			Help:        "Queue jobs that hit their handler deadline.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		claimLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "threadscout_queue_claim_lock_wait_seconds",
			Help:        "Time spent claiming jobs with SKIP LOCKED.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"queue"}),
		schedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_scheduler_job_runs_total",
			Help:        "Periodic scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		schedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "threadscout_scheduler_job_duration_seconds",
			Help:        "Periodic scheduler job latency.",
			Buckets:     durationBuckets,
			ConstLabels: constLabels,
		}, []string{"job"}),
		schedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_scheduler_job_errors_total",
			Help:        "Periodic scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "threadscout_scheduler_runloop_lag_seconds",
			Help:        "Scheduler run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_opportunity_transitions_total",
			Help:        "Opportunity status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_fetch_requests_total",
			Help:        "Scraping API requests by endpoint and outcome.",
			ConstLabels: constLabels,
		}, []string{"endpoint", "outcome"}),
		fetchLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "threadscout_fetch_limiter_wait_seconds",
			Help:        "Time spent waiting for a scraping API token.",
			Buckets:     []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		creditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_credit_ledger_entries_total",
			Help:        "Credit ledger entries written, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		autoPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "threadscout_campaign_auto_pause_total",
			Help:        "Campaigns paused by the posting failure breaker.",
			ConstLabels: constLabels,
		}),
		discoveryThread: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "threadscout_discovery_threads_total",
			Help:        "Discovered threads by source and outcome.",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.jobRetries,
		m.jobDead,
		m.jobTimeouts,
		m.claimLockWait,
		m.schedRuns,
		m.schedDuration,
		m.schedErrors,
		m.runLoopLag,
		m.transitions,
		m.fetchRequests,
		m.fetchLimitWait,
		m.creditEntries,
		m.autoPauses,
		m.discoveryThread,
	)
	return m
}

func (m *PipelineMetrics) IncJobRun(queue string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) ObserveJobDuration(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// IncJobError records a handler error; deadline errors also count as timeouts.
func (m *PipelineMetrics) IncJobError(queue string, err error) {
	if m == nil || err == nil {
		return
	}
	reason := ClassifyJobReason(err)
	if reason == JobReasonDeadlineExceeded {
		m.jobTimeouts.WithLabelValues(queue).Inc()
	}
	m.jobErrors.WithLabelValues(queue, reason).Inc()
}

func (m *PipelineMetrics) IncJobRetry(queue string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncJobDead(queue string) {
	if m == nil {
		return
	}
	m.jobDead.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) ObserveClaimLockWait(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.claimLockWait.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncSchedulerRun(job string) {
	if m == nil {
		return
	}
	m.schedRuns.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) ObserveSchedulerDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.schedDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncSchedulerError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.schedErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *PipelineMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(d, 0).Seconds())
}

func (m *PipelineMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *PipelineMetrics) IncFetchRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.fetchRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *PipelineMetrics) ObserveFetchLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchLimitWait.Observe(d.Seconds())
}

func (m *PipelineMetrics) IncCreditEntry(reason string) {
	if m == nil {
		return
	}
	m.creditEntries.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) IncAutoPause() {
	if m == nil {
		return
	}
	m.autoPauses.Inc()
}

func (m *PipelineMetrics) AddDiscoveryThreads(source, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discoveryThread.WithLabelValues(source, outcome).Add(float64(count))
}

// ClassifyJobReason maps handler errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	if isDBError(err) {
		return JobReasonDB
	}
	return JobReasonUnknown
}

// IsRetryable reports whether err is an infrastructure failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isDBError(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
