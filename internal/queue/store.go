package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/threadscout/internal/clock"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"github.com/smallbiznis/threadscout/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnqueueRequest struct {
	Queue   string
	Payload any
	// Delay is relative to now; ignored when RunAt is set.
	Delay time.Duration
	RunAt time.Time
	// DedupKey makes enqueueing idempotent: a second job with the same key is dropped.
	DedupKey    string
	MaxAttempts int
}

type StoreParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Store persists jobs; every stage hands work to the next through it.
type Store struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	workerID string
}

func NewStore(p StoreParams) *Store {
	host, _ := os.Hostname()
	return &Store{
		db:       p.DB,
		log:      p.Log.Named("queue.store"),
		genID:    p.GenID,
		clock:    p.Clock,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Enqueue writes the job through tx when given so it commits with the caller's state change.
func (s *Store) Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (bool, error) {
	queueName := strings.TrimSpace(req.Queue)
	if queueName == "" {
		return false, ErrInvalidQueue
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now.Add(req.Delay)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var dedupKey *string
	if key := strings.TrimSpace(req.DedupKey); key != "" {
		dedupKey = &key
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO jobs (id, queue, status, payload, attempts, max_attempts, run_at, dedup_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		s.genID.Generate(),
		queueName,
		StatusPending,
		datatypes.JSON(payload),
		maxAttempts,
		runAt.UTC(),
		dedupKey,
		now,
		now,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Claim leases up to limit due jobs from queueName to this worker.
func (s *Store) Claim(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	metrics := obsmetrics.Pipeline()

	var claimed []*Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*Job
		lockStart := time.Now()
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND status = ? AND run_at <= ?", queueName, StatusPending, now).
			Order("run_at asc, id asc").
			Limit(limit).
			Find(&candidates).Error
		metrics.ObserveClaimLockWait(queueName, time.Since(lockStart))
		if err != nil {
			return err
		}

		for _, job := range candidates {
			result := tx.Exec(
				`UPDATE jobs
				 SET status = ?, attempts = attempts + 1, locked_at = ?, locked_by = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				StatusRunning,
				now,
				s.workerID,
				now,
				job.ID,
				StatusPending,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			lockedAt := now
			job.Status = StatusRunning
			job.Attempts++
			job.LockedAt = &lockedAt
			job.LockedBy = s.workerID
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Complete(ctx context.Context, job *Job) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, completed_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		StatusCompleted,
		now,
		now,
		job.ID,
	).Error
}

// Fail reschedules the job with exponential backoff, or dead-letters it once
// its attempt budget is spent. It reports whether the job is now dead.
func (s *Store) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := s.clock.Now()
	message := ""
	if cause != nil {
		message = cause.Error()
		if len(message) > 2000 {
			message = message[:2000]
		}
	}

	if job.Exhausted() || isDiscard(cause) {
		err := s.db.WithContext(ctx).Exec(
			`UPDATE jobs SET status = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			StatusFailed,
			message,
			now,
			job.ID,
		).Error
		return true, err
	}

	err := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		StatusPending,
		message,
		now.Add(Backoff(job.Attempts)),
		now,
		job.ID,
	).Error
	return false, err
}

// RecoverStale returns jobs whose lease expired back to pending. The attempt
// taken by the lost worker stays counted.
func (s *Store) RecoverStale(ctx context.Context, lease time.Duration) (int64, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, locked_at = NULL, locked_by = '', run_at = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND locked_at <= ?`,
		StatusPending,
		now,
		"lease expired",
		now,
		StatusRunning,
		now.Add(-lease),
	)
	return result.RowsAffected, result.Error
}

func (s *Store) Get(ctx context.Context, id snowflake.ID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// List returns jobs of a queue in a status, oldest first.
func (s *Store) List(ctx context.Context, queueName string, status Status) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("queue = ? AND status = ?", queueName, status).
		Order("run_at asc, id asc").
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) DB() *gorm.DB { return s.db }
