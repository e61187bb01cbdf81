package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Named queues. Each is consumed by exactly one worker pool.
const (
	QueueCampaign       = "campaign"
	QueueSiteAnalysis   = "site-analysis"
	QueueDiscovery      = "discovery"
	QueueScoring        = "scoring"
	QueuePostGeneration = "post-generation"
	QueuePosting        = "posting"
	QueueTracking       = "tracking"
)

const DefaultMaxAttempts = 10

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Job struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Queue       string         `gorm:"type:text;not null;index:ix_jobs_claim,priority:1" json:"queue"`
	Status      Status         `gorm:"type:text;not null;index:ix_jobs_claim,priority:2" json:"status"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"not null;default:10" json:"max_attempts"`
	RunAt       time.Time      `gorm:"not null;index:ix_jobs_claim,priority:3" json:"run_at"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	LockedBy    string         `gorm:"type:text" json:"locked_by,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	DedupKey    *string        `gorm:"type:text;uniqueIndex" json:"dedup_key,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Decode unmarshals the job payload into out.
func (j *Job) Decode(out any) error {
	if j == nil || len(j.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(j.Payload, out)
}

// Exhausted reports whether the job has used its whole attempt budget.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

var (
	ErrInvalidQueue = errors.New("invalid_queue")
	ErrEmptyPayload = errors.New("empty_job_payload")
)

// discardError marks a failure that must not be retried.
type discardError struct{ err error }

func (e discardError) Error() string { return e.err.Error() }
func (e discardError) Unwrap() error { return e.err }

// Discard wraps err so the job is dead-lettered immediately instead of retried.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return discardError{err: err}
}

func isDiscard(err error) bool {
	var d discardError
	return errors.As(err, &d)
}

// Backoff returns the retry delay after the given attempt: 30s doubling per attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := 30 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return delay
}
