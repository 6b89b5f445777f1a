package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus defines the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is a sink state
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

const TaskTypeGeneration = "cvp_generation"

// Failure codes persisted with a failed job
const (
	FailureCodeGenerationRejected = "GENERATION_REJECTED"
	FailureCodeRetryExhausted     = "RETRY_EXHAUSTED"
)

var (
	// ErrJobNotFound is returned when a job does not exist or has expired
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateDedupKey is returned by Create when another live job
	// already holds the dedup key
	ErrDuplicateDedupKey = errors.New("duplicate dedup key")

	// ErrResultGone is returned when a completed job's result object no
	// longer exists in the result store
	ErrResultGone = errors.New("result object gone")
)

// RejectionError marks a generation failure as a business-level rejection:
// the collaborator deterministically refused the input, so the queue must
// not redeliver the message.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("generation rejected: %s", e.Reason)
}

// UsageMetadata holds the accounting counters reported by the generation
// collaborator for a completed job.
type UsageMetadata struct {
	PromptTokens int   `json:"promptTokens"`
	OutputTokens int   `json:"outputTokens"`
	DurationMS   int64 `json:"durationMs"`
}

// Job represents one asynchronous generation request tracked from
// submission to its terminal state.
type Job struct {
	ID       string          `gorm:"primaryKey;size:36" json:"job_id"`
	DedupKey string          `gorm:"size:191;uniqueIndex" json:"dedup_key"`
	TaskType string          `gorm:"size:32" json:"task_type"`
	Status   JobStatus       `gorm:"size:16;index" json:"status"`
	Input    json.RawMessage `json:"input"`

	// ResultRef is set iff Status == completed
	ResultRef *string `gorm:"size:255" json:"result_ref,omitempty"`

	// ErrorCode and ErrorMessage are set iff Status == failed
	ErrorCode    *string `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage *string `gorm:"type:text" json:"error_message,omitempty"`

	Usage UsageMetadata `gorm:"embedded;embeddedPrefix:usage_" json:"usage"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
}

func (Job) TableName() string {
	return "generation_jobs"
}

// DedupKey derives the deduplication key for a submission identity pair.
func DedupKey(requesterID, targetID string) string {
	return fmt.Sprintf("%s#%s#%s", TaskTypeGeneration, requesterID, targetID)
}

// JobRepository defines the persistence operations for jobs. Status
// transitions are a closed set of typed updates rather than a generic
// patch; the Mark* methods report whether the write applied so duplicate
// queue deliveries can detect an already-terminal job.
type JobRepository interface {
	// Create persists a new pending job. Returns ErrDuplicateDedupKey when
	// a live job already holds the dedup key; an expired row still holding
	// the key is deleted and the insert retried once.
	Create(ctx context.Context, job *Job) error

	// Get returns the job by id, or nil when absent or expired.
	Get(ctx context.Context, id string) (*Job, error)

	// FindByDedupKey returns the live job holding the key, or nil.
	FindByDedupKey(ctx context.Context, key string) (*Job, error)

	// MarkProcessing stamps started_at and moves a non-terminal job to
	// processing. Re-stamping on a duplicate delivery is allowed; a
	// terminal job is left untouched.
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// MarkCompleted moves a processing job to completed with its result
	// reference and usage counters. Returns false when the job was not in
	// processing (already terminal, or absent).
	MarkCompleted(ctx context.Context, id, resultRef string, usage UsageMetadata, completedAt time.Time) (bool, error)

	// MarkFailed moves a non-terminal job to failed with a structured
	// error. Returns false when the job was already terminal or absent.
	MarkFailed(ctx context.Context, id, code, message string, failedAt time.Time) (bool, error)

	// DeleteExpired removes jobs past their retention boundary and returns
	// the result refs of deleted completed jobs so the caller can remove
	// the orphaned result objects.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// ResultStore persists generation output blobs and mints short-lived
// access links to them.
type ResultStore interface {
	// PutResult writes the output for a job and returns the object
	// reference. Writes are keyed by job id and overwrite-safe.
	PutResult(ctx context.Context, jobID string, data []byte) (string, error)

	// ResultExists reports whether the referenced object is still present.
	ResultExists(ctx context.Context, ref string) (bool, error)

	// PresignResult mints a time-limited access link for the object.
	PresignResult(ctx context.Context, ref string, expiry time.Duration) (string, error)

	// RemoveResult deletes the referenced object.
	RemoveResult(ctx context.Context, ref string) error
}

// Generator is the external generation collaborator. A *RejectionError
// marks a deterministic business refusal; any other error is treated as a
// retryable infrastructure failure.
type Generator interface {
	Generate(ctx context.Context, input json.RawMessage) (*GenerationResult, error)
}

// GenerationResult is the collaborator's output for one job.
type GenerationResult struct {
	Document json.RawMessage
	Usage    UsageMetadata
}
