package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Queue topics
const (
	GenerationTopic = "generation_jobs"
	DeadLetterTopic = "generation_jobs_dlq"
)

// QueueMessage is the wire payload published for each new job. It carries
// only the job id and input; the worker re-reads authoritative state from
// the job store rather than trusting queue-carried status.
type QueueMessage struct {
	JobID string          `json:"job_id"`
	Input json.RawMessage `json:"input"`
}

// SubmitRequest is the caller's submission: an identity pair plus the
// task-specific payload stored verbatim on the job.
type SubmitRequest struct {
	RequesterID string
	TargetID    string
	Payload     json.RawMessage
}

// ErrInvalidSubmission wraps submission validation failures so callers can
// reject before any store write happens.
var ErrInvalidSubmission = errors.New("invalid submission")

// StatusView is the composed read model for one status query. ResultURL is
// set only for completed jobs.
type StatusView struct {
	Job       *Job
	ResultURL string
}

// JobService owns job creation and status composition. The worker-side
// state machine lives in Worker.
type JobService struct {
	repo          JobRepository
	publisher     message.Publisher
	results       ResultStore
	retention     time.Duration
	resultLinkTTL time.Duration
	logger        watermill.LoggerAdapter
}

func NewJobService(
	repo JobRepository,
	publisher message.Publisher,
	results ResultStore,
	retention time.Duration,
	resultLinkTTL time.Duration,
	logger watermill.LoggerAdapter,
) *JobService {
	return &JobService{
		repo:          repo,
		publisher:     publisher,
		results:       results,
		retention:     retention,
		resultLinkTTL: resultLinkTTL,
		logger:        logger,
	}
}

// Submit resolves or creates the job for the request's identity pair and,
// for a new job only, enqueues a work message. The returned bool is true
// when a new job was created.
//
// Creation is idempotent: the dedup key carries a unique constraint, so two
// racing submissions with the same identity produce one job; the loser of
// the race is handed the winner's job.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*Job, bool, error) {
	if err := validateSubmission(req); err != nil {
		return nil, false, err
	}

	key := DedupKey(req.RequesterID, req.TargetID)

	// Fast path: an existing live job short-circuits before id allocation.
	existing, err := s.repo.FindByDedupKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up dedup key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now()
	j := &Job{
		ID:        uuid.NewString(),
		DedupKey:  key,
		TaskType:  TaskTypeGeneration,
		Status:    JobStatusPending,
		Input:     req.Payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	if err := s.repo.Create(ctx, j); err != nil {
		if errors.Is(err, ErrDuplicateDedupKey) {
			// Lost the creation race; return the winner's job.
			winner, ferr := s.repo.FindByDedupKey(ctx, key)
			if ferr != nil {
				return nil, false, fmt.Errorf("failed to resolve dedup conflict: %w", ferr)
			}
			if winner == nil {
				return nil, false, fmt.Errorf("dedup key %q taken but job not found", key)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.enqueue(j); err != nil {
		// The job stays visible as pending with no consumer; callers see a
		// failure and may re-submit once the queue recovers.
		s.logger.Error("Job created but enqueue failed, job is stuck pending", err, watermill.LogFields{
			"job_id": j.ID,
		})
		return nil, false, fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	return j, true, nil
}

func (s *JobService) enqueue(j *Job) error {
	payload, err := json.Marshal(QueueMessage{JobID: j.ID, Input: j.Input})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	return s.publisher.Publish(GenerationTopic, msg)
}

// GetStatus reads the job and composes the state-appropriate view. For a
// completed job it verifies the result object still exists before minting
// the access link; a missing object yields ErrResultGone rather than a
// generic failure, since the job row and the blob expire independently.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	if j == nil {
		return nil, ErrJobNotFound
	}

	view := &StatusView{Job: j}

	switch j.Status {
	case JobStatusPending, JobStatusProcessing, JobStatusFailed:
		return view, nil
	case JobStatusCompleted:
		if j.ResultRef == nil {
			return nil, fmt.Errorf("completed job %s has no result ref", j.ID)
		}
		exists, err := s.results.ResultExists(ctx, *j.ResultRef)
		if err != nil {
			return nil, fmt.Errorf("failed to check result object: %w", err)
		}
		if !exists {
			return nil, ErrResultGone
		}
		url, err := s.results.PresignResult(ctx, *j.ResultRef, s.resultLinkTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to presign result link: %w", err)
		}
		view.ResultURL = url
		return view, nil
	default:
		return nil, fmt.Errorf("job %s has unexpected status %q", j.ID, j.Status)
	}
}

func validateSubmission(req SubmitRequest) error {
	if req.RequesterID == "" {
		return fmt.Errorf("%w: requester id is empty", ErrInvalidSubmission)
	}
	if req.TargetID == "" {
		return fmt.Errorf("%w: target id is empty", ErrInvalidSubmission)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSubmission)
	}
	return nil
}
