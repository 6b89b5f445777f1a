package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker consumes queue messages and drives the job state machine:
// pending -> processing -> completed | failed. Returning nil from a handler
// acknowledges the message; returning an error hands it back to the queue's
// retry middleware and, once retries are exhausted, to the dead-letter
// topic.
type Worker struct {
	repo    JobRepository
	results ResultStore
	gen     Generator
	logger  watermill.LoggerAdapter
}

func NewWorker(repo JobRepository, results ResultStore, gen Generator, logger watermill.LoggerAdapter) *Worker {
	return &Worker{
		repo:    repo,
		results: results,
		gen:     gen,
		logger:  logger,
	}
}

// ProcessMessage handles one delivery of a generation job message.
//
// The queue delivers at least once, so every step tolerates reprocessing:
// state transitions are conditional writes, and the result object write is
// an idempotent overwrite keyed by job id.
func (w *Worker) ProcessMessage(msg *message.Message) error {
	var qm QueueMessage
	if err := json.Unmarshal(msg.Payload, &qm); err != nil {
		return fmt.Errorf("failed to unmarshal queue message: %w", err)
	}
	if qm.JobID == "" {
		return errors.New("queue message has no job id")
	}

	ctx := msg.Context()

	// Re-read authoritative state; queue-carried data is advisory only.
	j, err := w.repo.Get(ctx, qm.JobID)
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", qm.JobID, err)
	}
	if j == nil {
		// Absent or expired; there is nothing left to produce a result for.
		w.logger.Info("Dropping message for missing or expired job", watermill.LogFields{
			"job_id": qm.JobID,
		})
		return nil
	}
	if j.Status.IsTerminal() {
		// Duplicate delivery after another attempt already finished.
		w.logger.Info("Dropping duplicate delivery for terminal job", watermill.LogFields{
			"job_id": j.ID,
			"status": string(j.Status),
		})
		return nil
	}

	if _, err := w.repo.MarkProcessing(ctx, j.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", j.ID, err)
	}

	result, err := w.gen.Generate(ctx, j.Input)
	if err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			return w.failRejected(ctx, j.ID, rejection)
		}
		// Infrastructure failure: leave the message unacked so the queue
		// redelivers it.
		return fmt.Errorf("generation failed for job %s: %w", j.ID, err)
	}

	ref, err := w.results.PutResult(ctx, j.ID, result.Document)
	if err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", j.ID, err)
	}

	applied, err := w.repo.MarkCompleted(ctx, j.ID, ref, result.Usage, time.Now())
	if err != nil {
		// The result object is already written; retrying the whole message
		// overwrites it with identical content, so this is safe.
		return fmt.Errorf("failed to mark job %s completed: %w", j.ID, err)
	}
	if !applied {
		w.logger.Info("Completion was a no-op, job already terminal", watermill.LogFields{
			"job_id": j.ID,
		})
	}

	return nil
}

// failRejected records a deterministic business refusal as the job's
// terminal state and acknowledges the message: redelivering it would only
// reproduce the same refusal.
func (w *Worker) failRejected(ctx context.Context, jobID string, rejection *RejectionError) error {
	_, err := w.repo.MarkFailed(ctx, jobID, FailureCodeGenerationRejected, rejection.Reason, time.Now())
	if err != nil {
		// Keep the message in flight so the failure still gets recorded on
		// a later delivery.
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}

	w.logger.Info("Job failed: generation rejected", watermill.LogFields{
		"job_id": jobID,
		"reason": rejection.Reason,
	})
	return nil
}

// ProcessDeadLetter handles messages that exhausted their redeliveries. The
// job is marked failed with a retry-exhausted code, distinguishable from a
// business rejection; an already-terminal job is left untouched.
func (w *Worker) ProcessDeadLetter(msg *message.Message) error {
	var qm QueueMessage
	if err := json.Unmarshal(msg.Payload, &qm); err != nil {
		w.logger.Error("Dropping undecodable dead letter", err, nil)
		return nil
	}
	if qm.JobID == "" {
		return nil
	}

	ctx := msg.Context()

	applied, err := w.repo.MarkFailed(ctx, qm.JobID, FailureCodeRetryExhausted, "retries exhausted, message dead-lettered", time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark dead-lettered job %s failed: %w", qm.JobID, err)
	}
	if applied {
		w.logger.Info("Job failed: retries exhausted", watermill.LogFields{
			"job_id": qm.JobID,
		})
	}

	return nil
}

// PurgeExpired deletes jobs past their retention boundary and removes the
// result objects orphaned by deleted completed jobs. Run periodically from
// the worker process.
func (w *Worker) PurgeExpired(ctx context.Context) error {
	refs, err := w.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to purge expired jobs: %w", err)
	}

	for _, ref := range refs {
		if err := w.results.RemoveResult(ctx, ref); err != nil {
			w.logger.Error("Failed to remove expired result object", err, watermill.LogFields{
				"result_ref": ref,
			})
		}
	}

	if len(refs) > 0 {
		w.logger.Info("Purged expired jobs", watermill.LogFields{
			"removed_results": len(refs),
		})
	}

	return nil
}
