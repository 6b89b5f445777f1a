package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

type fakeGenerator struct {
	mu     sync.Mutex
	result *GenerationResult
	err    error
	calls  int
}

func (g *fakeGenerator) Generate(ctx context.Context, input json.RawMessage) (*GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func newTestWorker(t *testing.T) (*Worker, *PostgresJobRepository, *fakeResultStore, *fakeGenerator) {
	t.Helper()
	repo := NewPostgresJobRepository(openTestDB(t))
	results := newFakeResultStore()
	gen := &fakeGenerator{
		result: &GenerationResult{
			Document: json.RawMessage(`{"content":"a tailored pitch"}`),
			Usage:    UsageMetadata{PromptTokens: 100, OutputTokens: 300, DurationMS: 42000},
		},
	}
	w := NewWorker(repo, results, gen, watermill.NopLogger{})
	return w, repo, results, gen
}

func queueMsg(t *testing.T, jobID string, input json.RawMessage) *message.Message {
	t.Helper()
	payload, err := json.Marshal(QueueMessage{JobID: jobID, Input: input})
	if err != nil {
		t.Fatalf("marshal queue message: %v", err)
	}
	return message.NewMessage(watermill.NewUUID(), payload)
}

func createPending(t *testing.T, repo *PostgresJobRepository, requester, target string) *Job {
	t.Helper()
	j := newPendingJob(requester, target, time.Hour)
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestProcessMessageCompletesJob(t *testing.T) {
	w, repo, results, gen := newTestWorker(t)
	j := createPending(t, repo, "u1", "a1")

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
	if got.ResultRef == nil {
		t.Fatal("result_ref not set")
	}
	if got.Usage != gen.result.Usage {
		t.Errorf("usage = %+v, want %+v", got.Usage, gen.result.Usage)
	}

	stored, ok := results.objects[*got.ResultRef]
	if !ok {
		t.Fatalf("result object %q missing", *got.ResultRef)
	}
	if string(stored) != string(gen.result.Document) {
		t.Errorf("stored result = %s", stored)
	}
}

func TestProcessMessageBusinessRejectionIsTerminalAndAcked(t *testing.T) {
	w, repo, results, gen := newTestWorker(t)
	gen.err = &RejectionError{Reason: "posting and profile do not overlap"}

	j := createPending(t, repo, "u1", "a1")

	// nil means the message is acked; the queue must not redeliver it
	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != FailureCodeGenerationRejected {
		t.Errorf("error code = %v, want %s", got.ErrorCode, FailureCodeGenerationRejected)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("error message empty")
	}
	if len(results.objects) != 0 {
		t.Error("failed job wrote a result object")
	}
}

func TestProcessMessageInfraFailureIsRetried(t *testing.T) {
	w, repo, _, gen := newTestWorker(t)
	gen.err = errors.New("model endpoint unreachable")

	j := createPending(t, repo, "u1", "a1")

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err == nil {
		t.Fatal("expected error so the queue redelivers")
	}

	// No terminal state yet; the redelivery decides the outcome
	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusProcessing {
		t.Errorf("status = %q, want processing while retries remain", got.Status)
	}

	// Redelivery after the collaborator recovered completes the job
	gen.err = nil
	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusCompleted {
		t.Errorf("status after redelivery = %q, want completed", got.Status)
	}
	if gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", gen.calls)
	}
}

func TestProcessMessageResultStoreFailureIsRetried(t *testing.T) {
	w, repo, results, _ := newTestWorker(t)
	results.putErr = errors.New("blob store unavailable")

	j := createPending(t, repo, "u1", "a1")

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err == nil {
		t.Fatal("expected error so the queue redelivers")
	}

	results.putErr = nil
	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestProcessMessageMissingJobIsDropped(t *testing.T) {
	w, _, results, gen := newTestWorker(t)

	if err := w.ProcessMessage(queueMsg(t, "gone-job-id", json.RawMessage(`{}`))); err != nil {
		t.Fatalf("process: %v", err)
	}
	if gen.calls != 0 {
		t.Error("generator invoked for a missing job")
	}
	if len(results.objects) != 0 {
		t.Error("result written for a missing job")
	}
}

func TestProcessMessageExpiredJobIsDropped(t *testing.T) {
	w, repo, _, gen := newTestWorker(t)

	j := newPendingJob("u1", "a1", -time.Minute)
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if gen.calls != 0 {
		t.Error("generator invoked for an expired job")
	}
}

func TestProcessMessageDuplicateDeliveryOfTerminalJobIsNoOp(t *testing.T) {
	w, repo, results, gen := newTestWorker(t)
	j := createPending(t, repo, "u1", "a1")

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := repo.Get(context.Background(), j.ID)

	// Simulate redelivery of the same message after completion
	gen.result = &GenerationResult{Document: json.RawMessage(`{"content":"DIFFERENT"}`)}
	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	second, _ := repo.Get(context.Background(), j.ID)
	if second.Status != JobStatusCompleted {
		t.Errorf("status regressed to %q", second.Status)
	}
	if *second.ResultRef != *first.ResultRef {
		t.Errorf("result_ref changed on duplicate delivery")
	}
	if string(results.objects[*second.ResultRef]) == `{"content":"DIFFERENT"}` {
		t.Error("duplicate delivery overwrote the result with different content")
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
}

func TestProcessMessageBadPayload(t *testing.T) {
	w, _, _, _ := newTestWorker(t)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{not json`))
	if err := w.ProcessMessage(msg); err == nil {
		t.Error("expected error for undecodable payload")
	}

	empty, _ := json.Marshal(QueueMessage{})
	if err := w.ProcessMessage(message.NewMessage(watermill.NewUUID(), empty)); err == nil {
		t.Error("expected error for message without job id")
	}
}

func TestProcessDeadLetterMarksRetryExhausted(t *testing.T) {
	w, repo, _, _ := newTestWorker(t)
	j := createPending(t, repo, "u1", "a1")
	if _, err := repo.MarkProcessing(context.Background(), j.ID, time.Now()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if err := w.ProcessDeadLetter(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != FailureCodeRetryExhausted {
		t.Errorf("error code = %v, want %s", got.ErrorCode, FailureCodeRetryExhausted)
	}
}

func TestProcessDeadLetterOnTerminalJobIsNoOp(t *testing.T) {
	w, repo, _, _ := newTestWorker(t)
	j := createPending(t, repo, "u1", "a1")

	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := w.ProcessDeadLetter(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	got, _ := repo.Get(context.Background(), j.ID)
	if got.Status != JobStatusCompleted {
		t.Errorf("dead letter regressed status to %q", got.Status)
	}
}

func TestPurgeExpiredRemovesResultObjects(t *testing.T) {
	w, repo, results, _ := newTestWorker(t)
	ctx := context.Background()

	j := newPendingJob("u1", "a1", time.Minute)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.ProcessMessage(queueMsg(t, j.ID, j.Input)); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Force the retention boundary into the past
	if err := repo.db.Model(&Job{}).Where("id = ?", j.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("age job: %v", err)
	}

	if err := w.PurgeExpired(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	got, _ := repo.Get(ctx, j.ID)
	if got != nil {
		t.Error("expired job still readable after purge")
	}
	if len(results.objects) != 0 {
		t.Error("orphaned result object not removed")
	}
}
