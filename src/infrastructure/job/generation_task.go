package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careervp/src/infrastructure/integrations/ollama"
)

// GenerationInput is the stored submission payload: the candidate's profile
// and the posting to tailor the value proposition against.
type GenerationInput struct {
	CandidateProfile json.RawMessage `json:"candidate_profile"`
	JobPosting       json.RawMessage `json:"job_posting"`
	Model            string          `json:"model,omitempty"`
}

// GeneratedDocument is the result object written to the result store.
type GeneratedDocument struct {
	Model       string    `json:"model"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

const generationSystemPrompt = "You are a career advisor. Given a candidate profile and a job posting, " +
	"write a tailored career value proposition for the candidate targeting that posting. " +
	"Ground every claim in the profile; do not invent experience."

// GenerationTask calls the model to produce a tailored value proposition
// document. It implements Generator for the worker.
type GenerationTask struct {
	client       *ollama.Client
	defaultModel string
}

func NewGenerationTask(client *ollama.Client, defaultModel string) *GenerationTask {
	return &GenerationTask{
		client:       client,
		defaultModel: defaultModel,
	}
}

func (t *GenerationTask) Generate(ctx context.Context, input json.RawMessage) (*GenerationResult, error) {
	var genInput GenerationInput
	if err := json.Unmarshal(input, &genInput); err != nil {
		return nil, &RejectionError{Reason: fmt.Sprintf("undecodable input payload: %v", err)}
	}
	if len(genInput.CandidateProfile) == 0 || len(genInput.JobPosting) == 0 {
		return nil, &RejectionError{Reason: "input payload is missing candidate_profile or job_posting"}
	}

	model := genInput.Model
	if model == "" {
		model = t.defaultModel
	}

	prompt := fmt.Sprintf("Candidate profile:\n%s\n\nJob posting:\n%s\n",
		genInput.CandidateProfile, genInput.JobPosting)

	resp, err := t.client.Generate(ctx, model, generationSystemPrompt, prompt, nil)
	if err != nil {
		var rejected *ollama.ErrRejected
		if errors.As(err, &rejected) {
			return nil, &RejectionError{Reason: rejected.Message}
		}
		return nil, fmt.Errorf("generation call failed: %w", err)
	}

	doc := GeneratedDocument{
		Model:       resp.Model,
		Content:     resp.Response,
		GeneratedAt: time.Now().UTC(),
	}
	document, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated document: %w", err)
	}

	return &GenerationResult{
		Document: document,
		Usage: UsageMetadata{
			PromptTokens: resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			DurationMS:   resp.TotalDuration / int64(time.Millisecond),
		},
	}, nil
}
