package ai

import (
	"context"
	"errors"
)

// ErrRateLimited indicates the provider rejected the call for pacing reasons.
// Callers surface it for a later manual retry, nothing here retries on its own.
var ErrRateLimited = errors.New("ai provider rate limited")

// EvaluationInput contains the artefacts needed to assess a testing document.
type EvaluationInput struct {
	Filename string
	Content  string
}

// EvaluationResult is the structured assessment returned by the AI evaluator.
// All scores are integers in the range 0 to 100.
type EvaluationResult struct {
	CompletenessScore    int                    `json:"completenessScore"`
	CompletenessFeedback string                 `json:"completenessFeedback"`
	ClarityScore         int                    `json:"clarityScore"`
	ClarityFeedback      string                 `json:"clarityFeedback"`
	ConsistencyScore     int                    `json:"consistencyScore"`
	ConsistencyFeedback  string                 `json:"consistencyFeedback"`
	VerificationScore    int                    `json:"verificationScore"`
	VerificationFeedback string                 `json:"verificationFeedback"`
	OverallScore         int                    `json:"overallScore"`
	OverallFeedback      string                 `json:"overallFeedback"`
	Raw                  map[string]interface{} `json:"raw,omitempty"`
}

// Evaluator describes an AI model capable of assessing software test
// documentation.
type Evaluator interface {
	// Evaluate scores the document on the four quality criteria and produces
	// an overall verdict with per-criterion feedback.
	Evaluate(ctx context.Context, input EvaluationInput) (EvaluationResult, error)
	// IsTestingDocument reports whether the content is recognisably software
	// test documentation. Classifier errors resolve to true so a flaky gate
	// never blocks a legitimate evaluation.
	IsTestingDocument(ctx context.Context, content string) (bool, error)
}
