package dto

import (
	"time"

	"github.com/citu-stde/stde-api/internal/models"
)

// OverrideRequest carries a teacher's manual score for a document.
type OverrideRequest struct {
	OverallScore *int `json:"overallScore" validate:"required"`
}

// EvaluationResponse serializes an evaluation record for API clients.
type EvaluationResponse struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename,omitempty"`

	CompletenessScore    int    `json:"completeness_score"`
	CompletenessFeedback string `json:"completeness_feedback"`
	ClarityScore         int    `json:"clarity_score"`
	ClarityFeedback      string `json:"clarity_feedback"`
	ConsistencyScore     int    `json:"consistency_score"`
	ConsistencyFeedback  string `json:"consistency_feedback"`
	VerificationScore    int    `json:"verification_score"`
	VerificationFeedback string `json:"verification_feedback"`
	OverallScore         int    `json:"overall_score"`
	OverallFeedback      string `json:"overall_feedback"`

	Overridden   bool      `json:"overridden"`
	OverriddenBy *string   `json:"overridden_by,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageResponse mirrors the quota tracker state for the client's optimistic
// pre-check. The authoritative decision always stays server-side.
type UsageResponse struct {
	Used           int   `json:"used"`
	Limit          int   `json:"limit"`
	Remaining      int   `json:"remaining"`
	ResetInSeconds int64 `json:"resetInSeconds"`
}

// NewEvaluationResponse converts an Evaluation model into a DTO.
func NewEvaluationResponse(model models.Evaluation, filename string) EvaluationResponse {
	return EvaluationResponse{
		ID:                   model.ID,
		DocumentID:           model.DocumentID,
		Filename:             filename,
		CompletenessScore:    model.CompletenessScore,
		CompletenessFeedback: model.CompletenessFeedback,
		ClarityScore:         model.ClarityScore,
		ClarityFeedback:      model.ClarityFeedback,
		ConsistencyScore:     model.ConsistencyScore,
		ConsistencyFeedback:  model.ConsistencyFeedback,
		VerificationScore:    model.VerificationScore,
		VerificationFeedback: model.VerificationFeedback,
		OverallScore:         model.OverallScore,
		OverallFeedback:      model.OverallFeedback,
		Overridden:           model.Overridden,
		OverriddenBy:         model.OverriddenBy,
		Provider:             model.Provider,
		CreatedAt:            model.CreatedAt,
	}
}

// NewEvaluationResponseSlice converts evaluation models into DTOs.
func NewEvaluationResponseSlice(evaluations []models.Evaluation) []EvaluationResponse {
	responses := make([]EvaluationResponse, 0, len(evaluations))
	for _, evaluation := range evaluations {
		filename := ""
		if evaluation.Document.ID != "" {
			filename = evaluation.Document.Filename
		}
		responses = append(responses, NewEvaluationResponse(evaluation, filename))
	}

	return responses
}
