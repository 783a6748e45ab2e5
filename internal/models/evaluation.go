package models

import (
	"time"

	"gorm.io/datatypes"
)

// Evaluation captures one AI (or teacher-overridden) quality assessment of a
// document. Records are append-only: a re-analysis or an override creates a new
// row that supersedes earlier ones, and the latest row per document is the
// authoritative "current evaluation".
type Evaluation struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID string `gorm:"type:uuid;not null;index" json:"document_id"`
	UserID     string `gorm:"type:uuid;not null;index" json:"user_id"`

	CompletenessScore    int    `json:"completeness_score"`
	CompletenessFeedback string `gorm:"type:text" json:"completeness_feedback"`
	ClarityScore         int    `json:"clarity_score"`
	ClarityFeedback      string `gorm:"type:text" json:"clarity_feedback"`
	ConsistencyScore     int    `json:"consistency_score"`
	ConsistencyFeedback  string `gorm:"type:text" json:"consistency_feedback"`
	VerificationScore    int    `json:"verification_score"`
	VerificationFeedback string `gorm:"type:text" json:"verification_feedback"`
	OverallScore         int    `json:"overall_score"`
	OverallFeedback      string `gorm:"type:text" json:"overall_feedback"`

	Overridden   bool              `gorm:"not null;default:false" json:"overridden"`
	OverriddenBy *string           `gorm:"type:uuid" json:"overridden_by,omitempty"`
	Provider     string            `gorm:"size:32" json:"provider"`
	Raw          datatypes.JSONMap `json:"raw,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	Document Document `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
