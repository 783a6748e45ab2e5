package dto

import (
	"time"

	"github.com/citu-stde/stde-api/internal/models"
)

// ActivityListRequest narrows audit trail queries.
type ActivityListRequest struct {
	Page     int    `query:"page" validate:"omitempty,gte=1"`
	PageSize int    `query:"page_size" validate:"omitempty,gte=1,lte=100"`
	Action   string `query:"action" validate:"omitempty,oneof=UPLOAD IMPORT DELETE SUBMIT EVALUATE OVERRIDE LINK"`
	ActorID  string `query:"actor_id" validate:"omitempty,uuid4"`
}

// ActivityResponse serializes one audit entry.
type ActivityResponse struct {
	ID         uint                   `json:"id"`
	ActorID    string                 `json:"actor_id"`
	ActorEmail string                 `json:"actor_email"`
	ActorRole  string                 `json:"actor_role"`
	Action     string                 `json:"action"`
	Detail     string                 `json:"detail"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ActivityListResponse is a paginated audit trail view.
type ActivityListResponse struct {
	Items    []ActivityResponse `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// NewActivityResponse converts an ActivityLog model into a DTO.
func NewActivityResponse(model models.ActivityLog) ActivityResponse {
	return ActivityResponse{
		ID:         model.ID,
		ActorID:    model.ActorID,
		ActorEmail: model.ActorEmail,
		ActorRole:  model.ActorRole,
		Action:     model.Action,
		Detail:     model.Detail,
		Metadata:   model.Metadata,
		CreatedAt:  model.CreatedAt,
	}
}
