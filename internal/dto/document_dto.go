package dto

import (
	"time"

	"github.com/citu-stde/stde-api/internal/models"
)

// DocumentUploadRequest describes the multipart form fields accompanying an
// uploaded file.
type DocumentUploadRequest struct {
	ClassroomID *string `form:"classroom_id" validate:"omitempty,uuid4"`
}

// DocumentImportRequest describes a picker-driven import of an existing
// provider file.
type DocumentImportRequest struct {
	FileID      string  `json:"file_id" validate:"required"`
	ClassroomID *string `json:"classroom_id" validate:"omitempty,uuid4"`
}

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	ClassroomID *string `query:"classroom_id" validate:"omitempty,uuid4"`
	Status      *string `query:"status" validate:"omitempty,oneof=UPLOADED PROCESSING COMPLETED OVERRIDDEN FAILED"`
	Submitted   *bool   `query:"submitted"`
}

// DocumentResponse is returned to API clients when viewing documents.
type DocumentResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	StudentName      string    `json:"student_name"`
	ClassroomID      *string   `json:"classroom_id,omitempty"`
	Filename         string    `json:"filename"`
	MediaType        string    `json:"media_type"`
	FileSize         int64     `json:"file_size"`
	DriveFileID      string    `json:"drive_file_id"`
	DriveWebViewLink string    `json:"drive_web_view_link"`
	Status           string    `json:"status"`
	IsSubmitted      bool      `json:"is_submitted"`
	IsCloudFile      bool      `json:"is_cloud_file"`
	OverallScore     *int      `json:"overall_score,omitempty"`
	UploadDate       time.Time `json:"upload_date"`
}

// NewDocumentResponse converts a Document model into a DTO. The overall score
// of the current evaluation, when known, is attached by the caller.
func NewDocumentResponse(model models.Document, overallScore *int) DocumentResponse {
	response := DocumentResponse{
		ID:               model.ID,
		UserID:           model.UserID,
		ClassroomID:      model.ClassroomID,
		Filename:         model.Filename,
		MediaType:        model.MediaType,
		FileSize:         model.FileSize,
		DriveFileID:      model.DriveFileID,
		DriveWebViewLink: model.DriveWebViewLink,
		Status:           model.Status,
		IsSubmitted:      model.IsSubmitted,
		IsCloudFile:      model.IsCloudFile,
		OverallScore:     overallScore,
		UploadDate:       model.UploadDate,
	}

	if model.User.ID != "" {
		response.StudentName = model.User.DisplayName()
	}

	return response
}
