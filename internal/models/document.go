package models

import "time"

// Document status values. Status and the submission flag are deliberately kept
// as two orthogonal fields: submission locks the document regardless of which
// status it carries.
const (
	DocumentStatusUploaded   = "UPLOADED"
	DocumentStatusProcessing = "PROCESSING"
	DocumentStatusCompleted  = "COMPLETED"
	DocumentStatusOverridden = "OVERRIDDEN"
	DocumentStatusFailed     = "FAILED"
)

// Media types accepted for uploaded artifacts.
const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeText = "text/plain"
)

// Document is an uploaded testing-documentation artifact owned by a user and
// optionally attached to a classroom.
type Document struct {
	ID               string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string     `gorm:"type:uuid;not null;index" json:"user_id"`
	ClassroomID      *string    `gorm:"type:uuid;index" json:"classroom_id,omitempty"`
	Filename         string     `gorm:"size:255;not null" json:"filename"`
	MediaType        string     `gorm:"size:100" json:"media_type"`
	FileSize         int64      `json:"file_size"`
	DriveFileID      string     `gorm:"size:128" json:"drive_file_id"`
	DriveWebViewLink string     `gorm:"size:512" json:"drive_web_view_link"`
	ContentHash      string     `gorm:"size:64;index" json:"-"`
	Status           string     `gorm:"size:50;not null" json:"status"`
	IsSubmitted      bool       `gorm:"not null;default:false" json:"is_submitted"`
	IsCloudFile      bool       `gorm:"not null;default:false" json:"is_cloud_file"`
	UploadDate       time.Time  `gorm:"not null" json:"upload_date"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	User             User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Classroom        *Classroom `json:"-"`
}

// HasEvaluation reports whether at least one evaluation exists for the document,
// which is the precondition for turning it in.
func (d Document) HasEvaluation() bool {
	return d.Status == DocumentStatusCompleted || d.Status == DocumentStatusOverridden
}
