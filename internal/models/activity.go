package models

import (
	"time"

	"gorm.io/datatypes"
)

// Activity actions recorded in the audit trail.
const (
	ActivityActionUpload   = "UPLOAD"
	ActivityActionImport   = "IMPORT"
	ActivityActionDelete   = "DELETE"
	ActivityActionSubmit   = "SUBMIT"
	ActivityActionEvaluate = "EVALUATE"
	ActivityActionOverride = "OVERRIDE"
	ActivityActionLink     = "LINK"
)

// ActivityLog captures auditable events across the document and identity
// workflows. Entries also feed the live admin activity stream.
type ActivityLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	ActorID    string            `gorm:"type:uuid;not null;index" json:"actor_id"`
	ActorEmail string            `gorm:"size:255" json:"actor_email"`
	ActorRole  string            `gorm:"size:32" json:"actor_role"`
	Action     string            `gorm:"size:64;not null" json:"action"`
	Detail     string            `gorm:"size:512" json:"detail"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}
