package models

import "time"

// Classroom is the minimal classroom record consulted by the submission and
// override flows. Classroom management itself lives in the admin surface.
type Classroom struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	TeacherID     string    `gorm:"type:uuid;not null;index" json:"teacher_id"`
	DriveFolderID string    `gorm:"size:128" json:"drive_folder_id"`
	JoinCode      string    `gorm:"size:16;uniqueIndex" json:"join_code"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OwnedBy reports whether the given user owns this classroom.
func (c Classroom) OwnedBy(userID string) bool {
	return c.TeacherID == userID
}
