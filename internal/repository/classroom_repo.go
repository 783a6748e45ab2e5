package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/models"
)

// ClassroomRepository exposes the read operations the document and override
// flows need; classroom management lives elsewhere.
type ClassroomRepository interface {
	GetByID(ctx context.Context, id string) (models.Classroom, error)
}

type classroomRepository struct {
	db *gorm.DB
}

// NewClassroomRepository instantiates the repository.
func NewClassroomRepository(db *gorm.DB) ClassroomRepository {
	return &classroomRepository{db: db}
}

func (r *classroomRepository) GetByID(ctx context.Context, id string) (models.Classroom, error) {
	var classroom models.Classroom
	if err := r.db.WithContext(ctx).First(&classroom, "id = ?", id).Error; err != nil {
		return models.Classroom{}, err
	}
	return classroom, nil
}
