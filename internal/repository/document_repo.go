package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/models"
)

// DocumentFilter allows narrowing document queries.
type DocumentFilter struct {
	UserID      *string
	ClassroomID *string
	Status      *string
	Submitted   *bool
}

// DocumentRepository defines data operations for documents.
type DocumentRepository interface {
	List(ctx context.Context, filter DocumentFilter) ([]models.Document, error)
	GetByID(ctx context.Context, id string) (models.Document, error)
	Create(ctx context.Context, document *models.Document) error
	Update(ctx context.Context, document *models.Document) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateStatusIfUnsubmitted(ctx context.Context, id, status string) (bool, error)
	SetContentHash(ctx context.Context, id, hash string) error
	MarkSubmitted(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository instantiates the repository.
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Document{}).
		Preload("User").
		Preload("Classroom")
}

func (r *documentRepository) List(ctx context.Context, filter DocumentFilter) ([]models.Document, error) {
	query := r.baseQuery(ctx)

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}

	if filter.ClassroomID != nil {
		query = query.Where("classroom_id = ?", *filter.ClassroomID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	if filter.Submitted != nil {
		query = query.Where("is_submitted = ?", *filter.Submitted)
	}

	var documents []models.Document
	if err := query.Order("upload_date DESC").Find(&documents).Error; err != nil {
		return nil, err
	}

	return documents, nil
}

func (r *documentRepository) GetByID(ctx context.Context, id string) (models.Document, error) {
	var document models.Document
	if err := r.baseQuery(ctx).First(&document, "documents.id = ?", id).Error; err != nil {
		return models.Document{}, err
	}

	return document, nil
}

func (r *documentRepository) Create(ctx context.Context, document *models.Document) error {
	return r.db.WithContext(ctx).Create(document).Error
}

func (r *documentRepository) Update(ctx context.Context, document *models.Document) error {
	return r.db.WithContext(ctx).Save(document).Error
}

func (r *documentRepository) UpdateStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// UpdateStatusIfUnsubmitted writes the status with the same guard MarkSubmitted
// uses, so a submitted document never picks up a late status transition. The
// returned bool reports whether the write landed.
func (r *documentRepository) UpdateStatusIfUnsubmitted(ctx context.Context, id, status string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ? AND is_submitted = ?", id, false).
		Update("status", status)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *documentRepository) SetContentHash(ctx context.Context, id, hash string) error {
	return r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", id).
		Update("content_hash", hash).Error
}

// MarkSubmitted flips the submission flag with a guarded update so the
// transition stays one-way under concurrent submits. The returned bool reports
// whether this call performed the transition.
func (r *documentRepository) MarkSubmitted(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ? AND is_submitted = ?", id, false).
		Update("is_submitted", true)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *documentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id).Error
}
