package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/models"
)

// EvaluationRepository exposes persistence helpers for evaluation records.
// Records are append-only; "current" means the most recent row per document.
type EvaluationRepository interface {
	Create(ctx context.Context, evaluation *models.Evaluation) error
	LatestByDocument(ctx context.Context, documentID string) (models.Evaluation, error)
	HistoryByDocument(ctx context.Context, documentID string) ([]models.Evaluation, error)
	LatestByUserAndHash(ctx context.Context, userID, contentHash string) (models.Evaluation, error)
	ListByUser(ctx context.Context, userID string) ([]models.Evaluation, error)
}

type evaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository constructs an evaluation repository.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

func (r *evaluationRepository) Create(ctx context.Context, evaluation *models.Evaluation) error {
	return r.db.WithContext(ctx).Create(evaluation).Error
}

func (r *evaluationRepository) LatestByDocument(ctx context.Context, documentID string) (models.Evaluation, error) {
	var evaluation models.Evaluation
	err := r.db.WithContext(ctx).
		Preload("Document").
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		First(&evaluation).Error
	if err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) HistoryByDocument(ctx context.Context, documentID string) ([]models.Evaluation, error) {
	var evaluations []models.Evaluation
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Find(&evaluations).Error
	if err != nil {
		return nil, err
	}
	return evaluations, nil
}

func (r *evaluationRepository) LatestByUserAndHash(ctx context.Context, userID, contentHash string) (models.Evaluation, error) {
	var evaluation models.Evaluation
	err := r.db.WithContext(ctx).
		Joins("JOIN documents ON documents.id = evaluations.document_id").
		Where("evaluations.user_id = ? AND documents.content_hash = ?", userID, contentHash).
		Order("evaluations.created_at DESC").
		First(&evaluation).Error
	if err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) ListByUser(ctx context.Context, userID string) ([]models.Evaluation, error) {
	var evaluations []models.Evaluation
	err := r.db.WithContext(ctx).
		Preload("Document").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&evaluations).Error
	if err != nil {
		return nil, err
	}
	return evaluations, nil
}
