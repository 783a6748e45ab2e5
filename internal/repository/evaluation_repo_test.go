package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/models"
)

func seedEvaluation(t *testing.T, db *gorm.DB, evaluation models.Evaluation) models.Evaluation {
	t.Helper()

	if evaluation.ID == "" {
		evaluation.ID = uuid.NewString()
	}
	require.NoError(t, db.Create(&evaluation).Error)
	return evaluation
}

func TestEvaluationRepositoryLatestByDocument(t *testing.T) {
	db := setupDocumentTestDB(t)
	repo := NewEvaluationRepository(db)

	userID := uuid.NewString()
	document := seedDocument(t, db, models.Document{UserID: userID, Filename: "plan.pdf"})

	seedEvaluation(t, db, models.Evaluation{
		DocumentID: document.ID,
		UserID:     userID,
		OverallScore: 55,
		CreatedAt:  time.Now().Add(-time.Hour),
	})
	latest := seedEvaluation(t, db, models.Evaluation{
		DocumentID: document.ID,
		UserID:     userID,
		OverallScore: 82,
		CreatedAt:  time.Now(),
	})

	current, err := repo.LatestByDocument(context.Background(), document.ID)
	require.NoError(t, err)
	require.Equal(t, latest.ID, current.ID)
	require.Equal(t, 82, current.OverallScore)

	history, err := repo.HistoryByDocument(context.Background(), document.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, latest.ID, history[0].ID, "history is newest first")

	_, err = repo.LatestByDocument(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestEvaluationRepositoryLatestByUserAndHash(t *testing.T) {
	db := setupDocumentTestDB(t)
	repo := NewEvaluationRepository(db)

	userID := uuid.NewString()
	hash := "feedface"

	original := seedDocument(t, db, models.Document{UserID: userID, Filename: "v1.pdf", ContentHash: hash})
	unrelated := seedDocument(t, db, models.Document{UserID: userID, Filename: "other.pdf", ContentHash: "cafe"})

	prior := seedEvaluation(t, db, models.Evaluation{
		DocumentID: original.ID,
		UserID:     userID,
		OverallScore: 91,
		CreatedAt:  time.Now().Add(-time.Hour),
	})
	seedEvaluation(t, db, models.Evaluation{
		DocumentID: unrelated.ID,
		UserID:     userID,
		OverallScore: 40,
		CreatedAt:  time.Now(),
	})

	found, err := repo.LatestByUserAndHash(context.Background(), userID, hash)
	require.NoError(t, err)
	require.Equal(t, prior.ID, found.ID)

	// The same content scored by someone else never matches.
	_, err = repo.LatestByUserAndHash(context.Background(), uuid.NewString(), hash)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = repo.LatestByUserAndHash(context.Background(), userID, "unknown")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestEvaluationRepositoryListByUser(t *testing.T) {
	db := setupDocumentTestDB(t)
	repo := NewEvaluationRepository(db)

	userID := uuid.NewString()
	document := seedDocument(t, db, models.Document{UserID: userID, Filename: "plan.pdf"})

	seedEvaluation(t, db, models.Evaluation{DocumentID: document.ID, UserID: userID, OverallScore: 60, CreatedAt: time.Now().Add(-time.Minute)})
	seedEvaluation(t, db, models.Evaluation{DocumentID: document.ID, UserID: userID, OverallScore: 75, CreatedAt: time.Now()})
	seedEvaluation(t, db, models.Evaluation{DocumentID: document.ID, UserID: uuid.NewString(), OverallScore: 10, CreatedAt: time.Now()})

	mine, err := repo.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, 75, mine[0].OverallScore)
	require.Equal(t, "plan.pdf", mine[0].Document.Filename, "document association is preloaded")
}
