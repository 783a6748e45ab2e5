package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/models"
)

func setupActivityTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ActivityLog{}))

	return db
}

func TestActivityLogRepositoryListFiltersAndPaginates(t *testing.T) {
	db := setupActivityTestDB(t)
	repo := NewActivityLogRepository(db)

	student := uuid.NewString()
	teacher := uuid.NewString()
	base := time.Now().Add(-time.Hour)

	entries := []models.ActivityLog{
		{ActorID: student, ActorRole: models.RoleStudent, Action: "UPLOAD", Detail: "a.pdf", CreatedAt: base},
		{ActorID: student, ActorRole: models.RoleStudent, Action: "EVALUATE", Detail: "a.pdf", CreatedAt: base.Add(time.Minute)},
		{ActorID: student, ActorRole: models.RoleStudent, Action: "SUBMIT", Detail: "a.pdf", CreatedAt: base.Add(2 * time.Minute)},
		{ActorID: teacher, ActorRole: models.RoleTeacher, Action: "OVERRIDE", Detail: "a.pdf", CreatedAt: base.Add(3 * time.Minute)},
	}
	for i := range entries {
		require.NoError(t, db.Create(&entries[i]).Error)
	}

	all, total, err := repo.List(context.Background(), ActivityLogFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, all, 4)
	require.Equal(t, "OVERRIDE", all[0].Action, "entries are newest first")

	byActor, total, err := repo.List(context.Background(), ActivityLogFilter{Page: 1, PageSize: 10, ActorID: &teacher})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "OVERRIDE", byActor[0].Action)

	byAction, total, err := repo.List(context.Background(), ActivityLogFilter{Page: 1, PageSize: 10, Action: "UPLOAD"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "a.pdf", byAction[0].Detail)

	paged, total, err := repo.List(context.Background(), ActivityLogFilter{Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, paged, 1)
	require.Equal(t, "UPLOAD", paged[0].Action)
}

func TestActivityLogRepositoryCreateAssignsID(t *testing.T) {
	db := setupActivityTestDB(t)
	repo := NewActivityLogRepository(db)

	entry := models.ActivityLog{
		ActorID:   uuid.NewString(),
		ActorRole: models.RoleStudent,
		Action:    "UPLOAD",
		Metadata:  map[string]interface{}{"document_id": "doc-1"},
	}
	require.NoError(t, repo.Create(context.Background(), &entry))
	require.NotZero(t, entry.ID)

	stored, total, err := repo.List(context.Background(), ActivityLogFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "doc-1", stored[0].Metadata["document_id"])
}
