package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/config"
	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/handler"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/repository"
	"github.com/citu-stde/stde-api/internal/router"
	"github.com/citu-stde/stde-api/internal/service"
	"github.com/citu-stde/stde-api/pkg/drive"
)

// testActor feeds the stub auth middleware so a single app can serve requests
// as different users.
type testActor struct {
	ID    string
	Email string
	Role  string
}

func authAs(actor *testActor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", actor.ID)
		c.Locals("user_email", actor.Email)
		c.Locals("user_role", actor.Role)
		c.Locals("session_id", "test-session")
		return c.Next()
	}
}

type fakeDrive struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: make(map[string][]byte)}
}

func (d *fakeDrive) Upload(_ context.Context, _, filename, mimeType string, content io.Reader) (drive.FileRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := io.ReadAll(content)
	if err != nil {
		return drive.FileRef{}, err
	}
	id := "drive-" + filename
	d.files[id] = payload
	return drive.FileRef{
		ID:          id,
		Name:        filename,
		MimeType:    mimeType,
		Size:        int64(len(payload)),
		WebViewLink: "https://drive.test/" + id,
	}, nil
}

func (d *fakeDrive) Download(_ context.Context, fileID string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return io.NopCloser(bytes.NewReader(d.files[fileID])), nil
}

func (d *fakeDrive) ExtractText(_ context.Context, fileID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.files[fileID]), nil
}

func (d *fakeDrive) Copy(_ context.Context, fileID, _ string) (drive.FileRef, error) {
	return drive.FileRef{
		ID:       "copy-" + fileID,
		Name:     "imported.pdf",
		MimeType: models.MediaTypePDF,
		Size:     2048,
	}, nil
}

func (d *fakeDrive) Metadata(_ context.Context, fileID string) (drive.FileRef, error) {
	return drive.FileRef{ID: fileID}, nil
}

func (d *fakeDrive) Delete(_ context.Context, fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, fileID)
	return nil
}

func setupDocumentApp(t *testing.T, actor *testActor) (*fiber.App, *gorm.DB, *fakeDrive) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Classroom{}, &models.Document{}, &models.Evaluation{}, &models.ActivityLog{}))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.Nop()
	storage := newFakeDrive()

	documentRepo := repository.NewDocumentRepository(db)
	evaluationRepo := repository.NewEvaluationRepository(db)
	classroomRepo := repository.NewClassroomRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activityService := service.NewActivityService(activityRepo, nil, "stde", validate, logger)
	documentService := service.NewDocumentService(documentRepo, evaluationRepo, classroomRepo, storage, activityService, validate, 1, "root-folder", logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		DocumentHandler: handler.NewDocumentHandler(documentService, logger),
		JWTMiddleware:   authAs(actor),
	})

	return app, db, storage
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func multipartFile(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestDocumentHandlerUploadLifecycle(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Email: "student@example.com", Role: models.RoleStudent}
	app, db, _ := setupDocumentApp(t, actor)

	body, contentType := multipartFile(t, "testplan.txt", []byte("Login flow test cases with expected results."))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created struct {
		Success bool                 `json:"success"`
		Data    dto.DocumentResponse `json:"data"`
		Message string               `json:"message"`
	}
	decodeResponse(t, resp, &created)
	require.True(t, created.Success)
	require.Equal(t, "document uploaded", created.Message)
	require.Equal(t, models.DocumentStatusUploaded, created.Data.Status)
	require.Equal(t, actor.ID, created.Data.UserID)
	require.Equal(t, models.MediaTypeText, created.Data.MediaType)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+created.Data.ID, nil)
	getResp, err := app.Test(getReq)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, getResp.StatusCode)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	listResp, err := app.Test(listReq)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, listResp.StatusCode)

	var listed struct {
		Data []dto.DocumentResponse `json:"data"`
	}
	decodeResponse(t, listResp, &listed)
	require.Len(t, listed.Data, 1)

	var stored models.Document
	require.NoError(t, db.First(&stored, "id = ?", created.Data.ID).Error)
	require.NotEmpty(t, stored.ContentHash)
}

func TestDocumentHandlerUploadRequiresFile(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Role: models.RoleStudent}
	app, _, _ := setupDocumentApp(t, actor)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestDocumentHandlerRejectsUnknownType(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Role: models.RoleStudent}
	app, _, _ := setupDocumentApp(t, actor)

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	body, contentType := multipartFile(t, "photo.png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestDocumentHandlerSubmitFlow(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Email: "student@example.com", Role: models.RoleStudent}
	app, db, _ := setupDocumentApp(t, actor)

	classroomID := uuid.NewString()
	require.NoError(t, db.Create(&models.Classroom{
		ID:        classroomID,
		Name:      "Software Testing",
		TeacherID: uuid.NewString(),
		JoinCode:  "ST-2026",
	}).Error)

	document := models.Document{
		ID:          uuid.NewString(),
		UserID:      actor.ID,
		ClassroomID: &classroomID,
		Filename:    "plan.pdf",
		MediaType:   models.MediaTypePDF,
		Status:      models.DocumentStatusCompleted,
		UploadDate:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&document).Error)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+document.ID+"/submit", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var submitted struct {
		Data dto.DocumentResponse `json:"data"`
	}
	decodeResponse(t, resp, &submitted)
	require.True(t, submitted.Data.IsSubmitted)

	again := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+document.ID+"/submit", nil)
	resp, err = app.Test(again)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestDocumentHandlerSubmitRequiresEvaluation(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Role: models.RoleStudent}
	app, db, _ := setupDocumentApp(t, actor)

	classroomID := uuid.NewString()
	require.NoError(t, db.Create(&models.Classroom{
		ID:        classroomID,
		Name:      "Software Testing",
		TeacherID: uuid.NewString(),
		JoinCode:  "ST-2027",
	}).Error)

	document := models.Document{
		ID:          uuid.NewString(),
		UserID:      actor.ID,
		ClassroomID: &classroomID,
		Filename:    "plan.pdf",
		Status:      models.DocumentStatusUploaded,
		UploadDate:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&document).Error)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+document.ID+"/submit", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestDocumentHandlerForbidsForeignDocument(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Role: models.RoleStudent}
	app, db, _ := setupDocumentApp(t, actor)

	document := models.Document{
		ID:         uuid.NewString(),
		UserID:     uuid.NewString(),
		Filename:   "other.pdf",
		Status:     models.DocumentStatusUploaded,
		UploadDate: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&document).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+document.ID, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestDocumentHandlerDeleteRemovesDriveFile(t *testing.T) {
	actor := &testActor{ID: uuid.NewString(), Role: models.RoleStudent}
	app, _, storage := setupDocumentApp(t, actor)

	body, contentType := multipartFile(t, "trash.txt", []byte("scrap notes for a test run"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created struct {
		Data dto.DocumentResponse `json:"data"`
	}
	decodeResponse(t, resp, &created)
	require.Contains(t, storage.files, created.Data.DriveFileID)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/documents/"+created.Data.ID, nil)
	delResp, err := app.Test(delReq)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, delResp.StatusCode)
	require.NotContains(t, storage.files, created.Data.DriveFileID)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+created.Data.ID, nil)
	getResp, err := app.Test(getReq)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, getResp.StatusCode)
}
