package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/observability"
	"github.com/citu-stde/stde-api/internal/repository"
	"github.com/citu-stde/stde-api/pkg/drive"
)

var (
	// ErrDocumentNotFound indicates the document cannot be located.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrUnauthorized indicates the caller may not touch the document.
	ErrUnauthorized = errors.New("forbidden")
	// ErrClassroomNotFound indicates the referenced classroom does not exist.
	ErrClassroomNotFound = errors.New("classroom not found")
	// ErrClassroomRequired indicates the document has no classroom to submit to.
	ErrClassroomRequired = errors.New("document is not attached to a classroom")
	// ErrAlreadySubmitted indicates the document is locked by submission.
	ErrAlreadySubmitted = errors.New("document already submitted")
	// ErrNotEvaluated indicates a submission was attempted before any evaluation.
	ErrNotEvaluated = errors.New("document has not been evaluated")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
)

// DocumentStorage abstracts the cloud drive the platform stores artifacts in.
type DocumentStorage interface {
	Upload(ctx context.Context, folderID, filename, mimeType string, content io.Reader) (drive.FileRef, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
	ExtractText(ctx context.Context, fileID string) (string, error)
	Copy(ctx context.Context, fileID, folderID string) (drive.FileRef, error)
	Metadata(ctx context.Context, fileID string) (drive.FileRef, error)
	Delete(ctx context.Context, fileID string) error
}

// DocumentService exposes the document lifecycle operations.
type DocumentService interface {
	Upload(ctx context.Context, actor Actor, file *multipart.FileHeader, payload dto.DocumentUploadRequest) (dto.DocumentResponse, error)
	ImportFromDrive(ctx context.Context, actor Actor, payload dto.DocumentImportRequest) (dto.DocumentResponse, error)
	List(ctx context.Context, actor Actor, filter dto.DocumentFilter) ([]dto.DocumentResponse, error)
	ListForClassroom(ctx context.Context, actor Actor, classroomID string) ([]dto.DocumentResponse, error)
	Get(ctx context.Context, actor Actor, id string) (dto.DocumentResponse, error)
	Delete(ctx context.Context, actor Actor, id string) error
	Submit(ctx context.Context, actor Actor, id string) (dto.DocumentResponse, error)
}

type documentService struct {
	documents   repository.DocumentRepository
	evaluations repository.EvaluationRepository
	classrooms  repository.ClassroomRepository
	storage     DocumentStorage
	recorder    ActivityRecorder
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	maxSize     int64
	folderID    string
	now         func() time.Time
}

// NewDocumentService constructs a document service. folderID is the drive
// folder uploads land in when the document has no classroom folder.
func NewDocumentService(documents repository.DocumentRepository, evaluations repository.EvaluationRepository, classrooms repository.ClassroomRepository, storage DocumentStorage, recorder ActivityRecorder, validate *validator.Validate, maxSizeMB int, folderID string, logger zerolog.Logger) DocumentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}

	return &documentService{
		documents:   documents,
		evaluations: evaluations,
		classrooms:  classrooms,
		storage:     storage,
		recorder:    recorder,
		validator:   validate,
		logger:      logger.With().Str("component", "document_service").Logger(),
		tracer:      otel.Tracer("github.com/citu-stde/stde-api/internal/service/document"),
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		folderID:    folderID,
		now:         time.Now,
	}
}

func (s *documentService) Upload(ctx context.Context, actor Actor, file *multipart.FileHeader, payload dto.DocumentUploadRequest) (dto.DocumentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "document.upload")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.DocumentResponse{}, err
	}

	if file == nil {
		err := errors.New("file is required")
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}

	span.SetAttributes(
		attribute.String("document.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("document.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		observability.DocumentRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return dto.DocumentResponse{}, ErrUploadTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		observability.DocumentRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return dto.DocumentResponse{}, ErrUploadTooLarge
	}

	mediaType := detectMediaType(buf.Bytes())
	span.SetAttributes(attribute.String("document.media_type", mediaType))
	if mediaType == "" {
		observability.DocumentRejected().WithLabelValues("type").Inc()
		span.RecordError(ErrUploadTypeNotAllowed)
		span.SetStatus(codes.Error, "type not allowed")
		return dto.DocumentResponse{}, ErrUploadTypeNotAllowed
	}

	folderID, classroomID, err := s.resolveFolder(ctx, payload.ClassroomID)
	if err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}

	checksum := sha256.Sum256(buf.Bytes())

	ref, err := s.storage.Upload(ctx, folderID, file.Filename, mediaType, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.DocumentRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.DocumentResponse{}, err
	}

	document := models.Document{
		ID:               uuid.NewString(),
		UserID:           actor.ID,
		ClassroomID:      classroomID,
		Filename:         file.Filename,
		MediaType:        mediaType,
		FileSize:         int64(buf.Len()),
		DriveFileID:      ref.ID,
		DriveWebViewLink: ref.WebViewLink,
		ContentHash:      hex.EncodeToString(checksum[:]),
		Status:           models.DocumentStatusUploaded,
		UploadDate:       s.now().UTC(),
	}

	if err := s.documents.Create(ctx, &document); err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}

	observability.DocumentUploadsTotal().WithLabelValues("upload").Inc()
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionUpload,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id": document.ID,
			"media_type":  document.MediaType,
			"file_size":   document.FileSize,
		},
	})

	return dto.NewDocumentResponse(document, nil), nil
}

func (s *documentService) ImportFromDrive(ctx context.Context, actor Actor, payload dto.DocumentImportRequest) (dto.DocumentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "document.import")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.DocumentResponse{}, err
	}

	folderID, classroomID, err := s.resolveFolder(ctx, payload.ClassroomID)
	if err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}

	// Copy the picked file into the platform folder so later reads never
	// depend on the owner keeping the original around.
	ref, err := s.storage.Copy(ctx, payload.FileID, folderID)
	if err != nil {
		observability.DocumentRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "copy failed")
		return dto.DocumentResponse{}, err
	}

	document := models.Document{
		ID:               uuid.NewString(),
		UserID:           actor.ID,
		ClassroomID:      classroomID,
		Filename:         ref.Name,
		MediaType:        ref.MimeType,
		FileSize:         ref.Size,
		DriveFileID:      ref.ID,
		DriveWebViewLink: ref.WebViewLink,
		Status:           models.DocumentStatusUploaded,
		IsCloudFile:      true,
		UploadDate:       s.now().UTC(),
	}

	if err := s.documents.Create(ctx, &document); err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}

	observability.DocumentUploadsTotal().WithLabelValues("import").Inc()
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionImport,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id":   document.ID,
			"drive_file_id": payload.FileID,
		},
	})

	return dto.NewDocumentResponse(document, nil), nil
}

func (s *documentService) List(ctx context.Context, actor Actor, filter dto.DocumentFilter) ([]dto.DocumentResponse, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}

	repoFilter := repository.DocumentFilter{
		ClassroomID: filter.ClassroomID,
		Status:      filter.Status,
		Submitted:   filter.Submitted,
	}

	// Non-admins only ever see their own documents here; classroom-scoped
	// views for teachers go through ListForClassroom.
	if actor.Role != models.RoleAdmin {
		userID := actor.ID
		repoFilter.UserID = &userID
	}

	documents, err := s.documents.List(ctx, repoFilter)
	if err != nil {
		return nil, err
	}

	return s.toResponses(ctx, documents), nil
}

func (s *documentService) ListForClassroom(ctx context.Context, actor Actor, classroomID string) ([]dto.DocumentResponse, error) {
	classroom, err := s.classrooms.GetByID(ctx, classroomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClassroomNotFound
		}
		return nil, err
	}

	if actor.Role != models.RoleAdmin && !classroom.OwnedBy(actor.ID) {
		return nil, ErrUnauthorized
	}

	submitted := true
	documents, err := s.documents.List(ctx, repository.DocumentFilter{
		ClassroomID: &classroomID,
		Submitted:   &submitted,
	})
	if err != nil {
		return nil, err
	}

	return s.toResponses(ctx, documents), nil
}

func (s *documentService) Get(ctx context.Context, actor Actor, id string) (dto.DocumentResponse, error) {
	document, err := s.getOwned(ctx, actor, id)
	if err != nil {
		return dto.DocumentResponse{}, err
	}

	return dto.NewDocumentResponse(document, s.overallScore(ctx, document)), nil
}

func (s *documentService) Delete(ctx context.Context, actor Actor, id string) error {
	document, err := s.getOwned(ctx, actor, id)
	if err != nil {
		return err
	}

	if document.IsSubmitted {
		return ErrAlreadySubmitted
	}

	if document.DriveFileID != "" {
		if err := s.storage.Delete(ctx, document.DriveFileID); err != nil {
			s.logger.Warn().Err(err).Str("document_id", id).Msg("failed to remove drive file, continuing")
		}
	}

	if err := s.documents.Delete(ctx, id); err != nil {
		return err
	}

	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionDelete,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id": id,
		},
	})

	return nil
}

func (s *documentService) Submit(ctx context.Context, actor Actor, id string) (dto.DocumentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "document.submit")
	defer span.End()

	document, err := s.getOwned(ctx, actor, id)
	if err != nil {
		return dto.DocumentResponse{}, err
	}

	if document.ClassroomID == nil {
		return dto.DocumentResponse{}, ErrClassroomRequired
	}
	if !document.HasEvaluation() {
		return dto.DocumentResponse{}, ErrNotEvaluated
	}

	transitioned, err := s.documents.MarkSubmitted(ctx, id)
	if err != nil {
		span.RecordError(err)
		return dto.DocumentResponse{}, err
	}
	if !transitioned {
		return dto.DocumentResponse{}, ErrAlreadySubmitted
	}

	document.IsSubmitted = true
	observability.DocumentSubmissionsTotal().Inc()
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionSubmit,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id":  id,
			"classroom_id": *document.ClassroomID,
		},
	})

	return dto.NewDocumentResponse(document, s.overallScore(ctx, document)), nil
}

// getOwned loads a document and enforces ownership. Admins bypass the check.
func (s *documentService) getOwned(ctx context.Context, actor Actor, id string) (models.Document, error) {
	document, err := s.documents.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Document{}, ErrDocumentNotFound
		}
		return models.Document{}, err
	}

	if actor.Role != models.RoleAdmin && document.UserID != actor.ID {
		return models.Document{}, ErrUnauthorized
	}

	return document, nil
}

func (s *documentService) resolveFolder(ctx context.Context, classroomID *string) (string, *string, error) {
	if classroomID == nil {
		return s.folderID, nil, nil
	}

	classroom, err := s.classrooms.GetByID(ctx, *classroomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrClassroomNotFound
		}
		return "", nil, err
	}

	folderID := classroom.DriveFolderID
	if folderID == "" {
		folderID = s.folderID
	}

	return folderID, classroomID, nil
}

func (s *documentService) toResponses(ctx context.Context, documents []models.Document) []dto.DocumentResponse {
	responses := make([]dto.DocumentResponse, 0, len(documents))
	for _, document := range documents {
		responses = append(responses, dto.NewDocumentResponse(document, s.overallScore(ctx, document)))
	}
	return responses
}

// overallScore resolves the current evaluation's overall score, or nil when the
// document has none yet.
func (s *documentService) overallScore(ctx context.Context, document models.Document) *int {
	if !document.HasEvaluation() {
		return nil
	}

	evaluation, err := s.evaluations.LatestByDocument(ctx, document.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Str("document_id", document.ID).Msg("failed to load current evaluation")
		}
		return nil
	}

	score := evaluation.OverallScore
	return &score
}

func detectMediaType(payload []byte) string {
	mime := mimetype.Detect(payload)
	switch {
	case mime.Is(models.MediaTypePDF):
		return models.MediaTypePDF
	case mime.Is(models.MediaTypeDOCX):
		return models.MediaTypeDOCX
	case mime.Is(models.MediaTypeText):
		return models.MediaTypeText
	default:
		return ""
	}
}
