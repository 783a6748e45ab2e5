package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/observability"
	"github.com/citu-stde/stde-api/internal/quota"
	"github.com/citu-stde/stde-api/internal/repository"
	"github.com/citu-stde/stde-api/pkg/ai"
)

var (
	// ErrQuotaExceeded indicates the caller's evaluation window is full.
	ErrQuotaExceeded = quota.ErrExceeded
	// ErrEvaluationNotFound indicates no evaluation exists for the document.
	ErrEvaluationNotFound = errors.New("evaluation not found")
	// ErrInvalidDocument indicates the artifact is not testing documentation.
	ErrInvalidDocument = errors.New("document is not a software testing document")
	// ErrInvalidScore indicates a manual score outside the accepted range.
	ErrInvalidScore = errors.New("score must be between 0 and 100")
	// ErrRateLimit indicates the AI provider rejected the call for pacing.
	ErrRateLimit = errors.New("evaluation provider rate limited")
	// ErrServerError indicates the AI provider failed unexpectedly.
	ErrServerError = errors.New("evaluation provider unavailable")
	// ErrEvaluatorUnavailable indicates no evaluator is configured.
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")
)

// QuotaTracker abstracts the per-user evaluation allowance.
type QuotaTracker interface {
	Check(ctx context.Context, userID string) (quota.Usage, error)
	Consume(ctx context.Context, userID string) (quota.Usage, error)
	Refund(ctx context.Context, userID string) error
}

// EvaluationService orchestrates AI assessment of documents.
type EvaluationService interface {
	Analyze(ctx context.Context, actor Actor, documentID string) (dto.EvaluationResponse, error)
	Override(ctx context.Context, actor Actor, documentID string, payload dto.OverrideRequest) (dto.EvaluationResponse, error)
	Usage(ctx context.Context, actor Actor) (dto.UsageResponse, error)
	GetByDocument(ctx context.Context, actor Actor, documentID string) (dto.EvaluationResponse, error)
	History(ctx context.Context, actor Actor, documentID string) ([]dto.EvaluationResponse, error)
	ListByUser(ctx context.Context, actor Actor) ([]dto.EvaluationResponse, error)
}

type evaluationService struct {
	documents   repository.DocumentRepository
	evaluations repository.EvaluationRepository
	classrooms  repository.ClassroomRepository
	storage     DocumentStorage
	evaluator   ai.Evaluator
	tracker     QuotaTracker
	recorder    ActivityRecorder
	nats        *nats.Conn
	natsSubject string
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEvaluationService constructs the evaluation orchestrator.
func NewEvaluationService(documents repository.DocumentRepository, evaluations repository.EvaluationRepository, classrooms repository.ClassroomRepository, storage DocumentStorage, evaluator ai.Evaluator, tracker QuotaTracker, recorder ActivityRecorder, natsConn *nats.Conn, subjectBase string, logger zerolog.Logger) EvaluationService {
	subject := ""
	if subjectBase != "" {
		subject = strings.ReplaceAll(subjectBase, ":", ".") + ".evaluations"
	}

	return &evaluationService{
		documents:   documents,
		evaluations: evaluations,
		classrooms:  classrooms,
		storage:     storage,
		evaluator:   evaluator,
		tracker:     tracker,
		recorder:    recorder,
		nats:        natsConn,
		natsSubject: subject,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "evaluation_service").Logger(),
		tracer:      otel.Tracer("github.com/citu-stde/stde-api/internal/service/evaluation"),
		now:         time.Now,
	}
}

func (s *evaluationService) Analyze(ctx context.Context, actor Actor, documentID string) (dto.EvaluationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.analyze", trace.WithAttributes(
		attribute.String("document.id", documentID),
	))
	defer span.End()

	if !actor.Capabilities().CanAnalyze {
		return dto.EvaluationResponse{}, ErrUnauthorized
	}
	if s.evaluator == nil {
		return dto.EvaluationResponse{}, ErrEvaluatorUnavailable
	}

	document, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrDocumentNotFound
		}
		return dto.EvaluationResponse{}, err
	}
	if document.UserID != actor.ID {
		return dto.EvaluationResponse{}, ErrUnauthorized
	}
	if document.IsSubmitted {
		return dto.EvaluationResponse{}, ErrAlreadySubmitted
	}

	// Reserve the attempt up front. Every failure path below refunds it, so
	// concurrency never overshoots the limit and failures never charge.
	if _, err := s.tracker.Consume(ctx, actor.ID); err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			observability.EvaluationsTotal().WithLabelValues("quota_exceeded").Inc()
			return dto.EvaluationResponse{}, ErrQuotaExceeded
		}
		return dto.EvaluationResponse{}, err
	}

	if err := s.documents.UpdateStatus(ctx, document.ID, models.DocumentStatusProcessing); err != nil {
		s.refund(ctx, actor.ID)
		return dto.EvaluationResponse{}, err
	}

	content, err := s.content(ctx, document)
	if err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "content", err)
	}

	hash := document.ContentHash
	if hash == "" {
		sum := sha256.Sum256([]byte(content))
		hash = hex.EncodeToString(sum[:])
		if err := s.documents.SetContentHash(ctx, document.ID, hash); err != nil {
			return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "hash", err)
		}
	}

	// Identical content the user already had scored is answered from the
	// prior record: a fresh superseding copy, no quota charge, no AI call.
	if cached, ok := s.cachedResult(ctx, actor, document, hash); ok {
		s.refund(ctx, actor.ID)
		observability.EvaluationsTotal().WithLabelValues("cached").Inc()
		return cached, nil
	}

	ok, err := s.evaluator.IsTestingDocument(ctx, content)
	if err != nil {
		// A broken classifier never blocks the document.
		s.logger.Warn().Err(err).Str("document_id", document.ID).Msg("document classifier failed, continuing")
		ok = true
	}
	if !ok {
		span.SetStatus(codes.Error, "not a testing document")
		observability.EvaluationsTotal().WithLabelValues("invalid_document").Inc()
		return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "classifier", ErrInvalidDocument)
	}

	result, err := s.evaluator.Evaluate(ctx, ai.EvaluationInput{
		Filename: document.Filename,
		Content:  content,
	})
	if err != nil {
		span.RecordError(err)
		observability.EvaluationsTotal().WithLabelValues("provider_error").Inc()
		if errors.Is(err, ai.ErrRateLimited) {
			return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "provider", ErrRateLimit)
		}
		return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "provider", fmt.Errorf("%w: %v", ErrServerError, err))
	}

	evaluation := models.Evaluation{
		ID:                   uuid.NewString(),
		DocumentID:           document.ID,
		UserID:               actor.ID,
		CompletenessScore:    result.CompletenessScore,
		CompletenessFeedback: s.clean(result.CompletenessFeedback),
		ClarityScore:         result.ClarityScore,
		ClarityFeedback:      s.clean(result.ClarityFeedback),
		ConsistencyScore:     result.ConsistencyScore,
		ConsistencyFeedback:  s.clean(result.ConsistencyFeedback),
		VerificationScore:    result.VerificationScore,
		VerificationFeedback: s.clean(result.VerificationFeedback),
		OverallScore:         result.OverallScore,
		OverallFeedback:      s.clean(result.OverallFeedback),
		Provider:             s.providerName(),
		Raw:                  datatypes.JSONMap(result.Raw),
	}

	// The completed status only lands while the document is still open. A
	// submit that won the race against the provider call keeps the frozen
	// record; this result is discarded and the attempt refunded.
	moved, err := s.documents.UpdateStatusIfUnsubmitted(ctx, document.ID, models.DocumentStatusCompleted)
	if err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "persist", err)
	}
	if !moved {
		s.refund(ctx, actor.ID)
		observability.EvaluationsTotal().WithLabelValues("already_submitted").Inc()
		return dto.EvaluationResponse{}, ErrAlreadySubmitted
	}

	if err := s.evaluations.Create(ctx, &evaluation); err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, s.fail(ctx, actor.ID, document.ID, "persist", err)
	}

	observability.EvaluationsTotal().WithLabelValues("completed").Inc()
	s.publish("evaluation.completed", evaluation)
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionEvaluate,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id":   document.ID,
			"evaluation_id": evaluation.ID,
			"overall_score": evaluation.OverallScore,
		},
	})

	return dto.NewEvaluationResponse(evaluation, document.Filename), nil
}

func (s *evaluationService) Override(ctx context.Context, actor Actor, documentID string, payload dto.OverrideRequest) (dto.EvaluationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.override", trace.WithAttributes(
		attribute.String("document.id", documentID),
	))
	defer span.End()

	if payload.OverallScore == nil || *payload.OverallScore < 0 || *payload.OverallScore > 100 {
		return dto.EvaluationResponse{}, ErrInvalidScore
	}
	if !actor.Capabilities().CanOverride {
		return dto.EvaluationResponse{}, ErrUnauthorized
	}

	document, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrDocumentNotFound
		}
		return dto.EvaluationResponse{}, err
	}

	if err := s.authorizeClassroomTeacher(ctx, actor, document); err != nil {
		return dto.EvaluationResponse{}, err
	}
	if document.IsSubmitted {
		return dto.EvaluationResponse{}, ErrAlreadySubmitted
	}

	if _, err := s.evaluations.LatestByDocument(ctx, documentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrNotEvaluated
		}
		return dto.EvaluationResponse{}, err
	}

	score := *payload.OverallScore
	feedback := fmt.Sprintf("Score manually set to %d by the instructor.", score)
	overriddenBy := actor.ID

	evaluation := models.Evaluation{
		ID:                   uuid.NewString(),
		DocumentID:           document.ID,
		UserID:               document.UserID,
		CompletenessScore:    score,
		CompletenessFeedback: feedback,
		ClarityScore:         score,
		ClarityFeedback:      feedback,
		ConsistencyScore:     score,
		ConsistencyFeedback:  feedback,
		VerificationScore:    score,
		VerificationFeedback: feedback,
		OverallScore:         score,
		OverallFeedback:      feedback,
		Overridden:           true,
		OverriddenBy:         &overriddenBy,
		Provider:             "manual",
	}

	moved, err := s.documents.UpdateStatusIfUnsubmitted(ctx, document.ID, models.DocumentStatusOverridden)
	if err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}
	if !moved {
		return dto.EvaluationResponse{}, ErrAlreadySubmitted
	}

	if err := s.evaluations.Create(ctx, &evaluation); err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	observability.EvaluationsTotal().WithLabelValues("overridden").Inc()
	s.publish("evaluation.overridden", evaluation)
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionOverride,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id":   document.ID,
			"evaluation_id": evaluation.ID,
			"overall_score": score,
		},
	})

	return dto.NewEvaluationResponse(evaluation, document.Filename), nil
}

func (s *evaluationService) Usage(ctx context.Context, actor Actor) (dto.UsageResponse, error) {
	usage, err := s.tracker.Check(ctx, actor.ID)
	if err != nil {
		return dto.UsageResponse{}, err
	}

	return dto.UsageResponse{
		Used:           usage.Used,
		Limit:          usage.Limit,
		Remaining:      usage.Remaining,
		ResetInSeconds: usage.ResetInSeconds,
	}, nil
}

func (s *evaluationService) GetByDocument(ctx context.Context, actor Actor, documentID string) (dto.EvaluationResponse, error) {
	document, err := s.viewableDocument(ctx, actor, documentID)
	if err != nil {
		return dto.EvaluationResponse{}, err
	}

	evaluation, err := s.evaluations.LatestByDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrEvaluationNotFound
		}
		return dto.EvaluationResponse{}, err
	}

	return dto.NewEvaluationResponse(evaluation, document.Filename), nil
}

func (s *evaluationService) History(ctx context.Context, actor Actor, documentID string) ([]dto.EvaluationResponse, error) {
	document, err := s.viewableDocument(ctx, actor, documentID)
	if err != nil {
		return nil, err
	}

	evaluations, err := s.evaluations.HistoryByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.EvaluationResponse, 0, len(evaluations))
	for _, evaluation := range evaluations {
		responses = append(responses, dto.NewEvaluationResponse(evaluation, document.Filename))
	}
	return responses, nil
}

func (s *evaluationService) ListByUser(ctx context.Context, actor Actor) ([]dto.EvaluationResponse, error) {
	evaluations, err := s.evaluations.ListByUser(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return dto.NewEvaluationResponseSlice(evaluations), nil
}

// fail moves the document to FAILED and refunds the reserved attempt before
// handing the typed error back.
func (s *evaluationService) fail(ctx context.Context, userID, documentID, stage string, cause error) error {
	if err := s.documents.UpdateStatus(ctx, documentID, models.DocumentStatusFailed); err != nil {
		s.logger.Error().Err(err).Str("document_id", documentID).Msg("failed to mark document failed")
	}
	s.refund(ctx, userID)
	s.logger.Warn().Err(cause).Str("document_id", documentID).Str("stage", stage).Msg("evaluation failed")
	return cause
}

func (s *evaluationService) refund(ctx context.Context, userID string) {
	if err := s.tracker.Refund(ctx, userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to refund quota")
	}
}

// cachedResult copies the user's latest evaluation of identical content onto
// this document. Evaluations of the document itself do not count, so explicit
// re-analysis still reaches the model.
func (s *evaluationService) cachedResult(ctx context.Context, actor Actor, document models.Document, hash string) (dto.EvaluationResponse, bool) {
	prior, err := s.evaluations.LatestByUserAndHash(ctx, actor.ID, hash)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Str("document_id", document.ID).Msg("duplicate lookup failed, evaluating fresh")
		}
		return dto.EvaluationResponse{}, false
	}
	if prior.DocumentID == document.ID {
		return dto.EvaluationResponse{}, false
	}

	clone := prior
	clone.ID = uuid.NewString()
	clone.DocumentID = document.ID
	clone.CreatedAt = time.Time{}
	clone.Raw = datatypes.JSONMap{"cached_from": prior.ID}

	moved, err := s.documents.UpdateStatusIfUnsubmitted(ctx, document.ID, models.DocumentStatusCompleted)
	if err != nil || !moved {
		if err != nil {
			s.logger.Error().Err(err).Str("document_id", document.ID).Msg("failed to mark document completed")
		}
		return dto.EvaluationResponse{}, false
	}

	if err := s.evaluations.Create(ctx, &clone); err != nil {
		s.logger.Warn().Err(err).Str("document_id", document.ID).Msg("failed to persist cached evaluation, evaluating fresh")
		return dto.EvaluationResponse{}, false
	}

	s.recorder.Record(ctx, ActivityEntry{
		Actor:  actor,
		Action: models.ActivityActionEvaluate,
		Detail: document.Filename,
		Metadata: map[string]interface{}{
			"document_id":   document.ID,
			"evaluation_id": clone.ID,
			"cached":        true,
		},
	})

	return dto.NewEvaluationResponse(clone, document.Filename), true
}

// content fetches the document text. Plain text downloads raw; binary formats
// go through the drive conversion path.
func (s *evaluationService) content(ctx context.Context, document models.Document) (string, error) {
	if document.MediaType == models.MediaTypeText {
		body, err := s.storage.Download(ctx, document.DriveFileID)
		if err != nil {
			return "", err
		}
		defer body.Close()

		raw, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	return s.storage.ExtractText(ctx, document.DriveFileID)
}

// viewableDocument permits the owner, the owning classroom's teacher, and
// admins to read evaluation data.
func (s *evaluationService) viewableDocument(ctx context.Context, actor Actor, documentID string) (models.Document, error) {
	document, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Document{}, ErrDocumentNotFound
		}
		return models.Document{}, err
	}

	if document.UserID == actor.ID || actor.Role == models.RoleAdmin {
		return document, nil
	}

	if err := s.authorizeClassroomTeacher(ctx, actor, document); err != nil {
		return models.Document{}, err
	}
	return document, nil
}

func (s *evaluationService) authorizeClassroomTeacher(ctx context.Context, actor Actor, document models.Document) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}
	if actor.Role != models.RoleTeacher || document.ClassroomID == nil {
		return ErrUnauthorized
	}

	classroom, err := s.classrooms.GetByID(ctx, *document.ClassroomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if !classroom.OwnedBy(actor.ID) {
		return ErrUnauthorized
	}
	return nil
}

func (s *evaluationService) publish(event string, evaluation models.Evaluation) {
	if s.nats == nil || s.natsSubject == "" {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":         event,
		"evaluation_id": evaluation.ID,
		"document_id":   evaluation.DocumentID,
		"user_id":       evaluation.UserID,
		"overall_score": evaluation.OverallScore,
		"overridden":    evaluation.Overridden,
		"sent_at":       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode evaluation event")
		return
	}

	if err := s.nats.Publish(s.natsSubject, payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish evaluation event")
	}
}

func (s *evaluationService) clean(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(text))
}

func (s *evaluationService) providerName() string {
	switch s.evaluator.(type) {
	case *ai.OpenAIEvaluator:
		return "openai"
	case *ai.AnthropicEvaluator:
		return "anthropic"
	default:
		return "unknown"
	}
}
