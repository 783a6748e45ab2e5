package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/observability"
	"github.com/citu-stde/stde-api/internal/repository"
)

const activityBufferSize = 16

// Actor represents the authenticated user performing an operation.
type Actor struct {
	ID    string
	Email string
	Role  string
}

// Capabilities resolves the actor's capability set.
func (a Actor) Capabilities() models.Capabilities {
	return models.CapabilitiesForRole(a.Role)
}

// ActivityEntry captures the details required to persist an audit entry.
type ActivityEntry struct {
	Actor    Actor
	Action   string
	Detail   string
	Metadata map[string]interface{}
}

// ActivityRecorder defines behaviour for recording audit events.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry)
}

// ActivityService persists the audit trail and fans entries out to the live
// admin stream.
type ActivityService interface {
	ActivityRecorder
	List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error)
	Subscribe() (<-chan dto.ActivityResponse, func())
	Start(ctx context.Context)
}

type activityEvent struct {
	Source string               `json:"source"`
	Entry  dto.ActivityResponse `json:"entry"`
	SentAt time.Time            `json:"sent_at"`
}

type activityBroker struct {
	mu          sync.RWMutex
	subscribers map[chan dto.ActivityResponse]struct{}
}

type activityService struct {
	repo        repository.ActivityLogRepository
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	broker      *activityBroker
	nodeID      string
}

// NewActivityService constructs the activity log service. The NATS connection
// is optional; without it entries only reach subscribers on this node.
func NewActivityService(repo repository.ActivityLogRepository, natsConn *nats.Conn, subjectBase string, validate *validator.Validate, logger zerolog.Logger) ActivityService {
	subject := ""
	if subjectBase != "" {
		subject = strings.ReplaceAll(subjectBase, ":", ".") + ".activities"
	}

	return &activityService{
		repo:        repo,
		nats:        natsConn,
		natsSubject: subject,
		validator:   validate,
		logger:      logger.With().Str("component", "activity_service").Logger(),
		broker: &activityBroker{
			subscribers: make(map[chan dto.ActivityResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *activityService) Start(ctx context.Context) {
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

// Record persists an audit entry. Failures are logged and swallowed so an
// audit hiccup never fails the operation being audited.
func (s *activityService) Record(ctx context.Context, entry ActivityEntry) {
	action := strings.ToUpper(strings.TrimSpace(entry.Action))
	if action == "" {
		s.logger.Warn().Msg("activity entry without action discarded")
		return
	}

	model := models.ActivityLog{
		ActorID:    entry.Actor.ID,
		ActorEmail: entry.Actor.Email,
		ActorRole:  normalizeRole(entry.Actor.Role),
		Action:     action,
		Detail:     strings.TrimSpace(entry.Detail),
		Metadata:   sanitizeMetadata(entry.Metadata),
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("failed to persist activity log")
		return
	}

	observability.ActivitiesRecordedTotal().WithLabelValues(action).Inc()

	response := dto.NewActivityResponse(model)
	s.broker.broadcast(response)
	if err := s.publish(response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish activity event")
	}
}

func (s *activityService) List(ctx context.Context, req dto.ActivityListRequest) (dto.ActivityListResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ActivityListResponse{}, err
	}

	page := maxInt(req.Page, 1)
	pageSize := clampPageSize(req.PageSize)

	filter := repository.ActivityLogFilter{
		Page:     page,
		PageSize: pageSize,
		Action:   strings.ToUpper(strings.TrimSpace(req.Action)),
	}
	if req.ActorID != "" {
		actorID := req.ActorID
		filter.ActorID = &actorID
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}

	items := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewActivityResponse(entry))
	}

	return dto.ActivityListResponse{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Subscribe attaches a listener to the live activity stream. The returned
// cleanup must be called when the listener goes away.
func (s *activityService) Subscribe() (<-chan dto.ActivityResponse, func()) {
	channel := make(chan dto.ActivityResponse, activityBufferSize)
	s.broker.subscribe(channel)
	observability.FeedClientsActive().Inc()

	cleanup := func() {
		s.broker.unsubscribe(channel)
		observability.FeedClientsActive().Dec()
	}

	return channel, cleanup
}

func (s *activityService) publish(entry dto.ActivityResponse) error {
	if s.nats == nil || s.natsSubject == "" {
		return nil
	}

	event := activityEvent{
		Source: s.nodeID,
		Entry:  entry,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return s.nats.Publish(s.natsSubject, payload)
}

func (s *activityService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "stde-activities", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats activities subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn().Err(err).Msg("failed to drain activity nats subscription")
		}
	}()
}

func (s *activityService) handleEvent(payload []byte) {
	var event activityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid activity event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.broker.broadcast(event.Entry)
}

func (b *activityBroker) subscribe(ch chan dto.ActivityResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = struct{}{}
}

func (b *activityBroker) unsubscribe(ch chan dto.ActivityResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *activityBroker) broadcast(entry dto.ActivityResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	if metadata == nil {
		return datatypes.JSONMap{}
	}

	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "credential") || strings.Contains(lower, "password") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if r == "" {
		return "system"
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampPageSize(size int) int {
	if size <= 0 {
		return 20
	}
	if size > 100 {
		return 100
	}
	return size
}
