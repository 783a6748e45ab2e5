package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/observability"
	"github.com/citu-stde/stde-api/internal/repository"
	"github.com/citu-stde/stde-api/internal/session"
)

var (
	// ErrUserNotFound indicates the user record cannot be located.
	ErrUserNotFound = errors.New("user not found")
	// ErrLinkInFlight indicates a linking attempt is already running for the user.
	ErrLinkInFlight = errors.New("account linking already in progress")
	// ErrLinkFailed is the single externally visible linking failure. Internal
	// causes are logged, never surfaced.
	ErrLinkFailed = errors.New("account linking failed")
)

// AvatarStorage stores profile imagery and returns a serving URL.
type AvatarStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
	MirrorRemote(ctx context.Context, name, remoteURL string) (string, error)
}

// SessionStore is the slice of the session manager the reconciler drives.
type SessionStore interface {
	Get(ctx context.Context, id string) (session.Session, error)
	BeginLink(ctx context.Context, id, providerToken string) (session.Session, error)
	CommitLink(ctx context.Context, id string) (session.Session, error)
	RollbackLink(ctx context.Context, id string) (session.Session, error)
	TryAcquireLinkGuard(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	ReleaseLinkGuard(ctx context.Context, userID string) error
}

// IdentityService manages profiles and the provider account linking handshake.
type IdentityService interface {
	Get(ctx context.Context, actor Actor) (dto.UserResponse, error)
	UpdateProfile(ctx context.Context, actor Actor, payload dto.ProfileUpdateRequest) (dto.UserResponse, error)
	UploadAvatar(ctx context.Context, actor Actor, file *multipart.FileHeader) (dto.UserResponse, error)
	// Link runs the whole handshake for the session's user: it waits for the
	// provider callback to deliver a LINK_SUCCESS message carrying the given
	// state secret, then merges the provider identity into the local profile
	// all-or-nothing.
	Link(ctx context.Context, sess session.Session, state string) (dto.UserResponse, error)
	// Deliver hands a provider callback message to the waiting Link call.
	// Messages from the wrong origin, with the wrong type, or whose state does
	// not match the waiter's are dropped; the return reports whether a waiter
	// received it.
	Deliver(origin, userID string, msg dto.LinkSuccessMessage) bool
}

// linkBroker routes provider callback messages to the single waiting Link call
// per user. A message only reaches the waiter when it echoes the waiter's
// state secret.
type linkBroker struct {
	mu      sync.Mutex
	waiters map[string]*linkWaiter
}

type linkWaiter struct {
	state string
	ch    chan dto.LinkSuccessMessage
}

type identityService struct {
	users         repository.UserRepository
	sessions      SessionStore
	avatars       AvatarStorage
	recorder      ActivityRecorder
	nats          *nats.Conn
	natsSubject   string
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	broker        *linkBroker
	allowedOrigin string
	linkTimeout   time.Duration
	now           func() time.Time
}

// NewIdentityService constructs the identity service. allowedOrigin is the only
// origin link callback messages are accepted from.
func NewIdentityService(users repository.UserRepository, sessions SessionStore, avatars AvatarStorage, recorder ActivityRecorder, natsConn *nats.Conn, subjectBase string, validate *validator.Validate, allowedOrigin string, linkTimeout time.Duration, logger zerolog.Logger) IdentityService {
	if linkTimeout <= 0 {
		linkTimeout = 2 * time.Minute
	}

	subject := ""
	if subjectBase != "" {
		subject = strings.ReplaceAll(subjectBase, ":", ".") + ".identity"
	}

	return &identityService{
		users:         users,
		sessions:      sessions,
		avatars:       avatars,
		recorder:      recorder,
		nats:          natsConn,
		natsSubject:   subject,
		validator:     validate,
		logger:        logger.With().Str("component", "identity_service").Logger(),
		tracer:        otel.Tracer("github.com/citu-stde/stde-api/internal/service/identity"),
		broker:        &linkBroker{waiters: make(map[string]*linkWaiter)},
		allowedOrigin: strings.TrimRight(allowedOrigin, "/"),
		linkTimeout:   linkTimeout,
		now:           time.Now,
	}
}

func (s *identityService) Get(ctx context.Context, actor Actor) (dto.UserResponse, error) {
	user, err := s.getUser(ctx, actor.ID)
	if err != nil {
		return dto.UserResponse{}, err
	}
	return dto.NewUserResponse(user), nil
}

func (s *identityService) UpdateProfile(ctx context.Context, actor Actor, payload dto.ProfileUpdateRequest) (dto.UserResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.UserResponse{}, err
	}

	user, err := s.getUser(ctx, actor.ID)
	if err != nil {
		return dto.UserResponse{}, err
	}

	user.Firstname = strings.TrimSpace(payload.Firstname)
	user.Lastname = strings.TrimSpace(payload.Lastname)

	if err := s.users.Update(ctx, &user); err != nil {
		return dto.UserResponse{}, err
	}

	return dto.NewUserResponse(user), nil
}

func (s *identityService) UploadAvatar(ctx context.Context, actor Actor, file *multipart.FileHeader) (dto.UserResponse, error) {
	if file == nil {
		return dto.UserResponse{}, errors.New("file is required")
	}

	handle, err := file.Open()
	if err != nil {
		return dto.UserResponse{}, err
	}
	defer handle.Close()

	payload, err := io.ReadAll(io.LimitReader(handle, 5*1024*1024+1))
	if err != nil {
		return dto.UserResponse{}, err
	}
	if len(payload) > 5*1024*1024 {
		return dto.UserResponse{}, ErrUploadTooLarge
	}
	if !strings.HasPrefix(mimetype.Detect(payload).String(), "image/") {
		return dto.UserResponse{}, ErrUploadTypeNotAllowed
	}

	user, err := s.getUser(ctx, actor.ID)
	if err != nil {
		return dto.UserResponse{}, err
	}

	url, err := s.avatars.Upload(ctx, file.Filename, bytes.NewReader(payload))
	if err != nil {
		return dto.UserResponse{}, err
	}

	user.AvatarURL = url
	if err := s.users.Update(ctx, &user); err != nil {
		return dto.UserResponse{}, err
	}

	return dto.NewUserResponse(user), nil
}

func (s *identityService) Link(ctx context.Context, sess session.Session, state string) (dto.UserResponse, error) {
	ctx, span := s.tracer.Start(ctx, "identity.link", trace.WithAttributes(
		attribute.String("user.id", sess.UserID),
	))
	defer span.End()

	if err := s.validator.Var(state, "required,min=16"); err != nil {
		return dto.UserResponse{}, err
	}

	acquired, err := s.sessions.TryAcquireLinkGuard(ctx, sess.UserID, s.linkTimeout)
	if err != nil {
		return dto.UserResponse{}, err
	}
	if !acquired {
		return dto.UserResponse{}, ErrLinkInFlight
	}
	defer func() {
		if err := s.sessions.ReleaseLinkGuard(context.WithoutCancel(ctx), sess.UserID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("failed to release link guard")
		}
	}()

	msg, err := s.await(ctx, sess.UserID, state)
	if err != nil {
		span.RecordError(err)
		observability.LinkAttemptsTotal().WithLabelValues("timeout").Inc()
		return dto.UserResponse{}, ErrLinkFailed
	}

	response, err := s.merge(ctx, sess, msg)
	if err != nil {
		span.RecordError(err)
		observability.LinkAttemptsTotal().WithLabelValues("failed").Inc()
		return dto.UserResponse{}, err
	}

	observability.LinkAttemptsTotal().WithLabelValues("linked").Inc()
	return response, nil
}

func (s *identityService) Deliver(origin, userID string, msg dto.LinkSuccessMessage) bool {
	if strings.TrimRight(origin, "/") != s.allowedOrigin {
		s.logger.Warn().Str("origin", origin).Msg("link message from unexpected origin dropped")
		return false
	}
	if msg.Type != dto.LinkMessageTypeSuccess || strings.TrimSpace(msg.Token) == "" || strings.TrimSpace(msg.State) == "" {
		s.logger.Warn().Str("type", msg.Type).Msg("malformed link message dropped")
		return false
	}

	delivered := s.broker.deliver(userID, msg)
	if !delivered {
		s.logger.Warn().Str("user_id", userID).Msg("link message had no matching waiter, dropped")
	}
	return delivered
}

// await blocks until the callback delivers a message, the link timeout lapses,
// or the caller's context ends.
func (s *identityService) await(ctx context.Context, userID, state string) (dto.LinkSuccessMessage, error) {
	ch, cleanup, err := s.broker.subscribe(userID, state)
	if err != nil {
		return dto.LinkSuccessMessage{}, err
	}
	defer cleanup()

	timer := time.NewTimer(s.linkTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return dto.LinkSuccessMessage{}, errors.New("link handshake timed out")
	case <-ctx.Done():
		return dto.LinkSuccessMessage{}, ctx.Err()
	}
}

// merge applies the provider identity to the local profile. The local
// professional name always wins; the provider avatar is only adopted when the
// local profile has none. Any failure restores the pre-link credential.
func (s *identityService) merge(ctx context.Context, sess session.Session, msg dto.LinkSuccessMessage) (dto.UserResponse, error) {
	user, err := s.getUser(ctx, sess.UserID)
	if err != nil {
		return dto.UserResponse{}, ErrLinkFailed
	}

	// Snapshot the row before anything is touched. Rollback restores this
	// exact profile, so a half-applied merge never survives.
	snapshot := user

	if _, err := s.sessions.BeginLink(ctx, sess.ID, msg.Token); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to begin credential swap")
		return dto.UserResponse{}, ErrLinkFailed
	}

	rollback := func(cause error) (dto.UserResponse, error) {
		if err := s.users.Update(context.WithoutCancel(ctx), &snapshot); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to restore profile after link failure")
		}
		if _, err := s.sessions.RollbackLink(context.WithoutCancel(ctx), sess.ID); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to roll back credential swap")
		}
		s.logger.Error().Err(cause).Str("user_id", user.ID).Msg("link merge failed, rolled back")
		return dto.UserResponse{}, ErrLinkFailed
	}

	// The local professional name always survives the merge.
	if user.Firstname == "" {
		user.Firstname = strings.TrimSpace(msg.Profile.Firstname)
	}
	if user.Lastname == "" {
		user.Lastname = strings.TrimSpace(msg.Profile.Lastname)
	}

	if user.AvatarURL == "" && msg.Profile.AvatarURL != "" {
		url, err := s.avatars.MirrorRemote(ctx, "avatar-"+user.ID, msg.Profile.AvatarURL)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("avatar mirror failed, keeping provider url")
			url = msg.Profile.AvatarURL
		}
		user.AvatarURL = url
	}

	linkedAt := s.now().UTC()
	user.ProviderEmail = strings.TrimSpace(msg.Profile.Email)
	user.ProviderLinked = true
	user.LinkedAt = &linkedAt

	if err := s.users.Update(ctx, &user); err != nil {
		return rollback(err)
	}

	if _, err := s.sessions.CommitLink(ctx, sess.ID); err != nil {
		return rollback(err)
	}

	s.publishLinked(user)
	s.recorder.Record(ctx, ActivityEntry{
		Actor:  Actor{ID: user.ID, Email: user.Email, Role: user.Role},
		Action: models.ActivityActionLink,
		Detail: user.ProviderEmail,
		Metadata: map[string]interface{}{
			"provider_email": user.ProviderEmail,
		},
	})

	return dto.NewUserResponse(user), nil
}

func (s *identityService) publishLinked(user models.User) {
	if s.nats == nil || s.natsSubject == "" {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":   "identity.linked",
		"user_id": user.ID,
		"sent_at": s.now().UTC(),
	})
	if err != nil {
		return
	}

	if err := s.nats.Publish(s.natsSubject, payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish identity event")
	}
}

func (s *identityService) getUser(ctx context.Context, id string) (models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func (b *linkBroker) subscribe(userID, state string) (<-chan dto.LinkSuccessMessage, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.waiters[userID]; exists {
		return nil, nil, ErrLinkInFlight
	}

	waiter := &linkWaiter{state: state, ch: make(chan dto.LinkSuccessMessage, 1)}
	b.waiters[userID] = waiter

	cleanup := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.waiters, userID)
	}

	return waiter.ch, cleanup, nil
}

func (b *linkBroker) deliver(userID string, msg dto.LinkSuccessMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiter, ok := b.waiters[userID]
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(waiter.state), []byte(msg.State)) != 1 {
		return false
	}

	select {
	case waiter.ch <- msg:
		return true
	default:
		return false
	}
}
