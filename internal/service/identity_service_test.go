package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/session"
)

type userRepoStub struct {
	mu        sync.Mutex
	users     map[string]models.User
	updateErr error
}

func newUserRepoStub(users ...models.User) *userRepoStub {
	s := &userRepoStub{users: make(map[string]models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *userRepoStub) GetByID(ctx context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return models.User{}, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (s *userRepoStub) GetByEmail(ctx context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, gorm.ErrRecordNotFound
}

func (s *userRepoStub) Update(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.users[user.ID] = *user
	return nil
}

type sessionStoreStub struct {
	mu           sync.Mutex
	sessions     map[string]session.Session
	guardTaken   bool
	guardDenied  bool
	commitErr    error
	beginCalls   int
	commitCalls  int
	rollbackCalls int
}

func newSessionStoreStub(sessions ...session.Session) *sessionStoreStub {
	s := &sessionStoreStub{sessions: make(map[string]session.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *sessionStoreStub) Get(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (s *sessionStoreStub) BeginLink(ctx context.Context, id, providerToken string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	s.beginCalls++
	sess.PreLinkCredential = sess.Credential
	sess.Credential = providerToken
	sess.LinkState = session.LinkStateLinking
	s.sessions[id] = sess
	return sess, nil
}

func (s *sessionStoreStub) CommitLink(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return session.Session{}, s.commitErr
	}
	sess := s.sessions[id]
	s.commitCalls++
	sess.PreLinkCredential = ""
	sess.LinkState = session.LinkStateLinked
	s.sessions[id] = sess
	return sess, nil
}

func (s *sessionStoreStub) RollbackLink(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	s.rollbackCalls++
	if sess.PreLinkCredential != "" {
		sess.Credential = sess.PreLinkCredential
	}
	sess.PreLinkCredential = ""
	sess.LinkState = session.LinkStateUnlinked
	s.sessions[id] = sess
	return sess, nil
}

func (s *sessionStoreStub) TryAcquireLinkGuard(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guardDenied || s.guardTaken {
		return false, nil
	}
	s.guardTaken = true
	return true, nil
}

func (s *sessionStoreStub) ReleaseLinkGuard(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardTaken = false
	return nil
}

type avatarStub struct {
	mu         sync.Mutex
	uploads    []string
	mirrors    []string
	mirrorErr  error
	url        string
}

func (s *avatarStub) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, name)
	if s.url == "" {
		return "https://cdn.example.com/" + name, nil
	}
	return s.url, nil
}

func (s *avatarStub) MirrorRemote(ctx context.Context, name, remoteURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirrorErr != nil {
		return "", s.mirrorErr
	}
	s.mirrors = append(s.mirrors, remoteURL)
	return "https://cdn.example.com/" + name, nil
}

func newIdentityService(users *userRepoStub, sessions *sessionStoreStub, avatars *avatarStub, recorder ActivityRecorder, origin string, timeout time.Duration) IdentityService {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewIdentityService(users, sessions, avatars, recorder, nil, "stde", validate, origin, timeout, zerolog.Nop())
}

func linkFixture() (models.User, session.Session) {
	user := models.User{
		ID:        uuid.NewString(),
		Firstname: "Maria",
		Lastname:  "Santos",
		Email:     "maria@example.com",
		Role:      models.RoleStudent,
		IsActive:  true,
	}
	sess := session.Session{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Role:       user.Role,
		Credential: "platform-jwt",
		LinkState:  session.LinkStateUnlinked,
		CreatedAt:  time.Now().UTC(),
	}
	return user, sess
}

const linkState = "a3f09c2d71e84b56d0f2"

func successMessage() dto.LinkSuccessMessage {
	return dto.LinkSuccessMessage{
		Type:  dto.LinkMessageTypeSuccess,
		Token: "provider-grant",
		State: linkState,
		Profile: dto.ProviderProfile{
			Firstname: "Maria Clara",
			Lastname:  "Santos-Reyes",
			Email:     "maria.santos@gmail.com",
			AvatarURL: "https://lh3.example.com/photo.jpg",
		},
	}
}

func TestLinkMergesProviderIdentity(t *testing.T) {
	user, sess := linkFixture()
	users := newUserRepoStub(user)
	sessions := newSessionStoreStub(sess)
	avatars := &avatarStub{}
	recorder := &recorderStub{}

	svc := newIdentityService(users, sessions, avatars, recorder, "https://app.example.com", 2*time.Second)

	type linkResult struct {
		response dto.UserResponse
		err      error
	}
	done := make(chan linkResult, 1)
	go func() {
		response, err := svc.Link(context.Background(), sess, linkState)
		done <- linkResult{response, err}
	}()

	require.Eventually(t, func() bool {
		return svc.Deliver("https://app.example.com", user.ID, successMessage())
	}, time.Second, 10*time.Millisecond)

	result := <-done
	require.NoError(t, result.err)

	// The local professional name always survives the merge.
	require.Equal(t, "Maria", result.response.Firstname)
	require.Equal(t, "Santos", result.response.Lastname)
	require.True(t, result.response.ProviderLinked)
	require.Equal(t, "maria.santos@gmail.com", result.response.ProviderEmail)
	require.NotNil(t, result.response.LinkedAt)
	require.Equal(t, "https://cdn.example.com/avatar-"+user.ID, result.response.AvatarURL)

	require.Equal(t, 1, sessions.commitCalls)
	require.Equal(t, 0, sessions.rollbackCalls)
	require.Contains(t, recorder.actions(), models.ActivityActionLink)
}

func TestLinkFillsBlankNameFromProvider(t *testing.T) {
	user, sess := linkFixture()
	user.Firstname = ""
	user.Lastname = ""
	users := newUserRepoStub(user)
	sessions := newSessionStoreStub(sess)

	svc := newIdentityService(users, sessions, &avatarStub{}, &recorderStub{}, "https://app.example.com", 2*time.Second)

	done := make(chan dto.UserResponse, 1)
	go func() {
		response, err := svc.Link(context.Background(), sess, linkState)
		require.NoError(t, err)
		done <- response
	}()

	require.Eventually(t, func() bool {
		return svc.Deliver("https://app.example.com", user.ID, successMessage())
	}, time.Second, 10*time.Millisecond)

	response := <-done
	require.Equal(t, "Maria Clara", response.Firstname)
	require.Equal(t, "Santos-Reyes", response.Lastname)
}

func TestLinkKeepsProviderURLWhenMirrorFails(t *testing.T) {
	user, sess := linkFixture()
	users := newUserRepoStub(user)
	sessions := newSessionStoreStub(sess)
	avatars := &avatarStub{mirrorErr: errors.New("cloudinary down")}

	svc := newIdentityService(users, sessions, avatars, &recorderStub{}, "https://app.example.com", 2*time.Second)

	done := make(chan dto.UserResponse, 1)
	go func() {
		response, err := svc.Link(context.Background(), sess, linkState)
		require.NoError(t, err)
		done <- response
	}()

	require.Eventually(t, func() bool {
		return svc.Deliver("https://app.example.com", user.ID, successMessage())
	}, time.Second, 10*time.Millisecond)

	response := <-done
	require.Equal(t, "https://lh3.example.com/photo.jpg", response.AvatarURL)
}

func TestDeliverRejectsForeignOrigin(t *testing.T) {
	user, sess := linkFixture()
	svc := newIdentityService(newUserRepoStub(user), newSessionStoreStub(sess), &avatarStub{}, &recorderStub{}, "https://app.example.com", 100*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Link(context.Background(), sess, linkState)
		done <- err
	}()

	// Give the waiter time to register, then post from the wrong origin.
	time.Sleep(20 * time.Millisecond)
	require.False(t, svc.Deliver("https://evil.example.com", user.ID, successMessage()))

	require.ErrorIs(t, <-done, ErrLinkFailed)
}

func TestDeliverRejectsMalformedMessage(t *testing.T) {
	user, sess := linkFixture()
	svc := newIdentityService(newUserRepoStub(user), newSessionStoreStub(sess), &avatarStub{}, &recorderStub{}, "https://app.example.com", time.Second)

	msg := successMessage()
	msg.Type = "LINK_ERROR"
	require.False(t, svc.Deliver("https://app.example.com", user.ID, msg))

	msg = successMessage()
	msg.Token = "  "
	require.False(t, svc.Deliver("https://app.example.com", user.ID, msg))

	// No waiter registered either way.
	require.False(t, svc.Deliver("https://app.example.com", user.ID, successMessage()))
}

func TestLinkSecondAttemptBlocked(t *testing.T) {
	user, sess := linkFixture()
	sessions := newSessionStoreStub(sess)
	sessions.guardDenied = true

	svc := newIdentityService(newUserRepoStub(user), sessions, &avatarStub{}, &recorderStub{}, "https://app.example.com", time.Second)

	_, err := svc.Link(context.Background(), sess, linkState)
	require.ErrorIs(t, err, ErrLinkInFlight)
}

func TestLinkRollsBackWhenProfileUpdateFails(t *testing.T) {
	user, sess := linkFixture()
	users := newUserRepoStub(user)
	users.updateErr = errors.New("write timeout")
	sessions := newSessionStoreStub(sess)

	svc := newIdentityService(users, sessions, &avatarStub{}, &recorderStub{}, "https://app.example.com", 2*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Link(context.Background(), sess, linkState)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return svc.Deliver("https://app.example.com", user.ID, successMessage())
	}, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, <-done, ErrLinkFailed)
	require.Equal(t, 1, sessions.rollbackCalls)
	require.Equal(t, 0, sessions.commitCalls)

	restored, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "platform-jwt", restored.Credential)
	require.Equal(t, session.LinkStateUnlinked, restored.LinkState)
}

func TestDeliverRejectsWrongState(t *testing.T) {
	user, sess := linkFixture()
	svc := newIdentityService(newUserRepoStub(user), newSessionStoreStub(sess), &avatarStub{}, &recorderStub{}, "https://app.example.com", 100*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Link(context.Background(), sess, linkState)
		done <- err
	}()

	// Right origin, right shape, but a state the opener never minted.
	time.Sleep(20 * time.Millisecond)
	msg := successMessage()
	msg.State = "f00dfacefeedbeef1234"
	require.False(t, svc.Deliver("https://app.example.com", user.ID, msg))

	require.ErrorIs(t, <-done, ErrLinkFailed)
}

func TestLinkRestoresProfileWhenCommitFails(t *testing.T) {
	user, sess := linkFixture()
	users := newUserRepoStub(user)
	sessions := newSessionStoreStub(sess)
	sessions.commitErr = errors.New("redis write failed")

	svc := newIdentityService(users, sessions, &avatarStub{}, &recorderStub{}, "https://app.example.com", 2*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Link(context.Background(), sess, linkState)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return svc.Deliver("https://app.example.com", user.ID, successMessage())
	}, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, <-done, ErrLinkFailed)
	require.Equal(t, 1, sessions.rollbackCalls)

	// The user row carries no trace of the half-applied merge.
	restored, err := users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, restored.ProviderLinked)
	require.Empty(t, restored.ProviderEmail)
	require.Nil(t, restored.LinkedAt)
	require.Empty(t, restored.AvatarURL)

	restoredSess, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "platform-jwt", restoredSess.Credential)
	require.Equal(t, session.LinkStateUnlinked, restoredSess.LinkState)
}

func TestLinkTimesOutWithoutCallback(t *testing.T) {
	user, sess := linkFixture()
	sessions := newSessionStoreStub(sess)

	svc := newIdentityService(newUserRepoStub(user), sessions, &avatarStub{}, &recorderStub{}, "https://app.example.com", 50*time.Millisecond)

	_, err := svc.Link(context.Background(), sess, linkState)
	require.ErrorIs(t, err, ErrLinkFailed)
	require.False(t, sessions.guardTaken)
}

func TestUpdateProfileTrimsAndValidates(t *testing.T) {
	user, _ := linkFixture()
	users := newUserRepoStub(user)
	svc := newIdentityService(users, newSessionStoreStub(), &avatarStub{}, &recorderStub{}, "", time.Second)
	actor := Actor{ID: user.ID, Email: user.Email, Role: user.Role}

	response, err := svc.UpdateProfile(context.Background(), actor, dto.ProfileUpdateRequest{
		Firstname: "  Juan  ",
		Lastname:  "  Dela Cruz  ",
	})
	require.NoError(t, err)
	require.Equal(t, "Juan", response.Firstname)
	require.Equal(t, "Dela Cruz", response.Lastname)

	_, err = svc.UpdateProfile(context.Background(), actor, dto.ProfileUpdateRequest{Firstname: "Juan"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestUploadAvatarRejectsNonImage(t *testing.T) {
	user, _ := linkFixture()
	svc := newIdentityService(newUserRepoStub(user), newSessionStoreStub(), &avatarStub{}, &recorderStub{}, "", time.Second)
	actor := Actor{ID: user.ID, Role: user.Role}

	header := buildFileHeader(t, "notes.txt", []byte("plain text body"))
	_, err := svc.UploadAvatar(context.Background(), actor, header)
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)
}

func TestUploadAvatarStoresImage(t *testing.T) {
	user, _ := linkFixture()
	users := newUserRepoStub(user)
	avatars := &avatarStub{}
	svc := newIdentityService(users, newSessionStoreStub(), avatars, &recorderStub{}, "", time.Second)
	actor := Actor{ID: user.ID, Role: user.Role}

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	header := buildFileHeader(t, "portrait.png", pngHeader)

	response, err := svc.UploadAvatar(context.Background(), actor, header)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/portrait.png", response.AvatarURL)
	require.Equal(t, []string{"portrait.png"}, avatars.uploads)
}

func TestGetUnknownUser(t *testing.T) {
	svc := newIdentityService(newUserRepoStub(), newSessionStoreStub(), &avatarStub{}, &recorderStub{}, "", time.Second)

	_, err := svc.Get(context.Background(), Actor{ID: uuid.NewString()})
	require.ErrorIs(t, err, ErrUserNotFound)
}
