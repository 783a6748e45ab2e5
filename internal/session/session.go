package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Link states a session moves through while a provider account is attached.
const (
	LinkStateUnlinked = "unlinked"
	LinkStateLinking  = "linking"
	LinkStateLinked   = "linked"
)

// ErrNotFound indicates no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Session is the explicit per-login state passed into component operations
// instead of being looked up from ambient globals. It carries the active
// bearer credential and, during linking, the credential to restore on
// rollback.
type Session struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Role              string    `json:"role"`
	Credential        string    `json:"credential"`
	PreLinkCredential string    `json:"pre_link_credential,omitempty"`
	LinkState         string    `json:"link_state"`
	CreatedAt         time.Time `json:"created_at"`
}

// Manager stores sessions in Redis with a fixed TTL.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager constructs a session manager.
func NewManager(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Manager{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_manager").Logger(),
	}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func linkGuardKey(userID string) string {
	return fmt.Sprintf("session:link-inflight:%s", userID)
}

// Init creates a session at login time.
func (m *Manager) Init(ctx context.Context, userID, role, credential string) (Session, error) {
	sess := Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Role:       role,
		Credential: credential,
		LinkState:  LinkStateUnlinked,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.save(ctx, sess); err != nil {
		return Session{}, err
	}

	return sess, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	payload, err := m.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}

	return sess, nil
}

// Teardown removes a session at logout.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("teardown session: %w", err)
	}
	return nil
}

// BeginLink swaps the active credential to the provider token, remembering the
// pre-link credential for rollback. Only an unlinked session may start.
func (m *Manager) BeginLink(ctx context.Context, id, providerToken string) (Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	if sess.LinkState == LinkStateLinking {
		return Session{}, fmt.Errorf("link already in progress")
	}

	sess.PreLinkCredential = sess.Credential
	sess.Credential = providerToken
	sess.LinkState = LinkStateLinking

	if err := m.save(ctx, sess); err != nil {
		return Session{}, err
	}

	return sess, nil
}

// CommitLink finalizes the credential swap after a successful merge.
func (m *Manager) CommitLink(ctx context.Context, id string) (Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	sess.PreLinkCredential = ""
	sess.LinkState = LinkStateLinked

	if err := m.save(ctx, sess); err != nil {
		return Session{}, err
	}

	return sess, nil
}

// RollbackLink restores the pre-link credential after a failed merge.
func (m *Manager) RollbackLink(ctx context.Context, id string) (Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}

	if sess.PreLinkCredential != "" {
		sess.Credential = sess.PreLinkCredential
	}
	sess.PreLinkCredential = ""
	sess.LinkState = LinkStateUnlinked

	if err := m.save(ctx, sess); err != nil {
		return Session{}, err
	}

	return sess, nil
}

// TryAcquireLinkGuard takes the per-user single-flight lock for a linking
// attempt. A second concurrent trigger observes false and must not interleave.
func (m *Manager) TryAcquireLinkGuard(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	ok, err := m.client.SetNX(ctx, linkGuardKey(userID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire link guard: %w", err)
	}
	return ok, nil
}

// ReleaseLinkGuard frees the single-flight lock.
func (m *Manager) ReleaseLinkGuard(ctx context.Context, userID string) error {
	if err := m.client.Del(ctx, linkGuardKey(userID)).Err(); err != nil {
		return fmt.Errorf("release link guard: %w", err)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := m.client.Set(ctx, sessionKey(sess.ID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	return nil
}
