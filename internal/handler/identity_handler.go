package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/service"
	"github.com/citu-stde/stde-api/internal/session"
	"github.com/citu-stde/stde-api/internal/utils"
)

// SessionResolver loads the caller's session for operations that need the
// explicit per-login state.
type SessionResolver interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// IdentityHandler manages profile and provider account linking endpoints.
type IdentityHandler struct {
	service  service.IdentityService
	sessions SessionResolver
	logger   zerolog.Logger
}

// NewIdentityHandler builds an identity handler instance.
func NewIdentityHandler(service service.IdentityService, sessions SessionResolver, logger zerolog.Logger) *IdentityHandler {
	return &IdentityHandler{
		service:  service,
		sessions: sessions,
		logger:   logger.With().Str("component", "identity_handler").Logger(),
	}
}

// Register attaches the identity routes to the provided router group.
func (h *IdentityHandler) Register(router fiber.Router) {
	router.Get("/me", h.me)
	router.Put("/me", h.updateProfile)
	router.Post("/me/avatar", h.uploadAvatar)
	router.Post("/link", h.link)
}

// RegisterCallback wires the provider callback route. It lives outside the
// authenticated group because the popup posts with the provider grant, not the
// platform credential.
func (h *IdentityHandler) RegisterCallback(router fiber.Router) {
	router.Post("/link/callback/:userId", h.callback)
}

func (h *IdentityHandler) me(c *fiber.Ctx) error {
	user, err := h.service.Get(c.UserContext(), actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "profile retrieved", user)
}

func (h *IdentityHandler) updateProfile(c *fiber.Ctx) error {
	var payload dto.ProfileUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.service.UpdateProfile(c.UserContext(), actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "profile updated", user)
}

func (h *IdentityHandler) uploadAvatar(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	user, err := h.service.UploadAvatar(c.UserContext(), actorFromContext(c), file)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "avatar uploaded", user)
}

// link blocks until the provider popup completes or the handshake times out.
// The caller mints the state secret, hands it to the popup, and sends it here;
// only a callback echoing it can complete the attempt.
func (h *IdentityHandler) link(c *fiber.Ctx) error {
	sessionID := sessionIDFromContext(c)
	if sessionID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "session missing")
	}

	var payload dto.LinkRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	sess, err := h.sessions.Get(c.UserContext(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return utils.SendError(c, fiber.StatusUnauthorized, "session expired")
		}
		return h.handleError(c, err)
	}

	user, err := h.service.Link(c.UserContext(), sess, payload.State)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "account linked", user)
}

func (h *IdentityHandler) callback(c *fiber.Ctx) error {
	var msg dto.LinkSuccessMessage
	if err := c.BodyParser(&msg); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	delivered := h.service.Deliver(c.Get("Origin"), c.Params("userId"), msg)
	if !delivered {
		return utils.SendError(c, fiber.StatusGone, "no link attempt is waiting")
	}

	return utils.SendSuccess(c, "link message delivered", nil)
}

func (h *IdentityHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "user not found")
	case errors.Is(err, service.ErrLinkInFlight):
		return utils.SendError(c, fiber.StatusConflict, "account linking already in progress")
	case errors.Is(err, service.ErrLinkFailed):
		return utils.SendError(c, fiber.StatusBadGateway, "account linking failed")
	case errors.Is(err, service.ErrUploadTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, "image exceeds the maximum allowed size")
	case errors.Is(err, service.ErrUploadTypeNotAllowed):
		return utils.SendError(c, fiber.StatusUnsupportedMediaType, "only image files are accepted")
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
