package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/service"
	"github.com/citu-stde/stde-api/internal/utils"
)

// EvaluationHandler manages AI evaluation endpoints.
type EvaluationHandler struct {
	service service.EvaluationService
	logger  zerolog.Logger
}

// NewEvaluationHandler builds an evaluation handler instance.
func NewEvaluationHandler(service service.EvaluationService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		service: service,
		logger:  logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register attaches the evaluation routes to the provided router group.
func (h *EvaluationHandler) Register(router fiber.Router) {
	router.Get("", h.listMine)
	router.Post("/:documentId/analyze", h.analyze)
	router.Post("/:documentId/override", h.override)
	router.Get("/:documentId", h.current)
	router.Get("/:documentId/history", h.history)
}

// RegisterUsage exposes the quota usage endpoint separately so the router can
// place it under its own path.
func (h *EvaluationHandler) RegisterUsage(router fiber.Router) {
	router.Get("", h.usage)
}

func (h *EvaluationHandler) analyze(c *fiber.Ctx) error {
	evaluation, err := h.service.Analyze(c.UserContext(), actorFromContext(c), c.Params("documentId"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "document evaluated", evaluation)
}

func (h *EvaluationHandler) override(c *fiber.Ctx) error {
	var payload dto.OverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	evaluation, err := h.service.Override(c.UserContext(), actorFromContext(c), c.Params("documentId"), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "score overridden", evaluation)
}

func (h *EvaluationHandler) usage(c *fiber.Ctx) error {
	usage, err := h.service.Usage(c.UserContext(), actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "usage retrieved", usage)
}

func (h *EvaluationHandler) current(c *fiber.Ctx) error {
	evaluation, err := h.service.GetByDocument(c.UserContext(), actorFromContext(c), c.Params("documentId"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation retrieved", evaluation)
}

func (h *EvaluationHandler) history(c *fiber.Ctx) error {
	evaluations, err := h.service.History(c.UserContext(), actorFromContext(c), c.Params("documentId"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation history retrieved", evaluations)
}

func (h *EvaluationHandler) listMine(c *fiber.Ctx) error {
	evaluations, err := h.service.ListByUser(c.UserContext(), actorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluations retrieved", evaluations)
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		return utils.SendError(c, fiber.StatusTooManyRequests, "evaluation limit reached, try again later")
	case errors.Is(err, service.ErrRateLimit):
		return utils.SendError(c, fiber.StatusTooManyRequests, "evaluation provider is rate limited, try again shortly")
	case errors.Is(err, service.ErrServerError):
		return utils.SendError(c, fiber.StatusBadGateway, "evaluation provider failed, try again later")
	case errors.Is(err, service.ErrEvaluatorUnavailable):
		return utils.SendError(c, fiber.StatusServiceUnavailable, "evaluation is not available right now")
	case errors.Is(err, service.ErrDocumentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "document not found")
	case errors.Is(err, service.ErrEvaluationNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "evaluation not found")
	case errors.Is(err, service.ErrInvalidDocument):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "document is not a software testing document")
	case errors.Is(err, service.ErrInvalidScore):
		return utils.SendError(c, fiber.StatusBadRequest, "score must be between 0 and 100")
	case errors.Is(err, service.ErrUnauthorized):
		return utils.SendError(c, fiber.StatusForbidden, "you do not have access to this evaluation")
	case errors.Is(err, service.ErrAlreadySubmitted):
		return utils.SendError(c, fiber.StatusConflict, "document already submitted")
	case errors.Is(err, service.ErrNotEvaluated):
		return utils.SendError(c, fiber.StatusConflict, "document has no evaluation to override")
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
