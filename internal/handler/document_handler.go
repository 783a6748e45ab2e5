package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/service"
	"github.com/citu-stde/stde-api/internal/utils"
)

// DocumentHandler manages document lifecycle endpoints.
type DocumentHandler struct {
	service service.DocumentService
	logger  zerolog.Logger
}

// NewDocumentHandler builds a document handler instance.
func NewDocumentHandler(service service.DocumentService, logger zerolog.Logger) *DocumentHandler {
	return &DocumentHandler{
		service: service,
		logger:  logger.With().Str("component", "document_handler").Logger(),
	}
}

// Register attaches the document routes to the provided router group.
func (h *DocumentHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("", h.upload)
	router.Post("/import", h.importFromDrive)
	router.Get("/classroom/:classroomId", h.listForClassroom)
	router.Get("/:id", h.get)
	router.Delete("/:id", h.delete)
	router.Post("/:id/submit", h.submit)
}

func (h *DocumentHandler) list(c *fiber.Ctx) error {
	var filter dto.DocumentFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	documents, err := h.service.List(c.UserContext(), actorFromContext(c), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "documents retrieved", documents)
}

func (h *DocumentHandler) upload(c *fiber.Ctx) error {
	payload := dto.DocumentUploadRequest{}
	if classroomID := strings.TrimSpace(c.FormValue("classroom_id")); classroomID != "" {
		payload.ClassroomID = &classroomID
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	document, err := h.service.Upload(c.UserContext(), actorFromContext(c), file, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "document uploaded", document)
}

func (h *DocumentHandler) importFromDrive(c *fiber.Ctx) error {
	var payload dto.DocumentImportRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	document, err := h.service.ImportFromDrive(c.UserContext(), actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "document imported", document)
}

func (h *DocumentHandler) listForClassroom(c *fiber.Ctx) error {
	classroomID := c.Params("classroomId")
	if classroomID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "classroom id required")
	}

	documents, err := h.service.ListForClassroom(c.UserContext(), actorFromContext(c), classroomID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "classroom submissions retrieved", documents)
}

func (h *DocumentHandler) get(c *fiber.Ctx) error {
	document, err := h.service.Get(c.UserContext(), actorFromContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "document retrieved", document)
}

func (h *DocumentHandler) delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), actorFromContext(c), c.Params("id")); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "document deleted", nil)
}

func (h *DocumentHandler) submit(c *fiber.Ctx) error {
	document, err := h.service.Submit(c.UserContext(), actorFromContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "document submitted", document)
}

func (h *DocumentHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "document not found")
	case errors.Is(err, service.ErrClassroomNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "classroom not found")
	case errors.Is(err, service.ErrUnauthorized):
		return utils.SendError(c, fiber.StatusForbidden, "you do not have access to this document")
	case errors.Is(err, service.ErrAlreadySubmitted):
		return utils.SendError(c, fiber.StatusConflict, "document already submitted")
	case errors.Is(err, service.ErrNotEvaluated):
		return utils.SendError(c, fiber.StatusConflict, "document must be evaluated before submission")
	case errors.Is(err, service.ErrClassroomRequired):
		return utils.SendError(c, fiber.StatusBadRequest, "document is not attached to a classroom")
	case errors.Is(err, service.ErrUploadTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, "file exceeds the maximum allowed size")
	case errors.Is(err, service.ErrUploadTypeNotAllowed):
		return utils.SendError(c, fiber.StatusUnsupportedMediaType, "only PDF, DOCX and plain text files are accepted")
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
