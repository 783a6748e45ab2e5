package contract_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/citu-stde/stde-api/internal/dto"
	"github.com/citu-stde/stde-api/internal/handler"
	"github.com/citu-stde/stde-api/internal/middleware"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/service"
)

type stubActivityService struct {
	list dto.ActivityListResponse
}

func (s stubActivityService) Record(context.Context, service.ActivityEntry) {}

func (s stubActivityService) List(context.Context, dto.ActivityListRequest) (dto.ActivityListResponse, error) {
	return s.list, nil
}

func (s stubActivityService) Subscribe() (<-chan dto.ActivityResponse, func()) {
	ch := make(chan dto.ActivityResponse)
	return ch, func() { close(ch) }
}

func (s stubActivityService) Start(context.Context) {}

func TestActivityListContract(t *testing.T) {
	schema := compileSchema(t, "activity_list.schema.json")

	now := time.Now().UTC()
	stub := stubActivityService{list: dto.ActivityListResponse{
		Items: []dto.ActivityResponse{
			{
				ID:         1,
				ActorID:    uuid.NewString(),
				ActorEmail: "student@example.com",
				ActorRole:  models.RoleStudent,
				Action:     "EVALUATE",
				Detail:     "regression.pdf",
				Metadata:   map[string]interface{}{"document_id": uuid.NewString()},
				CreatedAt:  now,
			},
			{
				ID:        2,
				ActorID:   uuid.NewString(),
				ActorRole: models.RoleTeacher,
				Action:    "OVERRIDE",
				Detail:    "regression.pdf",
				CreatedAt: now.Add(-time.Minute),
			},
		},
		Total:    2,
		Page:     1,
		PageSize: 20,
	}}

	adminAuth := func(c *fiber.Ctx) error {
		c.Locals("user_id", uuid.NewString())
		c.Locals("user_role", models.RoleAdmin)
		return c.Next()
	}

	app := fiber.New()
	activities := app.Group("/api/v1/activities", adminAuth, middleware.RequireRole(models.RoleAdmin))
	handler.NewActivityHandler(stub, zerolog.Nop()).Register(activities)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities?page=1&page_size=20", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	validateBody(t, resp, schema)
}
