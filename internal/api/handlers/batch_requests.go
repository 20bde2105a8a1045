package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/conversation-campaign/internal/domain"
)

type batchRequestBody struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ServiceType string           `json:"service_type"`
	Name        string           `json:"name"`
	Template    *domain.Template `json:"template"`
	Recipients  []string         `json:"recipients"`
	ScheduledAt *string          `json:"scheduled_at"`
	BatchID     string           `json:"batch_id"`
	CreatedBy   string           `json:"created_by"`
}

func (h *HandlerSet) submitBatchRequest(ctx *fiber.Ctx) error {
	var body batchRequestBody
	if err := ctx.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if body.TenantID == "" {
		return fiber.NewError(http.StatusBadRequest, "tenant_id is required")
	}
	scheduledAt, err := parseOptionalTime(body.ScheduledAt)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "scheduled_at must be RFC3339")
	}

	req, err := h.intake.Submit(ctx.UserContext(), &domain.BatchRequest{
		ID:          body.ID,
		TenantID:    body.TenantID,
		ServiceType: body.ServiceType,
		Name:        body.Name,
		Template:    body.Template,
		Recipients:  body.Recipients,
		ScheduledAt: scheduledAt,
		BatchID:     body.BatchID,
		CreatedBy:   body.CreatedBy,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(req)
}

func (h *HandlerSet) getBatchRequest(ctx *fiber.Ctx) error {
	req, err := h.intake.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(req)
}
