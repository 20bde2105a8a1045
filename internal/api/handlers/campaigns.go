package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	campaign, err := h.campaigns.GetCampaign(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(campaign)
}

func (h *HandlerSet) campaignMetrics(ctx *fiber.Ctx) error {
	metrics, err := h.campaigns.GetCampaignMetrics(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(metrics)
}
