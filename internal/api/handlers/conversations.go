package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/service/common"
)

type appendMessageRequest struct {
	ID        string         `json:"id"`
	Direction string         `json:"direction"`
	Content   string         `json:"content"`
	Stage     string         `json:"stage"`
	Timestamp *string        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

type eventsResponse struct {
	Events        []domain.ConversationEvent `json:"events"`
	NextPageToken string                     `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) getConversation(ctx *fiber.Ctx) error {
	conv, err := h.campaigns.GetConversation(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(conv)
}

func (h *HandlerSet) appendMessage(ctx *fiber.Ctx) error {
	var req appendMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	ts, err := parseOptionalTime(req.Timestamp)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "timestamp must be RFC3339")
	}
	msg := domain.Message{
		ID:       req.ID,
		Content:  req.Content,
		Stage:    req.Stage,
		Metadata: req.Metadata,
	}
	if ts != nil {
		msg.Timestamp = *ts
	}

	conv, err := h.campaigns.AppendMessage(ctx.UserContext(), ctx.Params("id"), msg, domain.MessageDirection(req.Direction))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(conv)
}

func (h *HandlerSet) listEvents(ctx *fiber.Ctx) error {
	limit, err := strconv.Atoi(ctx.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 500")
	}
	state, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page_token")
	}

	events, next, err := h.campaigns.ListEvents(ctx.UserContext(), ctx.Params("id"), limit, state)
	if err != nil {
		return translateError(err)
	}
	if events == nil {
		events = []domain.ConversationEvent{}
	}
	return ctx.Status(http.StatusOK).JSON(eventsResponse{Events: events, NextPageToken: common.EncodePageToken(next)})
}

func parseOptionalTime(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
