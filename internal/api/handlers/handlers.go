package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
)

// CampaignService is the campaign manager surface exposed over HTTP.
type CampaignService interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	GetCampaignMetrics(ctx context.Context, id string) (*domain.CampaignMetrics, error)
	GetConversation(ctx context.Context, id string) (*domain.ConversationState, error)
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message, direction domain.MessageDirection) (*domain.ConversationState, error)
	ListEvents(ctx context.Context, conversationID string, limit int, pagingState []byte) ([]domain.ConversationEvent, []byte, error)
}

// IntakeService stores producer batch requests.
type IntakeService interface {
	Submit(ctx context.Context, req *domain.BatchRequest) (*domain.BatchRequest, error)
	Get(ctx context.Context, id string) (*domain.BatchRequest, error)
}

// HealthCheck probes one backing service.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns CampaignService
	intake    IntakeService
	checks    []HealthCheck
	logger    *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(campaigns CampaignService, intake IntakeService, checks []HealthCheck, logger *zap.Logger) *HandlerSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandlerSet{campaigns: campaigns, intake: intake, checks: checks, logger: logger}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	requests := v1.Group("/batch-requests")
	requests.Post("/", h.submitBatchRequest)
	requests.Get("/:id", h.getBatchRequest)

	campaigns := v1.Group("/campaigns")
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Get("/:id/metrics", h.campaignMetrics)

	conversations := v1.Group("/conversations")
	conversations.Get("/:id", h.getConversation)
	conversations.Post("/:id/messages", h.appendMessage)
	conversations.Get("/:id/events", h.listEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for _, check := range h.checks {
		if err := check.Check(healthCtx); err != nil {
			errs[check.Name] = err.Error()
		}
	}

	status, label := fiber.StatusOK, "ok"
	if len(errs) > 0 {
		status, label = fiber.StatusServiceUnavailable, "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": label, "errors": errs})
}
