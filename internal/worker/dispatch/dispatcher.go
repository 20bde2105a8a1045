package dispatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/queue"
)

// Tasks is the task claim contract the dispatcher consumes.
type Tasks interface {
	ListPending(ctx context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error)
	Claim(ctx context.Context, id, processorID string) (bool, error)
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id string, cause error) error
}

// Publisher delivers stage events to the response stack.
type Publisher interface {
	PublishStageEvent(ctx context.Context, event queue.StageEvent) error
}

// Dispatcher hands stage_message tasks to the response-generation stack over Kafka.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	tasks     Tasks
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New constructs a dispatcher.
func New(cfg config.DispatcherConfig, tasks Tasks, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ProcessorID == "" {
		host, _ := os.Hostname()
		cfg.ProcessorID = fmt.Sprintf("dispatcher-%s-%d", host, os.Getpid())
	}
	return &Dispatcher{
		cfg:       cfg,
		tasks:     tasks,
		publisher: publisher,
		logger:    logger.Named("dispatcher"),
		tracer:    otel.Tracer("campaign.dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for pending tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.String("processor_id", d.cfg.ProcessorID), zap.String("tenant_id", d.cfg.TenantID))
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick dispatches one batch and returns the number of tasks published.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	tasks, err := d.tasks.ListPending(ctx, domain.TaskTypeStageMessage, d.cfg.TenantID, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: list pending: %w", err)
	}

	published := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if d.handle(ctx, task) {
			published++
		}
	}
	if published > 0 {
		d.logger.Info("stage events dispatched", zap.Int("count", published))
	}
	return published, nil
}

func (d *Dispatcher) handle(ctx context.Context, task *domain.Task) bool {
	ctx, span := d.tracer.Start(ctx, "dispatcher.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("tenant.id", task.TenantID),
	))
	defer span.End()
	logger := d.logger.With(zap.String("task_id", task.ID), zap.String("tenant_id", task.TenantID))

	claimed, err := d.tasks.Claim(ctx, task.ID, d.cfg.ProcessorID)
	if err != nil {
		span.RecordError(err)
		logger.Error("claim task", zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	event := queue.StageEventFromTask(task, d.now())
	if err := d.publisher.PublishStageEvent(ctx, event); err != nil {
		span.RecordError(err)
		logger.Error("publish stage event", zap.Error(err), zap.String("conversation_id", event.ConversationID))
		if failErr := d.tasks.Fail(ctx, task.ID, err); failErr != nil {
			logger.Error("mark task failed", zap.Error(failErr))
		}
		return false
	}

	result := map[string]any{"published_at": event.OccurredAt.Format(time.RFC3339Nano)}
	if err := d.tasks.Complete(ctx, task.ID, result); err != nil {
		span.RecordError(err)
		logger.Error("mark task completed", zap.Error(err))
	}
	return true
}
