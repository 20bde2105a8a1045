package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// Service is the create/list/claim/complete/fail hand-off contract shared by producers and consumers.
type Service struct {
	repo   repository.TaskRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the service to a task store.
func NewService(repo repository.TaskRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create enqueues a pending task.
func (s *Service) Create(ctx context.Context, taskType, tenantID string, payload map[string]any) (*domain.Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("%w: task type is required", apperrors.ErrValidation)
	}
	now := s.now()
	t := &domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		TenantID:  tenantID,
		Status:    domain.TaskStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("task service: create: %w", err)
	}
	return t, nil
}

// ListPending returns pending tasks of a type. An empty tenantID lists every tenant.
func (s *Service) ListPending(ctx context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error) {
	tasks, err := s.repo.ListPending(ctx, taskType, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("task service: list pending: %w", err)
	}
	return tasks, nil
}

// Claim takes ownership of a pending task. Losing the race returns false without an error.
func (s *Service) Claim(ctx context.Context, id, processorID string) (bool, error) {
	if processorID == "" {
		return false, fmt.Errorf("%w: processor id is required", apperrors.ErrValidation)
	}
	ok, err := s.repo.Claim(ctx, id, processorID)
	if err != nil {
		return false, fmt.Errorf("task service: claim: %w", err)
	}
	if !ok {
		s.logger.Debug("task already claimed", zap.String("task_id", id))
	}
	return ok, nil
}

// Complete records the result of a claimed task.
func (s *Service) Complete(ctx context.Context, id string, result map[string]any) error {
	if err := s.repo.Complete(ctx, id, result); err != nil {
		return fmt.Errorf("task service: complete: %w", err)
	}
	return nil
}

// Fail records why a claimed task could not be processed.
func (s *Service) Fail(ctx context.Context, id string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.repo.Fail(ctx, id, reason); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			s.logger.Warn("task no longer claimed", zap.String("task_id", id))
		}
		return fmt.Errorf("task service: fail: %w", err)
	}
	return nil
}
