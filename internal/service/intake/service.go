package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// Service accepts batch requests from producers and stores them for the poller.
type Service struct {
	repo   repository.BatchRequestRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewService constructs the intake service.
func NewService(repo repository.BatchRequestRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Submit stores req with status new. A request whose id already exists returns ErrConflict.
// Structural checks are left to the poller so that bad requests still show up as failed records.
func (s *Service) Submit(ctx context.Context, req *domain.BatchRequest) (*domain.BatchRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: batch request is required", apperrors.ErrValidation)
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ServiceType == "" {
		req.ServiceType = domain.ServiceTypeCommunication
	}
	now := s.now()
	req.Status = domain.BatchRequestStatusNew
	req.CampaignID = ""
	req.Error = ""
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("intake: store batch request %s: %w", req.ID, err)
	}
	s.logger.Info("batch request accepted",
		zap.String("batch_request_id", req.ID),
		zap.String("tenant_id", req.TenantID),
		zap.Int("recipients", len(req.Recipients)))
	return req, nil
}

// Get returns a stored batch request.
func (s *Service) Get(ctx context.Context, id string) (*domain.BatchRequest, error) {
	return s.repo.Get(ctx, id)
}
