package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// BatchRequestRepository is an in-memory repository.BatchRequestRepository.
type BatchRequestRepository struct {
	mu    sync.Mutex
	items map[string]*domain.BatchRequest
	now   func() time.Time
}

// NewBatchRequestRepository builds an empty repository.
func NewBatchRequestRepository() *BatchRequestRepository {
	return &BatchRequestRepository{items: make(map[string]*domain.BatchRequest), now: time.Now}
}

func (r *BatchRequestRepository) Create(_ context.Context, req *domain.BatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[req.ID]; ok {
		return repository.ErrConflict
	}
	r.items[req.ID] = cloneBatchRequest(req)
	return nil
}

func (r *BatchRequestRepository) Get(_ context.Context, id string) (*domain.BatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneBatchRequest(req), nil
}

func (r *BatchRequestRepository) ListNew(_ context.Context, serviceType string, limit int) ([]*domain.BatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.BatchRequest
	for _, req := range r.items {
		if req.Status == domain.BatchRequestStatusNew && req.ServiceType == serviceType {
			out = append(out, cloneBatchRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BatchRequestRepository) MarkProcessing(_ context.Context, id string) error {
	return r.transition(id, func(req *domain.BatchRequest) bool {
		if req.Status != domain.BatchRequestStatusNew {
			return false
		}
		req.Status = domain.BatchRequestStatusProcessing
		return true
	})
}

func (r *BatchRequestRepository) MarkCompleted(_ context.Context, id, campaignID string) error {
	return r.transition(id, func(req *domain.BatchRequest) bool {
		if req.IsTerminal() {
			return false
		}
		req.Status = domain.BatchRequestStatusCompleted
		req.CampaignID = campaignID
		return true
	})
}

func (r *BatchRequestRepository) MarkFailed(_ context.Context, id, reason string) error {
	return r.transition(id, func(req *domain.BatchRequest) bool {
		if req.IsTerminal() {
			return false
		}
		req.Status = domain.BatchRequestStatusFailed
		req.Error = reason
		return true
	})
}

func (r *BatchRequestRepository) transition(id string, apply func(*domain.BatchRequest) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !apply(req) {
		return repository.ErrClaimLost
	}
	req.UpdatedAt = r.now()
	return nil
}
