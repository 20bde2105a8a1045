package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// CampaignRepository is an in-memory repository.CampaignRepository.
type CampaignRepository struct {
	mu    sync.Mutex
	items map[string]*domain.Campaign
	now   func() time.Time
}

// NewCampaignRepository builds an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{items: make(map[string]*domain.Campaign), now: time.Now}
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.items[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return r.list(limit, func(c *domain.Campaign) bool { return c.Status == status }), nil
}

func (r *CampaignRepository) ListScheduledDue(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	return r.list(limit, func(c *domain.Campaign) bool {
		return c.Status == domain.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}), nil
}

func (r *CampaignRepository) list(limit int, match func(*domain.Campaign) bool) []*domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.items {
		if match(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *CampaignRepository) TransitionStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != from {
		return repository.ErrClaimLost
	}
	c.Status = to
	c.UpdatedAt = r.now()
	return nil
}

func (r *CampaignRepository) Complete(_ context.Context, id string, metrics *domain.CampaignMetrics, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != domain.CampaignStatusActive {
		return repository.ErrClaimLost
	}
	c.Status = domain.CampaignStatusCompleted
	c.Metadata.FinalMetrics = metrics
	completed := at
	c.Metadata.CompletedAt = &completed
	c.UpdatedAt = at
	return nil
}

func (r *CampaignRepository) Fail(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return repository.ErrClaimLost
	}
	c.Status = domain.CampaignStatusFailed
	c.Metadata.Error = reason
	c.UpdatedAt = r.now()
	return nil
}
