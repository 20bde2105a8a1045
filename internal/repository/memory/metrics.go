package memory

import (
	"context"
	"sync"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

type campaignAggregate struct {
	counters domain.CampaignCounters
	order    []string
	stages   map[string]*domain.StageCounters
}

// MetricsRepository is an in-memory repository.MetricsRepository.
type MetricsRepository struct {
	mu    sync.Mutex
	items map[string]*campaignAggregate
}

// NewMetricsRepository builds an empty repository.
func NewMetricsRepository() *MetricsRepository {
	return &MetricsRepository{items: make(map[string]*campaignAggregate)}
}

func (r *MetricsRepository) Ensure(_ context.Context, campaignID string, stages []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := r.aggregate(campaignID)
	for _, s := range stages {
		agg.stage(s)
	}
	return nil
}

func (r *MetricsRepository) Get(_ context.Context, campaignID string) (*domain.CampaignCounters, []domain.StageCounters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.items[campaignID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	counters := agg.counters
	stages := make([]domain.StageCounters, 0, len(agg.order))
	for _, name := range agg.order {
		stages = append(stages, *agg.stages[name])
	}
	return &counters, stages, nil
}

func (r *MetricsRepository) ApplyDelta(_ context.Context, campaignID string, delta repository.MetricsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.items[campaignID]
	if !ok {
		return repository.ErrNotFound
	}
	agg.counters.Recipients += delta.RecipientsDelta
	agg.counters.Completed += delta.CompletedDelta
	agg.counters.Failed += delta.FailedDelta
	agg.counters.MessagesSent += delta.MessagesSentDelta
	agg.counters.MessagesReceived += delta.MessagesReceivedDelta
	agg.counters.StageProgressions += delta.StageProgressionsDelta
	for name, n := range delta.StageEntered {
		agg.stage(name).Entered += n
	}
	for name, n := range delta.StageCompleted {
		agg.stage(name).Completed += n
	}
	return nil
}

func (r *MetricsRepository) aggregate(campaignID string) *campaignAggregate {
	agg, ok := r.items[campaignID]
	if !ok {
		agg = &campaignAggregate{stages: make(map[string]*domain.StageCounters)}
		r.items[campaignID] = agg
	}
	return agg
}

func (a *campaignAggregate) stage(name string) *domain.StageCounters {
	s, ok := a.stages[name]
	if !ok {
		s = &domain.StageCounters{Stage: name}
		a.stages[name] = s
		a.order = append(a.order, name)
	}
	return s
}
