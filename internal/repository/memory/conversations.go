package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// ConversationRepository is an in-memory repository.ConversationRepository.
type ConversationRepository struct {
	mu     sync.Mutex
	items  map[string]*domain.ConversationState
	byPair map[string]string
}

// NewConversationRepository builds an empty repository.
func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		items:  make(map[string]*domain.ConversationState),
		byPair: make(map[string]string),
	}
}

func pairKey(campaignID, userID string) string { return campaignID + "\x00" + userID }

func (r *ConversationRepository) Create(_ context.Context, conv *domain.ConversationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(conv.CampaignID, conv.UserID)
	if _, ok := r.byPair[key]; ok {
		return repository.ErrConflict
	}
	if _, ok := r.items[conv.ID]; ok {
		return repository.ErrConflict
	}
	r.items[conv.ID] = cloneConversation(conv)
	r.byPair[key] = conv.ID
	return nil
}

func (r *ConversationRepository) Get(_ context.Context, id string) (*domain.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneConversation(c), nil
}

func (r *ConversationRepository) ListUserIDs(_ context.Context, campaignID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.items {
		if c.CampaignID == campaignID {
			out = append(out, c.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *ConversationRepository) CountByStatus(_ context.Context, campaignID string) (map[domain.ConversationStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.ConversationStatus]int64)
	for _, c := range r.items {
		if c.CampaignID == campaignID {
			out[c.Status]++
		}
	}
	return out, nil
}

// ListByCampaign returns every conversation of a campaign. Only used by tests.
func (r *ConversationRepository) ListByCampaign(campaignID string) []*domain.ConversationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ConversationState
	for _, c := range r.items {
		if c.CampaignID == campaignID {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *ConversationRepository) ListDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ConversationState
	for _, c := range r.items {
		if eligible(c, now, lease) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eligible(c *domain.ConversationState, now time.Time, lease time.Duration) bool {
	switch c.Status {
	case domain.ConversationStatusActive, domain.ConversationStatusPending:
		return c.NextProcessingTime == nil || !c.NextProcessingTime.After(now)
	case domain.ConversationStatusProcessing:
		return c.ClaimedAt == nil || !c.ClaimedAt.Add(lease).After(now)
	}
	return false
}

func (r *ConversationRepository) Claim(_ context.Context, id, processorID string, now time.Time, lease time.Duration) (*domain.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !eligible(c, now, lease) {
		return nil, repository.ErrClaimLost
	}
	claimed := now
	c.Status = domain.ConversationStatusProcessing
	c.ClaimedBy = processorID
	c.ClaimedAt = &claimed
	return cloneConversation(c), nil
}

func (r *ConversationRepository) AdvanceStage(_ context.Context, id, fromStage string, stages []domain.StageEntry, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.CurrentStage != fromStage || len(stages) == 0 {
		return repository.ErrClaimLost
	}
	tmp := &domain.ConversationState{Stages: stages}
	c.Stages = cloneConversation(tmp).Stages
	c.CurrentStage = stages[len(stages)-1].Name
	c.Metrics.StageProgressions++
	c.LastActive = now
	return nil
}

func (r *ConversationRepository) Release(_ context.Context, id, processorID string, update repository.ReleaseUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != domain.ConversationStatusProcessing || c.ClaimedBy != processorID {
		return repository.ErrClaimLost
	}
	c.Status = update.Status
	c.NextProcessingTime = cloneTime(update.NextProcessingTime)
	c.Attempts = update.Attempts
	c.Metadata = update.Metadata
	c.ClaimedBy = ""
	c.ClaimedAt = nil
	c.LastActive = update.At
	return nil
}

func (r *ConversationRepository) AppendMessage(_ context.Context, id string, msg domain.Message) (*domain.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.MessageHistory = append(c.MessageHistory, msg)
	switch msg.Type {
	case domain.MessageOutbound:
		c.Metrics.MessagesSent++
	case domain.MessageInbound:
		c.Metrics.MessagesReceived++
	}
	c.LastActive = msg.Timestamp
	return cloneConversation(c), nil
}
