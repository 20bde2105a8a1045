package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/criteria"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// TaskCreator enqueues hand-off tasks for downstream consumers.
type TaskCreator interface {
	Create(ctx context.Context, taskType, tenantID string, payload map[string]any) (*domain.Task, error)
}

// DefinitionCache caches immutable campaign definitions.
type DefinitionCache interface {
	Get(ctx context.Context, id string) (*domain.Campaign, bool, error)
	Set(ctx context.Context, campaign *domain.Campaign) error
}

// Dependencies groups the collaborators of a Manager. Tasks, Events and Cache are optional.
type Dependencies struct {
	Campaigns     repository.CampaignRepository
	Conversations repository.ConversationRepository
	Metrics       repository.MetricsRepository
	Tasks         TaskCreator
	Events        repository.EventLog
	Cache         DefinitionCache
	Evaluator     criteria.Evaluator
	Logger        *zap.Logger
}

// Manager owns campaign and conversation lifecycle, stage transitions and campaign metrics.
type Manager struct {
	campaigns     repository.CampaignRepository
	conversations repository.ConversationRepository
	metrics       repository.MetricsRepository
	tasks         TaskCreator
	events        repository.EventLog
	cache         DefinitionCache
	evaluator     criteria.Evaluator
	defaults      domain.TimingConfig
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

// NewManager builds a manager. defaults is the engine-wide timing applied beneath every template.
func NewManager(deps Dependencies, defaults domain.TimingConfig) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	evaluator := deps.Evaluator
	if evaluator == nil {
		evaluator = criteria.NewInboundSignals()
	}
	return &Manager{
		campaigns:     deps.Campaigns,
		conversations: deps.Conversations,
		metrics:       deps.Metrics,
		tasks:         deps.Tasks,
		events:        deps.Events,
		cache:         deps.Cache,
		evaluator:     evaluator,
		defaults:      defaults,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
}

// GetCampaign returns the stored campaign.
func (m *Manager) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return m.campaigns.Get(ctx, id)
}

// GetConversation returns the stored conversation.
func (m *Manager) GetConversation(ctx context.Context, id string) (*domain.ConversationState, error) {
	return m.conversations.Get(ctx, id)
}

// ListEvents pages through a conversation's event log.
func (m *Manager) ListEvents(ctx context.Context, conversationID string, limit int, pagingState []byte) ([]domain.ConversationEvent, []byte, error) {
	if m.events == nil {
		return nil, nil, fmt.Errorf("%w: event log disabled", apperrors.ErrUnavailable)
	}
	if _, err := m.conversations.Get(ctx, conversationID); err != nil {
		return nil, nil, err
	}
	return m.events.List(ctx, conversationID, limit, pagingState)
}

// InitializeConversations creates one conversation per recipient that does not have one yet and
// returns how many were created. Calling it again is safe.
func (m *Manager) InitializeConversations(ctx context.Context, campaignID string) (int, error) {
	campaign, err := m.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign manager: load campaign: %w", err)
	}
	stages, err := resolveStages(campaign)
	if err != nil {
		return 0, err
	}
	recipients := uniqueRecipients(campaign.Recipients)
	if len(recipients) == 0 {
		return 0, fmt.Errorf("%w: campaign %s has no recipients", apperrors.ErrTerminal, campaign.ID)
	}

	if err := m.metrics.Ensure(ctx, campaign.ID, stages); err != nil {
		return 0, fmt.Errorf("campaign manager: ensure metrics: %w", err)
	}

	existing, err := m.conversations.ListUserIDs(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign manager: list existing: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	logger := m.logger.With(zap.String("campaign_id", campaign.ID), zap.String("tenant_id", campaign.TenantID))
	created := 0
	var createErr error
	for _, userID := range recipients {
		if _, ok := seen[userID]; ok {
			continue
		}
		conv := domain.NewConversationState(m.newID(), campaign, userID, stages, m.now())
		if err := m.conversations.Create(ctx, conv); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			createErr = fmt.Errorf("campaign manager: create conversation for %s: %w", userID, err)
			break
		}
		created++
	}

	if created > 0 {
		delta := repository.MetricsDelta{
			RecipientsDelta: int64(created),
			StageEntered:    map[string]int64{stages[0]: int64(created)},
		}
		if err := m.metrics.ApplyDelta(ctx, campaign.ID, delta); err != nil {
			logger.Error("campaign manager: record initialized conversations", zap.Error(err))
		}
	}
	if createErr != nil {
		return created, createErr
	}

	logger.Info("conversations initialized", zap.Int("created", created), zap.Int("recipients", len(recipients)))
	return created, nil
}

// loadDefinition returns the campaign definition, preferring the cache. Status on a cached copy may be stale.
func (m *Manager) loadDefinition(ctx context.Context, id string) (*domain.Campaign, error) {
	if m.cache != nil {
		campaign, ok, err := m.cache.Get(ctx, id)
		if err != nil {
			m.logger.Warn("campaign cache read failed", zap.String("campaign_id", id), zap.Error(err))
		} else if ok {
			return campaign, nil
		}
	}
	campaign, err := m.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, campaign); err != nil {
			m.logger.Warn("campaign cache write failed", zap.String("campaign_id", id), zap.Error(err))
		}
	}
	return campaign, nil
}

func (m *Manager) record(ctx context.Context, conv *domain.ConversationState, kind domain.ConversationEventKind, stage, detail string) {
	if m.events == nil {
		return
	}
	event := domain.ConversationEvent{
		ConversationID: conv.ID,
		CampaignID:     conv.CampaignID,
		TenantID:       conv.TenantID,
		Kind:           kind,
		Stage:          stage,
		Detail:         detail,
		OccurredAt:     m.now(),
	}
	if err := m.events.Append(ctx, event); err != nil {
		m.logger.Warn("event log append failed",
			zap.String("conversation_id", conv.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (m *Manager) applyDelta(ctx context.Context, campaignID string, delta repository.MetricsDelta) {
	if err := m.metrics.ApplyDelta(ctx, campaignID, delta); err != nil {
		m.logger.Error("campaign metrics update failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// resolveStages returns the ordered stage names conversations walk through, rejecting lists that
// reference undefined stages.
func resolveStages(campaign *domain.Campaign) ([]string, error) {
	stages := campaign.ConversationStages()
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: campaign %s has no stages", apperrors.ErrTerminal, campaign.ID)
	}
	seen := make(map[string]struct{}, len(stages))
	for _, name := range stages {
		if name == "" {
			return nil, fmt.Errorf("%w: campaign %s has an unnamed stage", apperrors.ErrTerminal, campaign.ID)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: campaign %s repeats stage %q", apperrors.ErrTerminal, campaign.ID, name)
		}
		seen[name] = struct{}{}
		if len(campaign.Stages) > 0 {
			if _, ok := campaign.StageByName(name); !ok {
				return nil, fmt.Errorf("%w: campaign %s references undefined stage %q", apperrors.ErrTerminal, campaign.ID, name)
			}
		}
	}
	return stages, nil
}

func uniqueRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
