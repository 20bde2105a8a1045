package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// Trigger names the rule that fired a transition.
type Trigger string

const (
	TriggerNone   Trigger = ""
	TriggerTime   Trigger = "time"
	TriggerSignal Trigger = "signal"
)

// Progression is the outcome of evaluating a conversation.
//
// ShouldAdvance and NextStage are only set when the conversation can move forward. Complete is set
// when the conversation sits in its final stage and that stage's criteria are met.
type Progression struct {
	ShouldAdvance bool
	NextStage     string
	Complete      bool
	Trigger       Trigger
}

// EvaluateStageProgression decides whether a conversation should move to its next stage. The
// time trigger is checked before the signal trigger.
func (m *Manager) EvaluateStageProgression(ctx context.Context, conversationID string) (Progression, error) {
	conv, err := m.conversations.Get(ctx, conversationID)
	if err != nil {
		return Progression{}, fmt.Errorf("campaign manager: load conversation: %w", err)
	}
	return m.evaluate(ctx, conv)
}

func (m *Manager) evaluate(ctx context.Context, conv *domain.ConversationState) (Progression, error) {
	if ok, reason := conv.CheckInvariants(); !ok {
		return Progression{}, fmt.Errorf("%w: conversation %s: %s", apperrors.ErrTerminal, conv.ID, reason)
	}

	if conv.IsInLastStage() {
		return m.evaluateLastStage(ctx, conv), nil
	}

	campaign, err := m.loadDefinition(ctx, conv.CampaignID)
	if err != nil {
		return Progression{}, fmt.Errorf("campaign manager: load campaign: %w", err)
	}
	stage, _ := campaign.StageByName(conv.CurrentStage)

	trigger, err := m.trigger(ctx, conv, campaign, stage)
	if err != nil {
		return Progression{}, err
	}

	next, ok := conv.NextStage()
	if !ok || next == conv.CurrentStage {
		return Progression{}, fmt.Errorf("%w: conversation %s has no stage after %q", apperrors.ErrTerminal, conv.ID, conv.CurrentStage)
	}
	if trigger == TriggerNone {
		return Progression{}, nil
	}
	return Progression{ShouldAdvance: true, NextStage: next, Trigger: trigger}, nil
}

// evaluateLastStage never advances. A downstream failure reads as "not complete yet" so the
// conversation is looked at again on the medium delay instead of spending retry attempts.
func (m *Manager) evaluateLastStage(ctx context.Context, conv *domain.ConversationState) Progression {
	logger := m.logger.With(
		zap.String("conversation_id", conv.ID),
		zap.String("campaign_id", conv.CampaignID),
		zap.String("stage", conv.CurrentStage))

	campaign, err := m.loadDefinition(ctx, conv.CampaignID)
	if err != nil {
		logger.Warn("last stage: load campaign", zap.Error(err))
		return Progression{}
	}
	stage, _ := campaign.StageByName(conv.CurrentStage)
	trigger, err := m.trigger(ctx, conv, campaign, stage)
	if err != nil {
		logger.Warn("last stage: evaluate trigger", zap.Error(err))
		return Progression{}
	}
	return Progression{Complete: trigger != TriggerNone, Trigger: trigger}
}

func (m *Manager) trigger(ctx context.Context, conv *domain.ConversationState, campaign *domain.Campaign, stage domain.Stage) (Trigger, error) {
	timing := m.timingFor(campaign, stage).Resolve()
	entry := conv.CurrentEntry()

	if timing.MaxInStage >= 0 && m.now().Sub(entry.EnteredAt) >= timing.MaxInStage {
		return TriggerTime, nil
	}
	if timing.SignalThreshold <= 0 {
		return TriggerNone, nil
	}
	signals, err := m.evaluator.Signals(ctx, conv, stage)
	if err != nil {
		return TriggerNone, fmt.Errorf("campaign manager: evaluate criteria: %w", err)
	}
	if signals >= timing.SignalThreshold {
		return TriggerSignal, nil
	}
	return TriggerNone, nil
}

// timingFor layers engine defaults, template timing and the stage override.
func (m *Manager) timingFor(campaign *domain.Campaign, stage domain.Stage) domain.TimingConfig {
	return m.defaults.Merge(campaign.Template.Timing).Merge(stage.FollowUpTiming)
}

// AdvanceStage closes the current stage and opens nextStage. It also enqueues the stage_message
// task that asks the response stack to open the new stage.
func (m *Manager) AdvanceStage(ctx context.Context, conversationID, nextStage string) (*domain.ConversationState, error) {
	conv, err := m.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("campaign manager: load conversation: %w", err)
	}
	if nextStage == conv.CurrentStage {
		return nil, fmt.Errorf("%w: conversation %s is already in %q", apperrors.ErrValidation, conv.ID, nextStage)
	}
	if !slices.Contains(conv.Context.AvailableStages, nextStage) {
		return nil, fmt.Errorf("%w: stage %q is not available to conversation %s", apperrors.ErrValidation, nextStage, conv.ID)
	}

	previous := conv.CurrentStage
	now := m.now()
	conv.EnterStage(nextStage, now)
	if err := m.conversations.AdvanceStage(ctx, conv.ID, previous, conv.Stages, now); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			return nil, fmt.Errorf("campaign manager: conversation %s left stage %q concurrently: %w", conv.ID, previous, err)
		}
		return nil, fmt.Errorf("campaign manager: persist advance: %w", err)
	}

	m.applyDelta(ctx, conv.CampaignID, repository.MetricsDelta{
		StageProgressionsDelta: 1,
		StageEntered:           map[string]int64{nextStage: 1},
		StageCompleted:         map[string]int64{previous: 1},
	})
	m.enqueueStageMessage(ctx, conv)
	m.record(ctx, conv, domain.EventStageAdvanced, nextStage, "from "+previous)

	m.logger.Info("conversation advanced",
		zap.String("conversation_id", conv.ID),
		zap.String("campaign_id", conv.CampaignID),
		zap.String("from", previous),
		zap.String("stage", nextStage))
	return conv, nil
}

func (m *Manager) enqueueStageMessage(ctx context.Context, conv *domain.ConversationState) {
	if m.tasks == nil {
		return
	}
	payload := map[string]any{
		"tenant_id":       conv.TenantID,
		"campaign_id":     conv.CampaignID,
		"conversation_id": conv.ID,
		"user_id":         conv.UserID,
		"stage":           conv.CurrentStage,
	}
	if campaign, err := m.loadDefinition(ctx, conv.CampaignID); err == nil {
		if stage, ok := campaign.StageByName(conv.CurrentStage); ok {
			payload["content"] = stage.Content
			payload["variables"] = stage.Variables
			payload["conversation_guidance"] = stage.ConversationGuidance
		}
	}
	if _, err := m.tasks.Create(ctx, domain.TaskTypeStageMessage, conv.TenantID, payload); err != nil {
		m.logger.Error("stage message task not created",
			zap.String("conversation_id", conv.ID),
			zap.String("stage", conv.CurrentStage),
			zap.Error(err))
	}
}
