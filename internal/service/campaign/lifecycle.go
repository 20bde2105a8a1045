package campaign

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// CompleteConversation releases a claimed conversation as completed in its final stage.
func (m *Manager) CompleteConversation(ctx context.Context, conv *domain.ConversationState, processorID string) error {
	now := m.now()
	meta := conv.Metadata
	meta.FinalStage = conv.CurrentStage
	meta.CompletedAt = &now

	if err := m.conversations.Release(ctx, conv.ID, processorID, repository.ReleaseUpdate{
		Status:   domain.ConversationStatusCompleted,
		Attempts: 0,
		Metadata: meta,
		At:       now,
	}); err != nil {
		return fmt.Errorf("campaign manager: complete conversation: %w", err)
	}

	m.applyDelta(ctx, conv.CampaignID, repository.MetricsDelta{
		CompletedDelta: 1,
		StageCompleted: map[string]int64{conv.CurrentStage: 1},
	})
	m.record(ctx, conv, domain.EventCompleted, conv.CurrentStage, "")
	m.logger.Info("conversation completed",
		zap.String("conversation_id", conv.ID),
		zap.String("campaign_id", conv.CampaignID),
		zap.String("stage", conv.CurrentStage))
	return nil
}

// FailConversation releases a claimed conversation as failed for good.
func (m *Manager) FailConversation(ctx context.Context, conv *domain.ConversationState, processorID string, cause error) error {
	now := m.now()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	meta := conv.Metadata
	meta.FailureReason = reason
	meta.LastError = reason
	meta.LastErrorTime = &now
	meta.FinalStage = conv.CurrentStage

	if err := m.conversations.Release(ctx, conv.ID, processorID, repository.ReleaseUpdate{
		Status:   domain.ConversationStatusFailed,
		Attempts: conv.Attempts,
		Metadata: meta,
		At:       now,
	}); err != nil {
		return fmt.Errorf("campaign manager: fail conversation: %w", err)
	}

	m.applyDelta(ctx, conv.CampaignID, repository.MetricsDelta{FailedDelta: 1})
	m.record(ctx, conv, domain.EventFailed, conv.CurrentStage, reason)
	m.logger.Warn("conversation failed",
		zap.String("conversation_id", conv.ID),
		zap.String("campaign_id", conv.CampaignID),
		zap.String("reason", reason))
	return nil
}

// Reschedule releases a claimed conversation back to the due queue with the given status and next
// processing time. A non-nil cause is recorded as the last error.
func (m *Manager) Reschedule(ctx context.Context, conv *domain.ConversationState, processorID string, status domain.ConversationStatus, next time.Time, attempts int, cause error) error {
	now := m.now()
	meta := conv.Metadata
	detail := "next " + next.UTC().Format(time.RFC3339)
	if cause != nil {
		meta.LastError = cause.Error()
		meta.LastErrorTime = &now
		detail = cause.Error()
	}

	if err := m.conversations.Release(ctx, conv.ID, processorID, repository.ReleaseUpdate{
		Status:             status,
		NextProcessingTime: &next,
		Attempts:           attempts,
		Metadata:           meta,
		At:                 now,
	}); err != nil {
		return fmt.Errorf("campaign manager: reschedule conversation: %w", err)
	}
	m.record(ctx, conv, domain.EventRescheduled, conv.CurrentStage, detail)
	return nil
}
