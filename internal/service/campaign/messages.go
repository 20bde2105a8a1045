package campaign

import (
	"context"
	"fmt"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// AppendMessage adds a message to the conversation history and bumps the matching counter.
func (m *Manager) AppendMessage(ctx context.Context, conversationID string, msg domain.Message, direction domain.MessageDirection) (*domain.ConversationState, error) {
	if direction != domain.MessageInbound && direction != domain.MessageOutbound {
		return nil, fmt.Errorf("%w: unknown message direction %q", apperrors.ErrValidation, direction)
	}
	conv, err := m.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("campaign manager: load conversation: %w", err)
	}

	msg.Type = direction
	if msg.ID == "" {
		msg.ID = m.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	if msg.Stage == "" {
		msg.Stage = conv.CurrentStage
	}

	updated, err := m.conversations.AppendMessage(ctx, conv.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("campaign manager: append message: %w", err)
	}

	delta := repository.MetricsDelta{}
	if direction == domain.MessageOutbound {
		delta.MessagesSentDelta = 1
	} else {
		delta.MessagesReceivedDelta = 1
	}
	m.applyDelta(ctx, conv.CampaignID, delta)
	m.record(ctx, updated, domain.EventMessageAppended, msg.Stage, string(direction))
	return updated, nil
}
