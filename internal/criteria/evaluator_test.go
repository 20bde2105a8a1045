package criteria

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/conversation-campaign/internal/domain"
)

func TestInboundSignalsCountsCurrentStageOnly(t *testing.T) {
	entered := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := &domain.ConversationState{
		CurrentStage: "interest",
		Stages:       []domain.StageEntry{{Name: "interest", EnteredAt: entered}},
		MessageHistory: []domain.Message{
			{Type: domain.MessageInbound, Content: "hi", Timestamp: entered.Add(-time.Hour)},
			{Type: domain.MessageInbound, Content: "tell me more", Timestamp: entered.Add(time.Minute)},
			{Type: domain.MessageOutbound, Content: "sure", Timestamp: entered.Add(2 * time.Minute)},
			{Type: domain.MessageInbound, Content: "What is the PRICE?", Timestamp: entered.Add(3 * time.Minute)},
		},
	}

	n, err := NewInboundSignals().Signals(context.Background(), conv, domain.Stage{Name: "interest"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stage := domain.Stage{Name: "interest", CompletionCriteria: map[string]any{"keywords": []any{"price", " "}}}
	n, err = NewInboundSignals().Signals(context.Background(), conv, stage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKeywords(t *testing.T) {
	assert.Nil(t, Keywords(nil))
	assert.Equal(t, []string{"yes", "ok"}, Keywords(map[string]any{"keywords": []string{"Yes", "OK"}}))
	assert.Nil(t, Keywords(map[string]any{"keywords": "yes"}))
}
