package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// GetCampaignMetrics builds the campaign view. Message and stage figures come from running
// aggregates; status counts and completion come from the conversation rows, so a lost aggregate
// update never keeps a finished campaign open.
func (m *Manager) GetCampaignMetrics(ctx context.Context, campaignID string) (*domain.CampaignMetrics, error) {
	campaign, err := m.loadDefinition(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign manager: load campaign: %w", err)
	}

	counters, stages, err := m.metrics.Get(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		counters, stages, err = &domain.CampaignCounters{}, nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("campaign manager: load metrics: %w", err)
	}

	counts, err := m.conversations.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign manager: count conversations: %w", err)
	}
	statusCounts := map[domain.ConversationStatus]int64{
		domain.ConversationStatusActive:     0,
		domain.ConversationStatusPending:    0,
		domain.ConversationStatusProcessing: 0,
		domain.ConversationStatusCompleted:  0,
		domain.ConversationStatusFailed:     0,
	}
	for status, n := range counts {
		statusCounts[status] = n
	}

	recipients := int64(len(uniqueRecipients(campaign.Recipients)))
	terminal := statusCounts[domain.ConversationStatusCompleted] + statusCounts[domain.ConversationStatusFailed]

	out := &domain.CampaignMetrics{
		CampaignID:        campaignID,
		Recipients:        recipients,
		StatusCounts:      statusCounts,
		MessagesSent:      counters.MessagesSent,
		MessagesReceived:  counters.MessagesReceived,
		StageProgressions: counters.StageProgressions,
		EngagementRate:    ratio(counters.MessagesReceived, counters.MessagesSent),
		Funnel:            funnel(stages),
		IsComplete:        recipients > 0 && terminal >= recipients,
		ComputedAt:        m.now(),
	}
	return out, nil
}

func funnel(stages []domain.StageCounters) []domain.StageFunnel {
	out := make([]domain.StageFunnel, 0, len(stages))
	for _, s := range stages {
		out = append(out, domain.StageFunnel{
			Stage:          s.Stage,
			Entered:        s.Entered,
			Completed:      s.Completed,
			CompletionRate: ratio(s.Completed, s.Entered),
		})
	}
	return out
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
