// Package memory provides mutex-guarded repository implementations with the same conditional
// update semantics as the database-backed stores.
package memory

import (
	"maps"
	"slices"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneConversation(c *domain.ConversationState) *domain.ConversationState {
	out := *c
	out.Stages = make([]domain.StageEntry, len(c.Stages))
	for i, s := range c.Stages {
		s.ExitedAt = cloneTime(s.ExitedAt)
		out.Stages[i] = s
	}
	out.MessageHistory = slices.Clone(c.MessageHistory)
	if out.MessageHistory == nil {
		out.MessageHistory = []domain.Message{}
	}
	out.Context.AvailableStages = slices.Clone(c.Context.AvailableStages)
	out.NextProcessingTime = cloneTime(c.NextProcessingTime)
	out.ClaimedAt = cloneTime(c.ClaimedAt)
	out.Metadata.LastErrorTime = cloneTime(c.Metadata.LastErrorTime)
	out.Metadata.CompletedAt = cloneTime(c.Metadata.CompletedAt)
	return &out
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	out := *c
	out.Recipients = slices.Clone(c.Recipients)
	out.Stages = slices.Clone(c.Stages)
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.Template.Stages = slices.Clone(c.Template.Stages)
	out.Template.CampaignTypeStages = maps.Clone(c.Template.CampaignTypeStages)
	return &out
}

func cloneBatchRequest(r *domain.BatchRequest) *domain.BatchRequest {
	out := *r
	out.Recipients = slices.Clone(r.Recipients)
	out.ScheduledAt = cloneTime(r.ScheduledAt)
	return &out
}

func cloneTask(t *domain.Task) *domain.Task {
	out := *t
	out.Payload = maps.Clone(t.Payload)
	out.Result = maps.Clone(t.Result)
	out.ClaimedAt = cloneTime(t.ClaimedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return &out
}
