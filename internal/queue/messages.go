package queue

import (
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
)

// StageEvent asks the response-generation stack to open a conversation stage.
type StageEvent struct {
	TaskID               string         `json:"task_id"`
	TenantID             string         `json:"tenant_id"`
	CampaignID           string         `json:"campaign_id"`
	ConversationID       string         `json:"conversation_id"`
	UserID               string         `json:"user_id"`
	Stage                string         `json:"stage"`
	Content              map[string]any `json:"content,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	ConversationGuidance map[string]any `json:"conversation_guidance,omitempty"`
	OccurredAt           time.Time      `json:"occurred_at"`
}

// StageEventFromTask decodes a stage_message task payload.
func StageEventFromTask(task *domain.Task, at time.Time) StageEvent {
	p := task.Payload
	return StageEvent{
		TaskID:               task.ID,
		TenantID:             firstNonEmpty(task.TenantID, stringField(p, "tenant_id")),
		CampaignID:           stringField(p, "campaign_id"),
		ConversationID:       stringField(p, "conversation_id"),
		UserID:               stringField(p, "user_id"),
		Stage:                stringField(p, "stage"),
		Content:              mapField(p, "content"),
		Variables:            mapField(p, "variables"),
		ConversationGuidance: mapField(p, "conversation_guidance"),
		OccurredAt:           at,
	}
}

// BatchIntakeMessage is a producer-submitted batch request.
type BatchIntakeMessage struct {
	domain.BatchRequest
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
