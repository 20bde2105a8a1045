package domain

import "time"

// ConversationEventKind enumerates entries of the conversation event log.
type ConversationEventKind string

const (
	EventMessageAppended ConversationEventKind = "message_appended"
	EventStageAdvanced   ConversationEventKind = "stage_advanced"
	EventCompleted       ConversationEventKind = "completed"
	EventFailed          ConversationEventKind = "failed"
	EventRescheduled     ConversationEventKind = "rescheduled"
)

// ConversationEvent is an append-only audit record for a conversation.
type ConversationEvent struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	CampaignID     string                `json:"campaign_id"`
	TenantID       string                `json:"tenant_id,omitempty"`
	Kind           ConversationEventKind `json:"kind"`
	Stage          string                `json:"stage,omitempty"`
	Detail         string                `json:"detail,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}
