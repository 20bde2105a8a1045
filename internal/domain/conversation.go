package domain

import (
	"slices"
	"time"
)

// ConversationStatus enumerates the lifecycle of a per-recipient conversation.
type ConversationStatus string

const (
	ConversationStatusActive     ConversationStatus = "active"
	ConversationStatusPending    ConversationStatus = "pending"
	ConversationStatusProcessing ConversationStatus = "processing"
	ConversationStatusCompleted  ConversationStatus = "completed"
	ConversationStatusFailed     ConversationStatus = "failed"
)

// IsTerminal reports whether the conversation is done for good.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationStatusCompleted || s == ConversationStatusFailed
}

// MessageDirection distinguishes messages we sent from replies.
type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

// Message is one entry in a conversation history. The body is opaque to the engine.
type Message struct {
	ID        string           `json:"id,omitempty"`
	Type      MessageDirection `json:"type"`
	Content   string           `json:"content,omitempty"`
	Stage     string           `json:"stage,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// StageEntry records a visit to a stage.
type StageEntry struct {
	Name      string     `json:"name"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	Completed bool       `json:"completed"`
}

// ConversationContext is fixed at creation.
type ConversationContext struct {
	TemplateID      string   `json:"template_id,omitempty"`
	AvailableStages []string `json:"available_stages"`
}

// ConversationMetrics counts per-conversation engagement.
type ConversationMetrics struct {
	MessagesSent      int `json:"messages_sent"`
	MessagesReceived  int `json:"messages_received"`
	StageProgressions int `json:"stage_progressions"`
}

// ConversationMetadata carries the last processing error and the terminal outcome.
type ConversationMetadata struct {
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
	FinalStage    string     `json:"final_stage,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ConversationState tracks one recipient's progress through a campaign. (CampaignID, UserID) is unique.
type ConversationState struct {
	ID                 string               `json:"id"`
	TenantID           string               `json:"tenant_id"`
	UserID             string               `json:"user_id"`
	CampaignID         string               `json:"campaign_id"`
	CampaignType       string               `json:"campaign_type"`
	CurrentStage       string               `json:"current_stage"`
	Stages             []StageEntry         `json:"stages"`
	MessageHistory     []Message            `json:"message_history"`
	Context            ConversationContext  `json:"context"`
	Metrics            ConversationMetrics  `json:"metrics"`
	Status             ConversationStatus   `json:"status"`
	NextProcessingTime *time.Time           `json:"next_processing_time,omitempty"`
	Attempts           int                  `json:"attempts"`
	ClaimedBy          string               `json:"claimed_by,omitempty"`
	ClaimedAt          *time.Time           `json:"claimed_at,omitempty"`
	Metadata           ConversationMetadata `json:"metadata"`
	CreatedAt          time.Time            `json:"created_at"`
	LastActive         time.Time            `json:"last_active"`
}

// NewConversationState builds a conversation in the first of the given stages.
func NewConversationState(id string, campaign *Campaign, userID string, stages []string, now time.Time) *ConversationState {
	available := make([]string, len(stages))
	copy(available, stages)
	next := now
	return &ConversationState{
		ID:           id,
		TenantID:     campaign.TenantID,
		UserID:       userID,
		CampaignID:   campaign.ID,
		CampaignType: campaign.Type,
		CurrentStage: available[0],
		Stages: []StageEntry{
			{Name: available[0], EnteredAt: now},
		},
		MessageHistory: []Message{},
		Context: ConversationContext{
			TemplateID:      campaign.Template.ID,
			AvailableStages: available,
		},
		Status:             ConversationStatusActive,
		NextProcessingTime: &next,
		CreatedAt:          now,
		LastActive:         now,
	}
}

// CurrentEntry returns the open stage entry, or nil for a malformed state.
func (c *ConversationState) CurrentEntry() *StageEntry {
	if len(c.Stages) == 0 {
		return nil
	}
	return &c.Stages[len(c.Stages)-1]
}

// StageIndex returns the position of the current stage in the available stages, or -1.
func (c *ConversationState) StageIndex() int {
	return slices.Index(c.Context.AvailableStages, c.CurrentStage)
}

// IsInLastStage reports whether the current stage is the final available stage.
func (c *ConversationState) IsInLastStage() bool {
	n := len(c.Context.AvailableStages)
	return n > 0 && c.Context.AvailableStages[n-1] == c.CurrentStage
}

// NextStage returns the stage after the current one, if any.
func (c *ConversationState) NextStage() (string, bool) {
	idx := c.StageIndex()
	if idx < 0 || idx+1 >= len(c.Context.AvailableStages) {
		return "", false
	}
	return c.Context.AvailableStages[idx+1], true
}

// EnterStage closes the current stage entry and opens a new one.
func (c *ConversationState) EnterStage(name string, now time.Time) {
	if cur := c.CurrentEntry(); cur != nil && cur.ExitedAt == nil {
		exited := now
		cur.ExitedAt = &exited
		cur.Completed = true
	}
	c.Stages = append(c.Stages, StageEntry{Name: name, EnteredAt: now})
	c.CurrentStage = name
	c.Metrics.StageProgressions++
	c.LastActive = now
}

// CheckInvariants validates the stage bookkeeping. It returns false with a reason when broken.
func (c *ConversationState) CheckInvariants() (bool, string) {
	if len(c.Stages) == 0 {
		return false, "no stage entries"
	}
	if c.Stages[len(c.Stages)-1].Name != c.CurrentStage {
		return false, "current_stage differs from last stage entry"
	}
	open := 0
	for i, s := range c.Stages {
		if s.ExitedAt == nil {
			open++
			if i != len(c.Stages)-1 {
				return false, "non-current stage entry still open"
			}
			continue
		}
		if !s.Completed {
			return false, "exited stage entry not completed"
		}
	}
	if open > 1 {
		return false, "more than one open stage entry"
	}
	if !slices.Contains(c.Context.AvailableStages, c.CurrentStage) {
		return false, "current_stage not in available stages"
	}
	return true, ""
}
