package domain

import (
	"time"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCanceled  CampaignStatus = "canceled"
)

// IsTerminal reports whether the campaign can no longer change status.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCanceled:
		return true
	}
	return false
}

// Campaign models a multi-recipient, multi-stage outreach job materialized from a batch request.
type Campaign struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Subtype     string           `json:"subtype,omitempty"`
	Status      CampaignStatus   `json:"status"`
	Recipients  []string         `json:"recipients"`
	Template    Template         `json:"template"`
	Stages      []Stage          `json:"stages"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Metadata    CampaignMetadata `json:"metadata"`
}

// Stage is one ordered step of a campaign script. Stages are immutable once the campaign exists.
type Stage struct {
	Name                 string         `json:"name"`
	Order                int            `json:"order"`
	Content              map[string]any `json:"content,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	CompletionCriteria   map[string]any `json:"completion_criteria,omitempty"`
	FollowUpTiming       *TimingConfig  `json:"follow_up_timing,omitempty"`
	ConversationGuidance map[string]any `json:"conversation_guidance,omitempty"`
}

// CampaignMetadata records provenance and the final metrics snapshot.
type CampaignMetadata struct {
	Source            string           `json:"source,omitempty"`
	OriginalRequestID string           `json:"original_request_id,omitempty"`
	BatchID           string           `json:"batch_id,omitempty"`
	CreatedBy         string           `json:"created_by,omitempty"`
	Error             string           `json:"error,omitempty"`
	FinalMetrics      *CampaignMetrics `json:"final_metrics,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// StageNames returns the campaign stage names in order.
func (c *Campaign) StageNames() []string {
	names := make([]string, 0, len(c.Stages))
	for _, s := range c.Stages {
		names = append(names, s.Name)
	}
	return names
}

// StageByName looks up a stage definition.
func (c *Campaign) StageByName(name string) (Stage, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// ConversationStages resolves the ordered stage list conversations of this campaign walk through.
// A campaign-type specific list in the template wins over the full stage list.
func (c *Campaign) ConversationStages() []string {
	if override, ok := c.Template.CampaignTypeStages[c.Type]; ok && len(override) > 0 {
		out := make([]string, len(override))
		copy(out, override)
		return out
	}
	if len(c.Stages) > 0 {
		return c.StageNames()
	}
	return c.Template.StageNames()
}
