package domain

import "time"

// CampaignMetrics is the aggregate view of a campaign's conversations.
type CampaignMetrics struct {
	CampaignID        string                       `json:"campaign_id"`
	Recipients        int64                        `json:"recipients"`
	StatusCounts      map[ConversationStatus]int64 `json:"status_counts"`
	MessagesSent      int64                        `json:"messages_sent"`
	MessagesReceived  int64                        `json:"messages_received"`
	StageProgressions int64                        `json:"stage_progressions"`
	EngagementRate    float64                      `json:"engagement_rate"`
	Funnel            []StageFunnel                `json:"funnel"`
	IsComplete        bool                         `json:"is_complete"`
	ComputedAt        time.Time                    `json:"computed_at"`
}

// StageFunnel is the per-stage slice of campaign metrics.
type StageFunnel struct {
	Stage          string  `json:"stage"`
	Entered        int64   `json:"entered"`
	Completed      int64   `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

// CampaignCounters are the running aggregates kept per campaign.
type CampaignCounters struct {
	Recipients        int64
	Completed         int64
	Failed            int64
	MessagesSent      int64
	MessagesReceived  int64
	StageProgressions int64
}

// StageCounters are the running aggregates kept per campaign stage.
type StageCounters struct {
	Stage     string
	Entered   int64
	Completed int64
}
