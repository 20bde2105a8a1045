package domain

import "time"

// BatchRequestStatus enumerates the lifecycle of an inbound batch request.
type BatchRequestStatus string

const (
	BatchRequestStatusNew        BatchRequestStatus = "new"
	BatchRequestStatusProcessing BatchRequestStatus = "processing"
	BatchRequestStatusCompleted  BatchRequestStatus = "completed"
	BatchRequestStatusFailed     BatchRequestStatus = "failed"
)

// ServiceTypeCommunication tags batch requests owned by this platform.
const ServiceTypeCommunication = "communication"

// BatchRequest is a producer-owned "contact N recipients" request. Only the poller mutates it.
type BatchRequest struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	ServiceType string             `json:"service_type"`
	Status      BatchRequestStatus `json:"status"`
	Name        string             `json:"name"`
	Template    *Template          `json:"template,omitempty"`
	Recipients  []string           `json:"recipients"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
	BatchID     string             `json:"batch_id,omitempty"`
	CreatedBy   string             `json:"created_by,omitempty"`
	CampaignID  string             `json:"campaign_id,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// IsTerminal reports whether the request has reached completed or failed.
func (r *BatchRequest) IsTerminal() bool {
	return r.Status == BatchRequestStatusCompleted || r.Status == BatchRequestStatusFailed
}
