package domain

import "time"

// TaskStatus enumerates hand-off task states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskTypeStageMessage asks the response stack to produce the opening message of a stage.
const TaskTypeStageMessage = "stage_message"

// Task is a unit of work handed from a producer to exactly one consumer.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Status      TaskStatus     `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ProcessorID string         `json:"processor_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
