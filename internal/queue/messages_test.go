package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/conversation-campaign/internal/domain"
)

func TestStageEventFromTask(t *testing.T) {
	at := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	task := &domain.Task{
		ID:       "task-1",
		TenantID: "tenant-a",
		Payload: map[string]any{
			"campaign_id":     "camp",
			"conversation_id": "conv",
			"user_id":         "u1",
			"stage":           "decision",
			"content":         map[string]any{"opener": "hi"},
			"variables":       nil,
		},
	}

	event := StageEventFromTask(task, at)
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, "tenant-a", event.TenantID)
	assert.Equal(t, "conv", event.ConversationID)
	assert.Equal(t, "decision", event.Stage)
	assert.Equal(t, "hi", event.Content["opener"])
	assert.Nil(t, event.Variables)
	assert.Equal(t, at, event.OccurredAt)
}

func TestStageEventFromTaskFallsBackToPayloadTenant(t *testing.T) {
	event := StageEventFromTask(&domain.Task{Payload: map[string]any{"tenant_id": "tenant-b"}}, time.Time{})
	assert.Equal(t, "tenant-b", event.TenantID)
}

func TestBatchIntakeMessageDecodesFlatRequest(t *testing.T) {
	raw := `{"id":"r1","tenant_id":"t","name":"n","recipients":["u1"],"template":{"stages":[{"stage":"a"}]}}`
	var msg BatchIntakeMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "r1", msg.ID)
	assert.Equal(t, []string{"u1"}, msg.Recipients)
	require.NotNil(t, msg.Template)
	assert.Equal(t, "a", msg.Template.Stages[0].Stage)
}
