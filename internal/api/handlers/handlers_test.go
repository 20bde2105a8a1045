package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
	"github.com/acme/conversation-campaign/internal/service/intake"
)

type testAPI struct {
	app           *fiber.App
	campaigns     *memory.CampaignRepository
	conversations *memory.ConversationRepository
	manager       *campaignsvc.Manager
}

func newTestAPI(t *testing.T, checks ...HealthCheck) *testAPI {
	t.Helper()
	a := &testAPI{
		campaigns:     memory.NewCampaignRepository(),
		conversations: memory.NewConversationRepository(),
	}
	a.manager = campaignsvc.NewManager(campaignsvc.Dependencies{
		Campaigns:     a.campaigns,
		Conversations: a.conversations,
		Metrics:       memory.NewMetricsRepository(),
		Events:        memory.NewEventLog(),
	}, domain.TimingConfig{})

	h := NewHandlerSet(a.manager, intake.NewService(memory.NewBatchRequestRepository(), nil), checks, nil)
	a.app = fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(a.app)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (a *testAPI) seedConversation(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.campaigns.Create(ctx, &domain.Campaign{
		ID:         "camp",
		Status:     domain.CampaignStatusActive,
		Recipients: []string{"u1"},
		Stages:     []domain.Stage{{Name: "awareness"}, {Name: "decision", Order: 1}},
	}))
	_, err := a.manager.InitializeConversations(ctx, "camp")
	require.NoError(t, err)
	return a.conversations.ListByCampaign("camp")[0].ID
}

func TestSubmitBatchRequest(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/batch-requests", `{"id":"r1","tenant_id":"t1","recipients":["u1"]}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "new", body["status"])
	assert.Equal(t, "communication", body["service_type"])

	code, _ = a.do(t, http.MethodPost, "/api/v1/batch-requests", `{"id":"r1","tenant_id":"t1"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/batch-requests", `{"id":"r2"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/batch-requests/r1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "r1", body["id"])
}

func TestCampaignEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.seedConversation(t)

	code, body := a.do(t, http.MethodGet, "/api/v1/campaigns/camp", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"])

	code, body = a.do(t, http.MethodGet, "/api/v1/campaigns/camp/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["recipients"])
	assert.Equal(t, false, body["is_complete"])

	code, _ = a.do(t, http.MethodGet, "/api/v1/campaigns/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAppendMessageAndEvents(t *testing.T) {
	a := newTestAPI(t)
	id := a.seedConversation(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", `{"direction":"inbound","content":"interested"}`)
	require.Equal(t, http.StatusOK, code)
	metrics := body["metrics"].(map[string]any)
	assert.EqualValues(t, 1, metrics["messages_received"])

	code, _ = a.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", `{"direction":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/events?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "message_appended", events[0].(map[string]any)["kind"])

	code, _ = a.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/events?page_token=***", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }})
	code, body := a.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	a = newTestAPI(t, HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }})
	code, body = a.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["errors"].(map[string]any)["redis"], "refused")
}
