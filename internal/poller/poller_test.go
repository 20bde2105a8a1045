package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	poller        *Poller
	manager       *campaignsvc.Manager
	requests      *memory.BatchRequestRepository
	campaigns     *memory.CampaignRepository
	conversations *memory.ConversationRepository
	clock         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		requests:      memory.NewBatchRequestRepository(),
		campaigns:     memory.NewCampaignRepository(),
		conversations: memory.NewConversationRepository(),
		clock:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.manager = campaignsvc.NewManager(campaignsvc.Dependencies{
		Campaigns:     h.campaigns,
		Conversations: h.conversations,
		Metrics:       memory.NewMetricsRepository(),
	}, domain.TimingConfig{})
	h.poller = New(config.PollerConfig{PollInterval: 10 * time.Millisecond}, h.requests, h.campaigns, h.manager, nil)
	h.poller.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) submit(t *testing.T, req *domain.BatchRequest) {
	t.Helper()
	req.Status = domain.BatchRequestStatusNew
	if req.ServiceType == "" {
		req.ServiceType = domain.ServiceTypeCommunication
	}
	req.CreatedAt = h.clock
	require.NoError(t, h.requests.Create(context.Background(), req))
}

func validTemplate() *domain.Template {
	return &domain.Template{Stages: []domain.TemplateStage{{Stage: "awareness"}, {Stage: "decision"}}}
}

func TestTickIngestsAndActivates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.submit(t, &domain.BatchRequest{ID: "good", TenantID: "t1", Template: validTemplate(), Recipients: []string{"u1", "u2"}})
	h.submit(t, &domain.BatchRequest{ID: "bad", TenantID: "t1", Recipients: []string{"u1"}})
	h.submit(t, &domain.BatchRequest{ID: "other-service", ServiceType: "analysis", Template: validTemplate(), Recipients: []string{"u1"}})

	require.NoError(t, h.poller.Tick(ctx))

	other, err := h.requests.Get(ctx, "other-service")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRequestStatusNew, other.Status)

	good, err := h.requests.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRequestStatusCompleted, good.Status)
	assert.Equal(t, "good", good.CampaignID)

	bad, err := h.requests.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRequestStatusFailed, bad.Status)
	assert.NotEmpty(t, bad.Error)

	campaign, err := h.campaigns.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, campaign.Status)
	assert.Equal(t, []string{"awareness", "decision"}, campaign.StageNames())
	assert.Len(t, h.conversations.ListByCampaign("good"), 2)
}

func TestTickLeavesNoRequestInProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.submit(t, &domain.BatchRequest{ID: "a", Template: validTemplate(), Recipients: []string{"u1"}})
	h.submit(t, &domain.BatchRequest{ID: "b", Template: &domain.Template{}, Recipients: []string{"u1"}})
	h.submit(t, &domain.BatchRequest{ID: "c", Template: validTemplate()})

	require.NoError(t, h.poller.Tick(ctx))

	for _, id := range []string{"a", "b", "c"} {
		req, err := h.requests.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, req.IsTerminal(), "request %s left in %s", id, req.Status)
	}
}

func TestScheduledCampaignIsPromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	at := h.clock.Add(time.Hour)
	h.submit(t, &domain.BatchRequest{ID: "later", Template: validTemplate(), Recipients: []string{"u1"}, ScheduledAt: &at})

	require.NoError(t, h.poller.Tick(ctx))
	campaign, err := h.campaigns.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, campaign.Status)
	assert.Empty(t, h.conversations.ListByCampaign("later"))

	h.clock = h.clock.Add(2 * time.Hour)
	require.NoError(t, h.poller.Tick(ctx))
	campaign, err = h.campaigns.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, campaign.Status)
	assert.Len(t, h.conversations.ListByCampaign("later"), 1)
}

func TestActivationFailsStructurallyBrokenCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.campaigns.Create(ctx, &domain.Campaign{
		ID:         "broken",
		Type:       "sales",
		Status:     domain.CampaignStatusPending,
		Recipients: []string{"u1"},
		Stages:     []domain.Stage{{Name: "awareness"}},
		Template:   domain.Template{CampaignTypeStages: map[string][]string{"sales": {"ghost"}}},
	}))

	require.NoError(t, h.poller.Tick(ctx))

	campaign, err := h.campaigns.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusFailed, campaign.Status)
	assert.NotEmpty(t, campaign.Metadata.Error)
}

func TestReconcileCompletesFinishedCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.submit(t, &domain.BatchRequest{ID: "camp", Template: validTemplate(), Recipients: []string{"u1", "u2"}})
	require.NoError(t, h.poller.Tick(ctx))

	convs := h.conversations.ListByCampaign("camp")
	require.Len(t, convs, 2)
	claimed, err := h.conversations.Claim(ctx, convs[0].ID, "p1", time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.manager.CompleteConversation(ctx, claimed, "p1"))

	require.NoError(t, h.poller.Tick(ctx))
	campaign, err := h.campaigns.Get(ctx, "camp")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, campaign.Status)

	claimed, err = h.conversations.Claim(ctx, convs[1].ID, "p1", time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.manager.FailConversation(ctx, claimed, "p1", errors.New("unreachable")))

	require.NoError(t, h.poller.Tick(ctx))
	campaign, err = h.campaigns.Get(ctx, "camp")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCompleted, campaign.Status)
	require.NotNil(t, campaign.Metadata.FinalMetrics)
	assert.True(t, campaign.Metadata.FinalMetrics.IsComplete)
	assert.NotNil(t, campaign.Metadata.CompletedAt)
}

// lossyMetrics drops the first completion delta, as a store blip after the release would.
type lossyMetrics struct {
	*memory.MetricsRepository
	dropped bool
}

func (l *lossyMetrics) ApplyDelta(ctx context.Context, campaignID string, delta repository.MetricsDelta) error {
	if delta.CompletedDelta > 0 && !l.dropped {
		l.dropped = true
		return errors.New("metrics store blip")
	}
	return l.MetricsRepository.ApplyDelta(ctx, campaignID, delta)
}

func TestReconcileCompletesCampaignWhenCompletionDeltaIsLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	metrics := &lossyMetrics{MetricsRepository: memory.NewMetricsRepository()}
	h.manager = campaignsvc.NewManager(campaignsvc.Dependencies{
		Campaigns:     h.campaigns,
		Conversations: h.conversations,
		Metrics:       metrics,
	}, domain.TimingConfig{})
	h.poller = New(config.PollerConfig{PollInterval: 10 * time.Millisecond}, h.requests, h.campaigns, h.manager, nil)
	h.poller.now = func() time.Time { return h.clock }

	h.submit(t, &domain.BatchRequest{ID: "camp", Template: validTemplate(), Recipients: []string{"u1"}})
	require.NoError(t, h.poller.Tick(ctx))

	convs := h.conversations.ListByCampaign("camp")
	require.Len(t, convs, 1)
	claimed, err := h.conversations.Claim(ctx, convs[0].ID, "p1", time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.manager.CompleteConversation(ctx, claimed, "p1"))
	require.True(t, metrics.dropped)

	require.NoError(t, h.poller.Tick(ctx))
	campaign, err := h.campaigns.Get(ctx, "camp")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCompleted, campaign.Status)
	require.NotNil(t, campaign.Metadata.FinalMetrics)
	assert.Equal(t, int64(1), campaign.Metadata.FinalMetrics.StatusCounts[domain.ConversationStatusCompleted])
}

type failingRequests struct {
	*memory.BatchRequestRepository
}

func (failingRequests) ListNew(context.Context, string, int) ([]*domain.BatchRequest, error) {
	return nil, errors.New("store offline")
}

func TestPhaseFailureDoesNotBlockOtherPhases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.poller.requests = failingRequests{memory.NewBatchRequestRepository()}
	past := h.clock.Add(-time.Minute)
	require.NoError(t, h.campaigns.Create(ctx, &domain.Campaign{
		ID:          "sched",
		Status:      domain.CampaignStatusScheduled,
		ScheduledAt: &past,
		Recipients:  []string{"u1"},
		Stages:      []domain.Stage{{Name: "only"}},
	}))

	err := h.poller.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")

	campaign, err := h.campaigns.Get(ctx, "sched")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, campaign.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.poller.requests = failingRequests{memory.NewBatchRequestRepository()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()
	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
