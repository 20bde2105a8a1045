package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubManager struct {
	*campaignsvc.Manager
	evaluate func(ctx context.Context, id string) (campaignsvc.Progression, error)
	advance  func(ctx context.Context, id, nextStage string) (*domain.ConversationState, error)
}

func (s *stubManager) AdvanceStage(ctx context.Context, id, nextStage string) (*domain.ConversationState, error) {
	if s.advance != nil {
		return s.advance(ctx, id, nextStage)
	}
	return s.Manager.AdvanceStage(ctx, id, nextStage)
}

func (s *stubManager) EvaluateStageProgression(ctx context.Context, id string) (campaignsvc.Progression, error) {
	if s.evaluate != nil {
		return s.evaluate(ctx, id)
	}
	return s.Manager.EvaluateStageProgression(ctx, id)
}

type env struct {
	conversations *memory.ConversationRepository
	manager       *stubManager
	clock         time.Time
}

func newEnv(t *testing.T, recipients []string, timing *domain.TimingConfig) *env {
	t.Helper()
	ctx := context.Background()
	campaigns := memory.NewCampaignRepository()
	e := &env{
		conversations: memory.NewConversationRepository(),
		clock:         time.Now().UTC().Add(time.Minute),
	}
	e.manager = &stubManager{Manager: campaignsvc.NewManager(campaignsvc.Dependencies{
		Campaigns:     campaigns,
		Conversations: e.conversations,
		Metrics:       memory.NewMetricsRepository(),
	}, domain.TimingConfig{})}

	require.NoError(t, campaigns.Create(ctx, &domain.Campaign{
		ID:         "camp",
		TenantID:   "tenant-a",
		Status:     domain.CampaignStatusActive,
		Recipients: recipients,
		Stages:     []domain.Stage{{Name: "awareness"}, {Name: "decision", Order: 1}},
		Template:   domain.Template{Timing: timing},
	}))
	_, err := e.manager.InitializeConversations(ctx, "camp")
	require.NoError(t, err)
	return e
}

func (e *env) pool(cfg config.WorkerConfig) *Pool {
	if cfg.ProcessorID == "" {
		cfg.ProcessorID = "worker-1"
	}
	p := New(cfg, e.conversations, e.manager, nil, nil)
	p.now = func() time.Time { return e.clock }
	return p
}

func (e *env) only(t *testing.T) *domain.ConversationState {
	t.Helper()
	convs := e.conversations.ListByCampaign("camp")
	require.Len(t, convs, 1)
	return convs[0]
}

func TestAdvanceThenComplete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []string{"u1"}, &domain.TimingConfig{MaxDaysInStage: domain.Days(0)})
	p := e.pool(config.WorkerConfig{})

	started, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, "decision", conv.CurrentStage)
	assert.Equal(t, domain.ConversationStatusActive, conv.Status)
	assert.Empty(t, conv.ClaimedBy)
	require.NotNil(t, conv.NextProcessingTime)
	assert.Equal(t, e.clock.Add(5*time.Minute), *conv.NextProcessingTime)

	started, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	e.clock = e.clock.Add(10 * time.Minute)
	started, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	p.Wait()

	conv = e.only(t)
	assert.Equal(t, domain.ConversationStatusCompleted, conv.Status)
	assert.Equal(t, "decision", conv.Metadata.FinalStage)
	assert.Zero(t, p.Active())
}

func TestNotReadyGoesPendingWithMediumDelay(t *testing.T) {
	e := newEnv(t, []string{"u1"}, &domain.TimingConfig{MaxDaysInStage: domain.Days(7)})
	p := e.pool(config.WorkerConfig{})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, "awareness", conv.CurrentStage)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Equal(t, e.clock.Add(30*time.Minute), *conv.NextProcessingTime)
}

func TestErrorPathReschedulesWithLongDelay(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		return campaignsvc.Progression{}, errors.New("criteria service unreachable")
	}
	p := e.pool(config.WorkerConfig{Jitter: 0.1})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Equal(t, 1, conv.Attempts)
	assert.Contains(t, conv.Metadata.LastError, "criteria service unreachable")
	assert.NotNil(t, conv.Metadata.LastErrorTime)
	require.NotNil(t, conv.NextProcessingTime)
	delay := conv.NextProcessingTime.Sub(e.clock)
	assert.GreaterOrEqual(t, delay, 57*time.Minute)
	assert.LessOrEqual(t, delay, 63*time.Minute)
	assert.Zero(t, p.Active())
	assert.False(t, p.InFlight(conv.ID))
}

func TestAdvanceFailureFollowsErrorPath(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		return campaignsvc.Progression{ShouldAdvance: true, NextStage: "decision", Trigger: campaignsvc.TriggerTime}, nil
	}
	e.manager.advance = func(context.Context, string, string) (*domain.ConversationState, error) {
		return nil, errors.New("task store unavailable")
	}
	p := e.pool(config.WorkerConfig{})

	started, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, started)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, "awareness", conv.CurrentStage)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Equal(t, 1, conv.Attempts)
	assert.Contains(t, conv.Metadata.LastError, "task store unavailable")
	require.NotNil(t, conv.NextProcessingTime)
	assert.Equal(t, e.clock.Add(60*time.Minute), *conv.NextProcessingTime)
	assert.Empty(t, conv.ClaimedBy)
	assert.Zero(t, p.Active())
	assert.False(t, p.InFlight(conv.ID))
}

func TestShutdownDoesNotCountAnAttempt(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	entered := make(chan struct{})
	e.manager.evaluate = func(ctx context.Context, _ string) (campaignsvc.Progression, error) {
		close(entered)
		<-ctx.Done()
		return campaignsvc.Progression{}, ctx.Err()
	}
	p := e.pool(config.WorkerConfig{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	started, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, started)
	<-entered
	cancel()
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Zero(t, conv.Attempts)
	assert.Empty(t, conv.Metadata.LastError)
	require.NotNil(t, conv.NextProcessingTime)
	assert.Equal(t, e.clock, *conv.NextProcessingTime)
	assert.Zero(t, p.Active())
}

func TestMaxAttemptsFailsConversation(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		return campaignsvc.Progression{}, errors.New("boom")
	}
	p := e.pool(config.WorkerConfig{MaxAttempts: 2})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()
	assert.Equal(t, domain.ConversationStatusPending, e.only(t).Status)

	e.clock = e.clock.Add(3 * time.Hour)
	_, err = p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, domain.ConversationStatusFailed, conv.Status)
	assert.Equal(t, 2, conv.Attempts)
	assert.Contains(t, conv.Metadata.FailureReason, "boom")
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		return campaignsvc.Progression{}, apperrors.ErrTerminal
	}
	p := e.pool(config.WorkerConfig{})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	assert.Equal(t, domain.ConversationStatusFailed, e.only(t).Status)
}

func TestPanicReleasesSlotAndClaim(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		panic("nil template")
	}
	p := e.pool(config.WorkerConfig{MaxWorkers: 1})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Contains(t, conv.Metadata.LastError, "panic")
	assert.Zero(t, p.Active())
}

func TestTimeoutFollowsErrorPath(t *testing.T) {
	e := newEnv(t, []string{"u1"}, nil)
	e.manager.evaluate = func(ctx context.Context, _ string) (campaignsvc.Progression, error) {
		<-ctx.Done()
		return campaignsvc.Progression{}, ctx.Err()
	}
	p := e.pool(config.WorkerConfig{ProcessTimeout: 20 * time.Millisecond})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)
	p.Wait()

	conv := e.only(t)
	assert.Equal(t, domain.ConversationStatusPending, conv.Status)
	assert.Contains(t, conv.Metadata.LastError, context.DeadlineExceeded.Error())
	assert.Zero(t, p.Active())
}

func TestCapacityBoundsConcurrentWork(t *testing.T) {
	e := newEnv(t, []string{"u1", "u2", "u3"}, nil)
	gate := make(chan struct{})
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		<-gate
		return campaignsvc.Progression{}, nil
	}
	p := e.pool(config.WorkerConfig{MaxWorkers: 2})

	started, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, p.Active())

	started, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)

	close(gate)
	p.Wait()
	assert.Zero(t, p.Active())
}

func TestTwoPoolsNeverShareAConversation(t *testing.T) {
	e := newEnv(t, []string{"u1", "u2", "u3", "u4", "u5", "u6"}, nil)

	var mu sync.Mutex
	running := map[string]bool{}
	processed := map[string]int{}
	var overlaps atomic.Int32
	e.manager.evaluate = func(_ context.Context, id string) (campaignsvc.Progression, error) {
		mu.Lock()
		if running[id] {
			overlaps.Add(1)
		}
		running[id] = true
		processed[id]++
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running[id] = false
		mu.Unlock()
		return campaignsvc.Progression{}, nil
	}

	a := e.pool(config.WorkerConfig{ProcessorID: "a", MaxWorkers: 4})
	b := e.pool(config.WorkerConfig{ProcessorID: "b", MaxWorkers: 4})

	var wg sync.WaitGroup
	for _, p := range []*Pool{a, b} {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				_, _ = p.Tick(context.Background())
			}
		}(p)
	}
	wg.Wait()
	a.Wait()
	b.Wait()

	assert.Zero(t, overlaps.Load())
	assert.Len(t, processed, 6)
	for id, n := range processed {
		assert.Equal(t, 1, n, "conversation %s processed more than once", id)
	}
}

type countingThrottle struct {
	limit    int
	inFlight map[string]int
	mu       sync.Mutex
}

func (c *countingThrottle) Acquire(_ context.Context, campaignID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[campaignID] >= c.limit {
		return false, nil
	}
	c.inFlight[campaignID]++
	return true, nil
}

func (c *countingThrottle) Release(_ context.Context, campaignID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[campaignID]--
	return nil
}

func TestThrottleLimitsPerCampaign(t *testing.T) {
	e := newEnv(t, []string{"u1", "u2", "u3"}, nil)
	gate := make(chan struct{})
	e.manager.evaluate = func(context.Context, string) (campaignsvc.Progression, error) {
		<-gate
		return campaignsvc.Progression{}, nil
	}
	throttle := &countingThrottle{limit: 1, inFlight: map[string]int{}}
	p := New(config.WorkerConfig{ProcessorID: "w"}, e.conversations, e.manager, throttle, nil)
	p.now = func() time.Time { return e.clock }

	started, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	close(gate)
	p.Wait()
	assert.Zero(t, throttle.inFlight["camp"])

	var claimed int
	for _, c := range e.conversations.ListByCampaign("camp") {
		if c.Status == domain.ConversationStatusProcessing {
			claimed++
		}
	}
	assert.Zero(t, claimed)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := New(config.WorkerConfig{LongDelay: time.Hour, MaxDelay: 4 * time.Hour, ProcessorID: "w"}, nil, nil, nil, nil)

	assert.Equal(t, time.Hour, p.backoff(time.Hour, 1))
	assert.Equal(t, 2*time.Hour, p.backoff(time.Hour, 2))
	assert.Equal(t, 4*time.Hour, p.backoff(time.Hour, 3))
	assert.Equal(t, 4*time.Hour, p.backoff(time.Hour, 30))
	assert.Equal(t, 5*time.Minute, p.backoff(5*time.Minute, 0))
}
