package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/queue"
	"github.com/acme/conversation-campaign/internal/repository/memory"
	"github.com/acme/conversation-campaign/internal/service/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.StageEvent
	err    error
}

func (p *recordingPublisher) PublishStageEvent(_ context.Context, event queue.StageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func seed(t *testing.T, svc *task.Service, tenant, conversation string) *domain.Task {
	t.Helper()
	created, err := svc.Create(context.Background(), domain.TaskTypeStageMessage, tenant, map[string]any{
		"conversation_id": conversation,
		"stage":           "decision",
	})
	require.NoError(t, err)
	return created
}

func TestTickPublishesAndCompletes(t *testing.T) {
	repo := memory.NewTaskRepository()
	svc := task.NewService(repo, nil)
	first := seed(t, svc, "tenant-a", "c1")
	seed(t, svc, "tenant-b", "c2")

	pub := &recordingPublisher{}
	d := New(config.DispatcherConfig{TenantID: "tenant-a", ProcessorID: "d1"}, svc, pub, nil)

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "c1", pub.events[0].ConversationID)
	assert.Equal(t, "tenant-a", pub.events[0].TenantID)

	stored, err := repo.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.Result["published_at"])

	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishFailureFailsTask(t *testing.T) {
	repo := memory.NewTaskRepository()
	svc := task.NewService(repo, nil)
	created := seed(t, svc, "tenant-a", "c1")

	d := New(config.DispatcherConfig{ProcessorID: "d1"}, svc, &recordingPublisher{err: errors.New("broker down")}, nil)
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "broker down")
}

func TestConcurrentDispatchersPublishOnce(t *testing.T) {
	repo := memory.NewTaskRepository()
	svc := task.NewService(repo, nil)
	for i := 0; i < 20; i++ {
		seed(t, svc, "tenant-a", "c")
	}

	pub := &recordingPublisher{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		d := New(config.DispatcherConfig{ProcessorID: string(rune('a' + i))}, svc, pub, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Tick(context.Background())
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, e := range pub.events {
		assert.False(t, seen[e.TaskID], "task %s published twice", e.TaskID)
		seen[e.TaskID] = true
	}
	assert.Len(t, seen, 20)
}
