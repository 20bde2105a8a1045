package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// TaskRepository is an in-memory repository.TaskRepository. Claim is a compare-and-swap under the lock.
type TaskRepository struct {
	mu    sync.Mutex
	items map[string]*domain.Task
	now   func() time.Time
}

// NewTaskRepository builds an empty repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{items: make(map[string]*domain.Task), now: time.Now}
}

func (r *TaskRepository) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[task.ID]; ok {
		return repository.ErrConflict
	}
	r.items[task.ID] = cloneTask(task)
	return nil
}

// Get returns a task by id.
func (r *TaskRepository) Get(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTask(t), nil
}

func (r *TaskRepository) ListPending(_ context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.items {
		if t.Status != domain.TaskStatusPending || t.Type != taskType {
			continue
		}
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TaskRepository) Claim(_ context.Context, id, processorID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok || t.Status != domain.TaskStatusPending {
		return false, nil
	}
	now := r.now()
	t.Status = domain.TaskStatusClaimed
	t.ProcessorID = processorID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (r *TaskRepository) Complete(_ context.Context, id string, result map[string]any) error {
	return r.finish(id, func(t *domain.Task) {
		t.Status = domain.TaskStatusCompleted
		t.Result = result
	})
}

func (r *TaskRepository) Fail(_ context.Context, id, reason string) error {
	return r.finish(id, func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
		t.Error = reason
	})
}

func (r *TaskRepository) finish(id string, apply func(*domain.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != domain.TaskStatusClaimed {
		return repository.ErrClaimLost
	}
	apply(t)
	now := r.now()
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}
