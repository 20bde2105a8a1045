package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

const taskColumns = `id, type, tenant_id, status, payload, result, error, processor_id,
	created_at, updated_at, claimed_at, completed_at`

// TaskRepository implements repository.TaskRepository using PostgreSQL.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository constructs the repository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a pending task.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	payload, err := marshalJSON("payload", task.Payload)
	if err != nil {
		return fmt.Errorf("task repo: %w", err)
	}
	res, err := r.db.NamedExecContext(ctx, `INSERT INTO tasks (id, type, tenant_id, status, payload, created_at, updated_at)
		VALUES (:id, :type, :tenant_id, :status, :payload, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`, map[string]any{
		"id":         task.ID,
		"type":       task.Type,
		"tenant_id":  task.TenantID,
		"status":     task.Status,
		"payload":    payload,
		"created_at": task.CreatedAt,
		"updated_at": task.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("task repo: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// ListPending lists pending tasks of a type, optionally for one tenant.
func (r *TaskRepository) ListPending(ctx context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending' AND type = $1`
	args := []any{taskType}
	if tenantID != "" {
		q += ` AND tenant_id = $2 ORDER BY created_at ASC LIMIT $3`
		args = append(args, tenantID, limit)
	} else {
		q += ` ORDER BY created_at ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("task repo: list pending: %w", err)
	}
	defer rows.Close()

	var results []*domain.Task
	for rows.Next() {
		var rec taskRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("task repo: scan: %w", err)
		}
		task, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task repo: rows err: %w", err)
	}
	return results, nil
}

// Claim flips pending -> claimed with a single guarded update.
func (r *TaskRepository) Claim(ctx context.Context, id, processorID string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE tasks
		SET status = 'claimed', processor_id = $2, claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, id, processorID, now)
	if err != nil {
		return false, fmt.Errorf("task repo: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("task repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete stores the result of a claimed task.
func (r *TaskRepository) Complete(ctx context.Context, id string, result map[string]any) error {
	payload, err := marshalJSON("result", result)
	if err != nil {
		return fmt.Errorf("task repo: %w", err)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE tasks
		SET status = 'completed', result = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'claimed'`, id, payload, now)
	if err != nil {
		return fmt.Errorf("task repo: complete: %w", err)
	}
	return expectOne(res, "task repo")
}

// Fail records the error of a claimed task.
func (r *TaskRepository) Fail(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE tasks
		SET status = 'failed', error = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'claimed'`, id, reason, now)
	if err != nil {
		return fmt.Errorf("task repo: fail: %w", err)
	}
	return expectOne(res, "task repo")
}

type taskRecord struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	TenantID    string         `db:"tenant_id"`
	Status      string         `db:"status"`
	Payload     []byte         `db:"payload"`
	Result      []byte         `db:"result"`
	Error       sql.NullString `db:"error"`
	ProcessorID sql.NullString `db:"processor_id"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	ClaimedAt   sql.NullTime   `db:"claimed_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r taskRecord) toDomain() (*domain.Task, error) {
	task := &domain.Task{
		ID:          r.ID,
		Type:        r.Type,
		TenantID:    r.TenantID,
		Status:      domain.TaskStatus(r.Status),
		Error:       r.Error.String,
		ProcessorID: r.ProcessorID.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ClaimedAt:   nullTimePtr(r.ClaimedAt),
		CompletedAt: nullTimePtr(r.CompletedAt),
	}
	if err := unmarshalJSON("payload", r.Payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("task repo: %w", err)
	}
	if err := unmarshalJSON("result", r.Result, &task.Result); err != nil {
		return nil, fmt.Errorf("task repo: %w", err)
	}
	return task, nil
}
