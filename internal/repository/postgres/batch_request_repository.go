package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

const batchRequestColumns = `id, tenant_id, service_type, status, name, template, recipients, scheduled_at,
	batch_id, created_by, campaign_id, error, created_at, updated_at`

// BatchRequestRepository implements repository.BatchRequestRepository using PostgreSQL.
type BatchRequestRepository struct {
	db *sqlx.DB
}

// NewBatchRequestRepository constructs the repository.
func NewBatchRequestRepository(db *sqlx.DB) *BatchRequestRepository {
	return &BatchRequestRepository{db: db}
}

// Create inserts a request. A duplicate id yields repository.ErrConflict.
func (r *BatchRequestRepository) Create(ctx context.Context, req *domain.BatchRequest) error {
	template, err := marshalJSON("template", req.Template)
	if err != nil {
		return fmt.Errorf("batch request repo: %w", err)
	}
	recipients, err := marshalJSON("recipients", req.Recipients)
	if err != nil {
		return fmt.Errorf("batch request repo: %w", err)
	}

	q := `INSERT INTO batch_requests (` + batchRequestColumns + `) VALUES (
		:id, :tenant_id, :service_type, :status, :name, :template, :recipients, :scheduled_at,
		:batch_id, :created_by, :campaign_id, :error, :created_at, :updated_at
	) ON CONFLICT (id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, q, map[string]any{
		"id":           req.ID,
		"tenant_id":    req.TenantID,
		"service_type": req.ServiceType,
		"status":       req.Status,
		"name":         req.Name,
		"template":     template,
		"recipients":   recipients,
		"scheduled_at": req.ScheduledAt,
		"batch_id":     req.BatchID,
		"created_by":   req.CreatedBy,
		"campaign_id":  req.CampaignID,
		"error":        req.Error,
		"created_at":   req.CreatedAt,
		"updated_at":   req.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("batch request repo: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("batch request repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Get fetches a request by id.
func (r *BatchRequestRepository) Get(ctx context.Context, id string) (*domain.BatchRequest, error) {
	var rec batchRequestRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+batchRequestColumns+` FROM batch_requests WHERE id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("batch request repo: get: %w", err)
	}
	return rec.toDomain()
}

// ListNew returns the oldest new requests for the service type.
func (r *BatchRequestRepository) ListNew(ctx context.Context, serviceType string, limit int) ([]*domain.BatchRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+batchRequestColumns+` FROM batch_requests
		WHERE status = $1 AND service_type = $2
		ORDER BY created_at ASC LIMIT $3`, domain.BatchRequestStatusNew, serviceType, limit)
	if err != nil {
		return nil, fmt.Errorf("batch request repo: list new: %w", err)
	}
	defer rows.Close()

	var results []*domain.BatchRequest
	for rows.Next() {
		var rec batchRequestRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("batch request repo: scan: %w", err)
		}
		req, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch request repo: rows err: %w", err)
	}
	return results, nil
}

// MarkProcessing moves new -> processing in a single conditional update.
func (r *BatchRequestRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.conditionalUpdate(ctx, "mark processing",
		`UPDATE batch_requests SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'new'`,
		id, domain.BatchRequestStatusProcessing, time.Now().UTC())
}

// MarkCompleted records the campaign the request produced.
func (r *BatchRequestRepository) MarkCompleted(ctx context.Context, id, campaignID string) error {
	return r.conditionalUpdate(ctx, "mark completed",
		`UPDATE batch_requests SET status = $2, campaign_id = $3, updated_at = $4
		 WHERE id = $1 AND status IN ('new', 'processing')`,
		id, domain.BatchRequestStatusCompleted, campaignID, time.Now().UTC())
}

// MarkFailed records the error that stopped the request.
func (r *BatchRequestRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.conditionalUpdate(ctx, "mark failed",
		`UPDATE batch_requests SET status = $2, error = $3, updated_at = $4
		 WHERE id = $1 AND status IN ('new', 'processing')`,
		id, domain.BatchRequestStatusFailed, reason, time.Now().UTC())
}

func (r *BatchRequestRepository) conditionalUpdate(ctx context.Context, action, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("batch request repo: %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("batch request repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrClaimLost
	}
	return nil
}

type batchRequestRecord struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	ServiceType string         `db:"service_type"`
	Status      string         `db:"status"`
	Name        string         `db:"name"`
	Template    []byte         `db:"template"`
	Recipients  []byte         `db:"recipients"`
	ScheduledAt sql.NullTime   `db:"scheduled_at"`
	BatchID     sql.NullString `db:"batch_id"`
	CreatedBy   sql.NullString `db:"created_by"`
	CampaignID  sql.NullString `db:"campaign_id"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r batchRequestRecord) toDomain() (*domain.BatchRequest, error) {
	req := &domain.BatchRequest{
		ID:          r.ID,
		TenantID:    r.TenantID,
		ServiceType: r.ServiceType,
		Status:      domain.BatchRequestStatus(r.Status),
		Name:        r.Name,
		ScheduledAt: nullTimePtr(r.ScheduledAt),
		BatchID:     r.BatchID.String,
		CreatedBy:   r.CreatedBy.String,
		CampaignID:  r.CampaignID.String,
		Error:       r.Error.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Template) > 0 && string(r.Template) != "null" {
		req.Template = &domain.Template{}
		if err := unmarshalJSON("template", r.Template, req.Template); err != nil {
			return nil, fmt.Errorf("batch request repo: %w", err)
		}
	}
	if err := unmarshalJSON("recipients", r.Recipients, &req.Recipients); err != nil {
		return nil, fmt.Errorf("batch request repo: %w", err)
	}
	return req, nil
}
