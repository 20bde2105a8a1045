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

const campaignColumns = `id, tenant_id, name, type, subtype, status, recipients, template, stages,
	scheduled_at, metadata, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	params := map[string]any{
		"id":           campaign.ID,
		"tenant_id":    campaign.TenantID,
		"name":         campaign.Name,
		"type":         campaign.Type,
		"subtype":      campaign.Subtype,
		"status":       campaign.Status,
		"scheduled_at": campaign.ScheduledAt,
		"created_at":   campaign.CreatedAt,
		"updated_at":   campaign.UpdatedAt,
	}
	for field, v := range map[string]any{
		"recipients": campaign.Recipients,
		"template":   campaign.Template,
		"stages":     campaign.Stages,
		"metadata":   campaign.Metadata,
	} {
		b, err := marshalJSON(field, v)
		if err != nil {
			return fmt.Errorf("campaign repo: %w", err)
		}
		params[field] = b
	}

	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :tenant_id, :name, :type, :subtype, :status, :recipients, :template, :stages,
		:scheduled_at, :metadata, :created_at, :updated_at
	) ON CONFLICT (id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	var record campaignRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// ListByStatus returns campaigns filtered by status, least recently updated first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list by status", `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
}

// ListScheduledDue returns scheduled campaigns whose start time has passed.
func (r *CampaignRepository) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list scheduled due", `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
}

// TransitionStatus flips from -> to atomically.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	return r.exec(ctx, "transition status",
		`UPDATE campaigns SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, time.Now().UTC())
}

// Complete stores the final metrics snapshot and moves an active campaign to completed.
func (r *CampaignRepository) Complete(ctx context.Context, id string, metrics *domain.CampaignMetrics, at time.Time) error {
	snapshot, err := marshalJSON("final_metrics", metrics)
	if err != nil {
		return fmt.Errorf("campaign repo: %w", err)
	}
	completedAt, err := marshalJSON("completed_at", at)
	if err != nil {
		return fmt.Errorf("campaign repo: %w", err)
	}
	return r.exec(ctx, "complete",
		`UPDATE campaigns SET status = 'completed',
			metadata = metadata || jsonb_build_object('final_metrics', $2::jsonb, 'completed_at', $3::jsonb),
			updated_at = $4
		 WHERE id = $1 AND status = 'active'`,
		id, snapshot, completedAt, at)
}

// Fail moves a non-terminal campaign to failed and records the reason.
func (r *CampaignRepository) Fail(ctx context.Context, id, reason string) error {
	return r.exec(ctx, "fail",
		`UPDATE campaigns SET status = 'failed',
			metadata = metadata || jsonb_build_object('error', $2::text),
			updated_at = $3
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'canceled')`,
		id, reason, time.Now().UTC())
}

func (r *CampaignRepository) exec(ctx context.Context, action, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("campaign repo: %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrClaimLost
	}
	return nil
}

func (r *CampaignRepository) query(ctx context.Context, action, q string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: %s: %w", action, err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	Name        string         `db:"name"`
	Type        string         `db:"type"`
	Subtype     sql.NullString `db:"subtype"`
	Status      string         `db:"status"`
	Recipients  []byte         `db:"recipients"`
	Template    []byte         `db:"template"`
	Stages      []byte         `db:"stages"`
	ScheduledAt sql.NullTime   `db:"scheduled_at"`
	Metadata    []byte         `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Name:        r.Name,
		Type:        r.Type,
		Subtype:     r.Subtype.String,
		Status:      domain.CampaignStatus(r.Status),
		ScheduledAt: nullTimePtr(r.ScheduledAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	for field, target := range map[string]struct {
		data []byte
		v    any
	}{
		"recipients": {r.Recipients, &campaign.Recipients},
		"template":   {r.Template, &campaign.Template},
		"stages":     {r.Stages, &campaign.Stages},
		"metadata":   {r.Metadata, &campaign.Metadata},
	} {
		if err := unmarshalJSON(field, target.data, target.v); err != nil {
			return nil, fmt.Errorf("campaign repo: %w", err)
		}
	}
	return campaign, nil
}
