package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/repository"
)

// MetricsRepository implements repository.MetricsRepository with running counters.
type MetricsRepository struct {
	db *sqlx.DB
}

// NewMetricsRepository builds the repository.
func NewMetricsRepository(db *sqlx.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Ensure ensures the campaign row and one row per stage exist.
func (r *MetricsRepository) Ensure(ctx context.Context, campaignID string, stages []string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_metrics (campaign_id)
			VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID); err != nil {
			return fmt.Errorf("campaign metrics: ensure: %w", err)
		}
		for i, stage := range stages {
			if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_stage_metrics (campaign_id, stage, position)
				VALUES ($1, $2, $3) ON CONFLICT (campaign_id, stage) DO NOTHING`, campaignID, stage, i); err != nil {
				return fmt.Errorf("campaign metrics: ensure stage: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves the counters and the stage funnel rows in stage order.
func (r *MetricsRepository) Get(ctx context.Context, campaignID string) (*domain.CampaignCounters, []domain.StageCounters, error) {
	var counters domain.CampaignCounters
	err := r.db.QueryRowxContext(ctx, `SELECT recipients, completed, failed, messages_sent, messages_received, stage_progressions
		FROM campaign_metrics WHERE campaign_id = $1`, campaignID).
		Scan(&counters.Recipients, &counters.Completed, &counters.Failed,
			&counters.MessagesSent, &counters.MessagesReceived, &counters.StageProgressions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, fmt.Errorf("campaign metrics: get: %w", err)
	}

	var stages []domain.StageCounters
	rows, err := r.db.QueryContext(ctx, `SELECT stage, entered, completed FROM campaign_stage_metrics
		WHERE campaign_id = $1 ORDER BY position ASC, stage ASC`, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("campaign metrics: list stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.StageCounters
		if err := rows.Scan(&s.Stage, &s.Entered, &s.Completed); err != nil {
			return nil, nil, fmt.Errorf("campaign metrics: scan stage: %w", err)
		}
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("campaign metrics: rows err: %w", err)
	}
	return &counters, stages, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *MetricsRepository) ApplyDelta(ctx context.Context, campaignID string, delta repository.MetricsDelta) error {
	if delta.IsZero() {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaign_metrics SET
			recipients = recipients + $2,
			completed = completed + $3,
			failed = failed + $4,
			messages_sent = messages_sent + $5,
			messages_received = messages_received + $6,
			stage_progressions = stage_progressions + $7,
			updated_at = NOW()
		WHERE campaign_id = $1`,
			campaignID,
			delta.RecipientsDelta,
			delta.CompletedDelta,
			delta.FailedDelta,
			delta.MessagesSentDelta,
			delta.MessagesReceivedDelta,
			delta.StageProgressionsDelta,
		)
		if err != nil {
			return fmt.Errorf("campaign metrics: apply delta: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return repository.ErrNotFound
		}

		for stage, n := range delta.StageEntered {
			if err := upsertStage(ctx, tx, campaignID, stage, n, 0); err != nil {
				return err
			}
		}
		for stage, n := range delta.StageCompleted {
			if err := upsertStage(ctx, tx, campaignID, stage, 0, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertStage(ctx context.Context, tx *sqlx.Tx, campaignID, stage string, entered, completed int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO campaign_stage_metrics (campaign_id, stage, position, entered, completed)
		VALUES ($1, $2, 2147483647, $3, $4)
		ON CONFLICT (campaign_id, stage) DO UPDATE SET
			entered = campaign_stage_metrics.entered + EXCLUDED.entered,
			completed = campaign_stage_metrics.completed + EXCLUDED.completed`,
		campaignID, stage, entered, completed)
	if err != nil {
		return fmt.Errorf("campaign metrics: upsert stage: %w", err)
	}
	return nil
}
