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

const conversationColumns = `id, tenant_id, user_id, campaign_id, campaign_type, current_stage, stages,
	message_history, context, messages_sent, messages_received, stage_progressions, status,
	next_processing_time, attempts, claimed_by, claimed_at, metadata, created_at, last_active`

// eligibleClause matches conversations a worker may claim. $now is the current time and
// $expired is now minus the claim lease.
const eligibleClause = `((status IN ('active', 'pending') AND (next_processing_time IS NULL OR next_processing_time <= $1))
	OR (status = 'processing' AND (claimed_at IS NULL OR claimed_at <= $2)))`

// ConversationRepository implements repository.ConversationRepository using PostgreSQL.
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository constructs the repository.
func NewConversationRepository(db *sqlx.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts a conversation; the (campaign_id, user_id) unique index turns duplicates into ErrConflict.
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.ConversationState) error {
	params := map[string]any{
		"id":                   conv.ID,
		"tenant_id":            conv.TenantID,
		"user_id":              conv.UserID,
		"campaign_id":          conv.CampaignID,
		"campaign_type":        conv.CampaignType,
		"current_stage":        conv.CurrentStage,
		"messages_sent":        conv.Metrics.MessagesSent,
		"messages_received":    conv.Metrics.MessagesReceived,
		"stage_progressions":   conv.Metrics.StageProgressions,
		"status":               conv.Status,
		"next_processing_time": conv.NextProcessingTime,
		"attempts":             conv.Attempts,
		"created_at":           conv.CreatedAt,
		"last_active":          conv.LastActive,
	}
	history := conv.MessageHistory
	if history == nil {
		history = []domain.Message{}
	}
	for field, v := range map[string]any{
		"stages":          conv.Stages,
		"message_history": history,
		"context":         conv.Context,
		"metadata":        conv.Metadata,
	} {
		b, err := marshalJSON(field, v)
		if err != nil {
			return fmt.Errorf("conversation repo: %w", err)
		}
		params[field] = b
	}

	q := `INSERT INTO conversation_states (
		id, tenant_id, user_id, campaign_id, campaign_type, current_stage, stages, message_history, context,
		messages_sent, messages_received, stage_progressions, status, next_processing_time, attempts,
		metadata, created_at, last_active
	) VALUES (
		:id, :tenant_id, :user_id, :campaign_id, :campaign_type, :current_stage, :stages, :message_history, :context,
		:messages_sent, :messages_received, :stage_progressions, :status, :next_processing_time, :attempts,
		:metadata, :created_at, :last_active
	) ON CONFLICT DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("conversation repo: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Get fetches a conversation by id.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*domain.ConversationState, error) {
	return r.queryOne(ctx, "get", `SELECT `+conversationColumns+` FROM conversation_states WHERE id = $1`, id)
}

// ListUserIDs returns the recipients that already have a conversation in the campaign.
func (r *ConversationRepository) ListUserIDs(ctx context.Context, campaignID string) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM conversation_states WHERE campaign_id = $1`, campaignID); err != nil {
		return nil, fmt.Errorf("conversation repo: list user ids: %w", err)
	}
	return ids, nil
}

// CountByStatus groups a campaign's conversations by status using the (campaign_id, status) index.
func (r *ConversationRepository) CountByStatus(ctx context.Context, campaignID string) (map[domain.ConversationStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM conversation_states
		WHERE campaign_id = $1 GROUP BY status`, campaignID); err != nil {
		return nil, fmt.Errorf("conversation repo: count by status: %w", err)
	}
	out := make(map[domain.ConversationStatus]int64, len(rows))
	for _, row := range rows {
		out[domain.ConversationStatus(row.Status)] = row.Count
	}
	return out, nil
}

// ListDue returns claimable conversations, oldest activity first.
func (r *ConversationRepository) ListDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.ConversationState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+conversationColumns+` FROM conversation_states
		WHERE `+eligibleClause+`
		ORDER BY last_active ASC LIMIT $3`, now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("conversation repo: list due: %w", err)
	}
	defer rows.Close()

	var results []*domain.ConversationState
	for rows.Next() {
		var rec conversationRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("conversation repo: scan: %w", err)
		}
		conv, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation repo: rows err: %w", err)
	}
	return results, nil
}

// Claim moves an eligible conversation to processing in one statement and returns the new row.
func (r *ConversationRepository) Claim(ctx context.Context, id, processorID string, now time.Time, lease time.Duration) (*domain.ConversationState, error) {
	conv, err := r.queryOne(ctx, "claim", `UPDATE conversation_states
		SET status = 'processing', claimed_by = $4, claimed_at = $1
		WHERE id = $3 AND `+eligibleClause+`
		RETURNING `+conversationColumns, now, now.Add(-lease), id, processorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrClaimLost
	}
	return conv, err
}

// AdvanceStage writes the new stage list when the conversation is still in fromStage.
func (r *ConversationRepository) AdvanceStage(ctx context.Context, id, fromStage string, stages []domain.StageEntry, now time.Time) error {
	if len(stages) == 0 {
		return fmt.Errorf("conversation repo: advance stage: empty stage list")
	}
	payload, err := marshalJSON("stages", stages)
	if err != nil {
		return fmt.Errorf("conversation repo: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conversation_states
		SET stages = $3, current_stage = $4, stage_progressions = stage_progressions + 1, last_active = $5
		WHERE id = $1 AND current_stage = $2`,
		id, fromStage, payload, stages[len(stages)-1].Name, now)
	if err != nil {
		return fmt.Errorf("conversation repo: advance stage: %w", err)
	}
	return expectOne(res, "conversation repo")
}

// Release ends the claim held by processorID.
func (r *ConversationRepository) Release(ctx context.Context, id, processorID string, update repository.ReleaseUpdate) error {
	metadata, err := marshalJSON("metadata", update.Metadata)
	if err != nil {
		return fmt.Errorf("conversation repo: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conversation_states
		SET status = $3, next_processing_time = $4, attempts = $5, metadata = $6,
			claimed_by = NULL, claimed_at = NULL, last_active = $7
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		id, processorID, update.Status, update.NextProcessingTime, update.Attempts, metadata, update.At)
	if err != nil {
		return fmt.Errorf("conversation repo: release: %w", err)
	}
	return expectOne(res, "conversation repo")
}

// AppendMessage appends to the history and bumps the matching counter in a single update.
func (r *ConversationRepository) AppendMessage(ctx context.Context, id string, msg domain.Message) (*domain.ConversationState, error) {
	payload, err := marshalJSON("message", msg)
	if err != nil {
		return nil, fmt.Errorf("conversation repo: %w", err)
	}
	var sent, received int
	switch msg.Type {
	case domain.MessageOutbound:
		sent = 1
	case domain.MessageInbound:
		received = 1
	}
	return r.queryOne(ctx, "append message", `UPDATE conversation_states
		SET message_history = message_history || jsonb_build_array($2::jsonb),
			messages_sent = messages_sent + $3,
			messages_received = messages_received + $4,
			last_active = $5
		WHERE id = $1
		RETURNING `+conversationColumns, id, payload, sent, received, msg.Timestamp)
}

func (r *ConversationRepository) queryOne(ctx context.Context, action, q string, args ...any) (*domain.ConversationState, error) {
	var rec conversationRecord
	if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("conversation repo: %s: %w", action, err)
	}
	return rec.toDomain()
}

func expectOne(res sql.Result, component string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", component, err)
	}
	if n == 0 {
		return repository.ErrClaimLost
	}
	return nil
}

type conversationRecord struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	UserID             string         `db:"user_id"`
	CampaignID         string         `db:"campaign_id"`
	CampaignType       string         `db:"campaign_type"`
	CurrentStage       string         `db:"current_stage"`
	Stages             []byte         `db:"stages"`
	MessageHistory     []byte         `db:"message_history"`
	Context            []byte         `db:"context"`
	MessagesSent       int            `db:"messages_sent"`
	MessagesReceived   int            `db:"messages_received"`
	StageProgressions  int            `db:"stage_progressions"`
	Status             string         `db:"status"`
	NextProcessingTime sql.NullTime   `db:"next_processing_time"`
	Attempts           int            `db:"attempts"`
	ClaimedBy          sql.NullString `db:"claimed_by"`
	ClaimedAt          sql.NullTime   `db:"claimed_at"`
	Metadata           []byte         `db:"metadata"`
	CreatedAt          time.Time      `db:"created_at"`
	LastActive         time.Time      `db:"last_active"`
}

func (r conversationRecord) toDomain() (*domain.ConversationState, error) {
	conv := &domain.ConversationState{
		ID:           r.ID,
		TenantID:     r.TenantID,
		UserID:       r.UserID,
		CampaignID:   r.CampaignID,
		CampaignType: r.CampaignType,
		CurrentStage: r.CurrentStage,
		Metrics: domain.ConversationMetrics{
			MessagesSent:      r.MessagesSent,
			MessagesReceived:  r.MessagesReceived,
			StageProgressions: r.StageProgressions,
		},
		Status:             domain.ConversationStatus(r.Status),
		NextProcessingTime: nullTimePtr(r.NextProcessingTime),
		Attempts:           r.Attempts,
		ClaimedBy:          r.ClaimedBy.String,
		ClaimedAt:          nullTimePtr(r.ClaimedAt),
		CreatedAt:          r.CreatedAt,
		LastActive:         r.LastActive,
	}
	if err := unmarshalJSON("stages", r.Stages, &conv.Stages); err != nil {
		return nil, fmt.Errorf("conversation repo: %w", err)
	}
	if err := unmarshalJSON("message_history", r.MessageHistory, &conv.MessageHistory); err != nil {
		return nil, fmt.Errorf("conversation repo: %w", err)
	}
	if err := unmarshalJSON("context", r.Context, &conv.Context); err != nil {
		return nil, fmt.Errorf("conversation repo: %w", err)
	}
	if err := unmarshalJSON("metadata", r.Metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("conversation repo: %w", err)
	}
	return conv, nil
}
