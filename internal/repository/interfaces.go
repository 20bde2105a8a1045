package repository

import (
	"context"
	"time"

	"github.com/acme/conversation-campaign/internal/domain"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrClaimLost indicates a conditional update found the record in another state.
	ErrClaimLost = apperrors.ErrClaimLost
)

// BatchRequestRepository stores inbound batch requests.
type BatchRequestRepository interface {
	Create(ctx context.Context, req *domain.BatchRequest) error
	Get(ctx context.Context, id string) (*domain.BatchRequest, error)
	ListNew(ctx context.Context, serviceType string, limit int) ([]*domain.BatchRequest, error)
	// MarkProcessing moves a request from new to processing. It returns ErrClaimLost if the
	// request is no longer new.
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, campaignID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// CampaignRepository stores campaigns.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	// TransitionStatus flips status from -> to in one conditional update. It returns ErrClaimLost
	// when the campaign is not in from.
	TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
	// Complete moves an active campaign to completed and stores the final metrics snapshot.
	Complete(ctx context.Context, id string, metrics *domain.CampaignMetrics, at time.Time) error
	// Fail moves a non-terminal campaign to failed.
	Fail(ctx context.Context, id, reason string) error
}

// ConversationRepository stores conversation states.
type ConversationRepository interface {
	// Create inserts a conversation. It returns ErrConflict when (campaign_id, user_id) exists.
	Create(ctx context.Context, conv *domain.ConversationState) error
	Get(ctx context.Context, id string) (*domain.ConversationState, error)
	ListUserIDs(ctx context.Context, campaignID string) ([]string, error)
	// CountByStatus returns the number of conversations of a campaign per status.
	CountByStatus(ctx context.Context, campaignID string) (map[domain.ConversationStatus]int64, error)
	// ListDue returns conversations eligible for processing ordered by last_active ascending.
	ListDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.ConversationState, error)
	// Claim atomically moves an eligible conversation to processing and returns the claimed state.
	// It returns ErrClaimLost when the conversation is not eligible anymore.
	Claim(ctx context.Context, id, processorID string, now time.Time, lease time.Duration) (*domain.ConversationState, error)
	// AdvanceStage replaces the stage list if the conversation is still in fromStage.
	AdvanceStage(ctx context.Context, id, fromStage string, stages []domain.StageEntry, now time.Time) error
	// Release ends a claim held by processorID. It returns ErrClaimLost if the claim moved on.
	Release(ctx context.Context, id, processorID string, update ReleaseUpdate) error
	// AppendMessage appends to the history and bumps the matching counter in one update.
	AppendMessage(ctx context.Context, id string, msg domain.Message) (*domain.ConversationState, error)
}

// ReleaseUpdate is the state written when a claim ends.
type ReleaseUpdate struct {
	Status             domain.ConversationStatus
	NextProcessingTime *time.Time
	Attempts           int
	Metadata           domain.ConversationMetadata
	At                 time.Time
}

// MetricsRepository keeps running campaign aggregates.
type MetricsRepository interface {
	Ensure(ctx context.Context, campaignID string, stages []string) error
	Get(ctx context.Context, campaignID string) (*domain.CampaignCounters, []domain.StageCounters, error)
	ApplyDelta(ctx context.Context, campaignID string, delta MetricsDelta) error
}

// MetricsDelta captures atomic counter increments.
type MetricsDelta struct {
	RecipientsDelta        int64
	CompletedDelta         int64
	FailedDelta            int64
	MessagesSentDelta      int64
	MessagesReceivedDelta  int64
	StageProgressionsDelta int64
	StageEntered           map[string]int64
	StageCompleted         map[string]int64
}

// IsZero reports whether applying the delta would change nothing.
func (d MetricsDelta) IsZero() bool {
	return d.RecipientsDelta == 0 && d.CompletedDelta == 0 && d.FailedDelta == 0 &&
		d.MessagesSentDelta == 0 && d.MessagesReceivedDelta == 0 && d.StageProgressionsDelta == 0 &&
		len(d.StageEntered) == 0 && len(d.StageCompleted) == 0
}

// TaskRepository is the task claim primitive's store.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	ListPending(ctx context.Context, taskType, tenantID string, limit int) ([]*domain.Task, error)
	// Claim performs pending -> claimed as a single conditional write. A lost race returns false, nil.
	Claim(ctx context.Context, id, processorID string) (bool, error)
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id, reason string) error
}

// EventLog persists the conversation audit trail.
type EventLog interface {
	Append(ctx context.Context, event domain.ConversationEvent) error
	List(ctx context.Context, conversationID string, limit int, pagingState []byte) ([]domain.ConversationEvent, []byte, error)
}
