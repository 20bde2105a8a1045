package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/conversation-campaign/internal/domain"
)

// EventStore persists the conversation event log in Scylla.
type EventStore struct {
	session *gocql.Session
}

// NewEventStore creates a new event store.
func NewEventStore(session *gocql.Session) *EventStore {
	return &EventStore{session: session}
}

// Append writes one event. Events are clustered by a time-based uuid so reads come back in order.
func (s *EventStore) Append(ctx context.Context, event domain.ConversationEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	eventID := gocql.UUIDFromTime(occurred)
	if event.ID != "" {
		if parsed, err := gocql.ParseUUID(event.ID); err == nil && parsed.Version() == 1 {
			eventID = parsed
		}
	}

	if err := s.session.Query(`INSERT INTO conversation_events (conversation_id, event_id, campaign_id, tenant_id, kind, stage, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ConversationID, eventID, event.CampaignID, event.TenantID, string(event.Kind), event.Stage, event.Detail, occurred,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: insert: %w", err)
	}
	return nil
}

// List returns one page of a conversation's events plus the paging state of the next page.
func (s *EventStore) List(ctx context.Context, conversationID string, limit int, pagingState []byte) ([]domain.ConversationEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT event_id, campaign_id, tenant_id, kind, stage, detail, occurred_at
		FROM conversation_events WHERE conversation_id = ?`, conversationID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	events := make([]domain.ConversationEvent, 0, limit)

	var (
		eventID    gocql.UUID
		campaignID string
		tenantID   string
		kind       string
		stage      string
		detail     string
		occurred   time.Time
	)
	for iter.Scan(&eventID, &campaignID, &tenantID, &kind, &stage, &detail, &occurred) {
		events = append(events, domain.ConversationEvent{
			ID:             eventID.String(),
			ConversationID: conversationID,
			CampaignID:     campaignID,
			TenantID:       tenantID,
			Kind:           domain.ConversationEventKind(kind),
			Stage:          stage,
			Detail:         detail,
			OccurredAt:     occurred,
		})
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("event store: iter close: %w", err)
	}
	return events, nextState, nil
}
