package memory

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/acme/conversation-campaign/internal/domain"
)

// EventLog is an in-memory repository.EventLog. Paging state is the encoded offset.
type EventLog struct {
	mu     sync.Mutex
	events map[string][]domain.ConversationEvent
}

// NewEventLog builds an empty log.
func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string][]domain.ConversationEvent)}
}

func (l *EventLog) Append(_ context.Context, event domain.ConversationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.ConversationID] = append(l.events[event.ConversationID], event)
	return nil
}

func (l *EventLog) List(_ context.Context, conversationID string, limit int, pagingState []byte) ([]domain.ConversationEvent, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.events[conversationID]
	offset := 0
	if len(pagingState) == 8 {
		offset = int(binary.BigEndian.Uint64(pagingState))
	}
	if offset >= len(all) {
		return nil, nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]domain.ConversationEvent, end-offset)
	copy(page, all[offset:end])
	var next []byte
	if end < len(all) {
		next = binary.BigEndian.AppendUint64(nil, uint64(end))
	}
	return page, next, nil
}
