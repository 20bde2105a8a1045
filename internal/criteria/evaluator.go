// Package criteria scores engagement against a stage's completion criteria.
package criteria

import (
	"context"
	"strings"

	"github.com/acme/conversation-campaign/internal/domain"
)

// Evaluator returns the positive-signal count accumulated by a conversation in its current stage.
type Evaluator interface {
	Signals(ctx context.Context, conv *domain.ConversationState, stage domain.Stage) (int, error)
}

// InboundSignals counts inbound messages received since the current stage was entered. When the
// stage's completion_criteria carries a "keywords" list, only messages containing one of them count.
type InboundSignals struct{}

// NewInboundSignals builds the default evaluator.
func NewInboundSignals() InboundSignals { return InboundSignals{} }

func (InboundSignals) Signals(_ context.Context, conv *domain.ConversationState, stage domain.Stage) (int, error) {
	entry := conv.CurrentEntry()
	if entry == nil {
		return 0, nil
	}
	keywords := Keywords(stage.CompletionCriteria)

	count := 0
	for _, msg := range conv.MessageHistory {
		if msg.Type != domain.MessageInbound || msg.Timestamp.Before(entry.EnteredAt) {
			continue
		}
		if len(keywords) > 0 && !containsAny(msg.Content, keywords) {
			continue
		}
		count++
	}
	return count, nil
}

// Keywords extracts the lower-cased keyword list from completion criteria.
func Keywords(criteria map[string]any) []string {
	raw, ok := criteria["keywords"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		for _, k := range v {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, strings.ToLower(k))
			}
		}
	case []any:
		for _, item := range v {
			if k, ok := item.(string); ok {
				if k = strings.TrimSpace(k); k != "" {
					out = append(out, strings.ToLower(k))
				}
			}
		}
	}
	return out
}

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
