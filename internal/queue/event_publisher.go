package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// StageEventPublisher publishes stage events keyed by conversation id, so events of one
// conversation stay ordered on a partition.
type StageEventPublisher struct {
	writer *kafka.Writer
}

// NewStageEventPublisher constructs a publisher for the given topic.
func NewStageEventPublisher(k *Kafka, topic string) *StageEventPublisher {
	return &StageEventPublisher{writer: k.NewWriter(topic)}
}

// PublishStageEvent emits a stage event.
func (p *StageEventPublisher) PublishStageEvent(ctx context.Context, event StageEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stage event publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(event.ConversationID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(event.TenantID)},
			{Key: "task_id", Value: []byte(event.TaskID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("stage event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StageEventPublisher) Close() error {
	return p.writer.Close()
}
