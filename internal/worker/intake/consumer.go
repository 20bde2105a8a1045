package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/queue"
	apperrors "github.com/acme/conversation-campaign/pkg/errors"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter stores batch requests.
type Submitter interface {
	Submit(ctx context.Context, req *domain.BatchRequest) (*domain.BatchRequest, error)
}

// Consumer turns batch intake messages into new batch request records.
type Consumer struct {
	reader     MessageReader
	submitter  Submitter
	logger     *zap.Logger
	tracer     trace.Tracer
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer constructs an intake consumer. It owns reader and closes it when Run returns.
func NewConsumer(reader MessageReader, submitter Submitter, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:     reader,
		submitter:  submitter,
		logger:     logger.Named("intake"),
		tracer:     otel.Tracer("campaign.intake"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. A message is committed once it is stored, rejected as
// malformed, or recognised as a duplicate; store outages are retried in place.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	fetchBackoff := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("intake: fetch", zap.Error(err), zap.Duration("backoff", fetchBackoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchBackoff):
			}
			fetchBackoff *= 2
			if fetchBackoff > c.maxBackoff {
				fetchBackoff = c.maxBackoff
			}
			continue
		}
		fetchBackoff = c.minBackoff

		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("intake: commit", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

// handle returns an error only when ctx is cancelled while retrying.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := c.tracer.Start(ctx, "intake.message", trace.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("partition", msg.Partition),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	var payload queue.BatchIntakeMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		span.RecordError(err)
		c.logger.Error("intake: malformed message dropped", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}
	req := payload.BatchRequest
	if req.ID == "" && len(msg.Key) > 0 {
		req.ID = string(msg.Key)
	}

	backoff := c.minBackoff
	for {
		stored, err := c.submitter.Submit(ctx, &req)
		switch {
		case err == nil:
			c.logger.Debug("intake: batch request stored", zap.String("batch_request_id", stored.ID))
			return nil
		case errors.Is(err, apperrors.ErrConflict):
			c.logger.Info("intake: duplicate batch request skipped", zap.String("batch_request_id", req.ID))
			return nil
		case errors.Is(err, apperrors.ErrValidation):
			c.logger.Error("intake: batch request rejected", zap.Error(err))
			return nil
		}

		span.RecordError(err)
		c.logger.Warn("intake: store unavailable, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}
