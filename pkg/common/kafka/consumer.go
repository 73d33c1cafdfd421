package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

const (
	defaultHandlerAttempts = 3
	retryBackoff           = 500 * time.Millisecond
)

type EventHandler func(ctx context.Context, event models.Event) error

// Consumer reads one topic as part of a consumer group. A handler error is
// retried in place; after the last attempt the message is committed and
// logged so one bad event cannot stall the partition.
type Consumer struct {
	reader   *kafka.Reader
	attempts int
}

func NewConsumer(brokers []string, topic string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, attempts: defaultHandlerAttempts}
}

func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		event, err := decodeMessage(message)
		if err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Dropping undecodable event")
		} else if err := c.handle(ctx, handler, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
				"attempts":   c.attempts,
			}).Error("Dropping event after repeated handler failures")
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = handler(ctx, event); err == nil {
			return nil
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func decodeMessage(message kafka.Message) (models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return models.Event{}, err
	}
	if event.Type == "" {
		for _, h := range message.Headers {
			if h.Key == "event-type" {
				event.Type = string(h.Value)
			}
		}
	}
	return event, nil
}
