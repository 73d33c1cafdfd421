package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

// Publisher is the subset of the producer the pipeline depends on.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Producer writes events to one topic. Events that name a patient are keyed
// by patient id so one patient's alerts and incidents stay ordered on a
// single partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

func (p *Producer) Topic() string {
	return p.writer.Topic
}

func (p *Producer) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"topic": p.writer.Topic},
	}
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
			"topic":      p.writer.Topic,
		}).Error("Failed to publish event")
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.writer.Topic,
		"key":        string(msg.Key),
	}).Debug("Event published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func encodeMessage(event models.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	key := event.ID
	headers := []kafka.Header{
		{Key: "event-type", Value: []byte(event.Type)},
		{Key: "source", Value: []byte(event.Source)},
	}
	if patientID, ok := event.Data["patient_id"].(string); ok && patientID != "" {
		key = patientID
		headers = append(headers, kafka.Header{Key: "patient-id", Value: []byte(patientID)})
	}
	return kafka.Message{Key: []byte(key), Value: value, Headers: headers, Time: event.Timestamp}, nil
}
