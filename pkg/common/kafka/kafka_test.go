package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

func TestEncodeMessageKeysByPatient(t *testing.T) {
	event := models.Event{ID: "e1", Type: "interaction.alert", Source: "test", Data: map[string]interface{}{"patient_id": "p7"}}
	msg, err := encodeMessage(event)
	require.NoError(t, err)
	assert.Equal(t, "p7", string(msg.Key))
	assert.Len(t, msg.Headers, 3)

	msg, err = encodeMessage(models.Event{ID: "e2", Type: "batch.completed"})
	require.NoError(t, err)
	assert.Equal(t, "e2", string(msg.Key))

	decoded, err := decodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "e2", decoded.ID)
	assert.Equal(t, "batch.completed", decoded.Type)
}

func TestDecodeFallsBackToHeaderType(t *testing.T) {
	msg := kafka.Message{
		Value:   []byte(`{"id":"e3"}`),
		Headers: []kafka.Header{{Key: "event-type", Value: []byte("override.incident")}},
	}
	event, err := decodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "override.incident", event.Type)

	_, err = decodeMessage(kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
}

func TestHandleRetriesThenGivesUp(t *testing.T) {
	c := &Consumer{attempts: 2}
	calls := 0
	err := c.handle(context.Background(), func(context.Context, models.Event) error {
		calls++
		return errors.New("webhook down")
	}, models.Event{ID: "e4"})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = c.handle(context.Background(), func(context.Context, models.Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}, models.Event{ID: "e5"})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestHandleStopsOnCancel(t *testing.T) {
	c := &Consumer{attempts: 5}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.handle(ctx, func(context.Context, models.Event) error { return errors.New("down") }, models.Event{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
