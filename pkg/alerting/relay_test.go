package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

func TestRelayForwardsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event models.Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		assert.Equal(t, EventInteractionAlert, event.Type)
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, 1)
	err := relay.Handle(context.Background(), models.Event{
		ID:   "e1",
		Type: EventInteractionAlert,
		Data: map[string]interface{}{"patient_id": "p1", "max_severity": "severe"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
}

func TestRelaySkipsUnknownEvents(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, 1)
	require.NoError(t, relay.Handle(context.Background(), models.Event{ID: "e2", Type: EventBatchCompleted}))
	assert.Equal(t, int32(0), received.Load())
}

func TestRelayReportsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, 3)
	err := relay.Handle(context.Background(), models.Event{ID: "e3", Type: EventOverrideIncident})
	assert.Error(t, err)

	assert.NoError(t, NewRelay(nil, "", 0).Handle(context.Background(), models.Event{ID: "e4", Type: EventOverrideIncident}))
}
