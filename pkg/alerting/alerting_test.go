package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

type capturedEvent struct {
	eventType string
	data      map[string]interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *fakePublisher) PublishEvent(_ context.Context, eventType, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType: eventType, data: data})
	return nil
}

func TestBuildAlertOnlyForSevere(t *testing.T) {
	findings := []models.DrugInteraction{
		{ID: "ddi:a+b", Severity: models.SeverityMajor, DrugNames: []string{"A", "B"}},
	}
	_, ok := BuildAlert("r1", "p1", findings)
	assert.False(t, ok)

	findings = append(findings, models.DrugInteraction{ID: "allergy:amoxicillin+penicillin", Severity: models.SeveritySevere, DrugNames: []string{"Amoxicillin"}})
	alert, ok := BuildAlert("r1", "p1", findings)
	require.True(t, ok)
	assert.Equal(t, []string{"allergy:amoxicillin+penicillin"}, alert.InteractionIDs)
	assert.Equal(t, models.SeveritySevere, alert.MaxSeverity)
	assert.Contains(t, alert.Message, "Amoxicillin")
	assert.NotEmpty(t, alert.ID)
}

func TestEventAlerterPublishesTypedEvents(t *testing.T) {
	alerts, incidents := &fakePublisher{}, &fakePublisher{}
	a := NewEventAlerter(alerts, incidents)
	require.NoError(t, a.Alert(context.Background(), models.Alert{ID: "a1", PatientID: "p1", MaxSeverity: models.SeveritySevere}))
	require.NoError(t, a.PublishIncident(context.Background(), models.Incident{ID: "i1", OverrideID: "o1"}))

	require.Len(t, alerts.events, 1)
	assert.Equal(t, EventInteractionAlert, alerts.events[0].eventType)
	assert.Equal(t, "severe", alerts.events[0].data["max_severity"])
	require.Len(t, incidents.events, 1)
	assert.Equal(t, EventOverrideIncident, incidents.events[0].eventType)
	assert.Equal(t, "o1", incidents.events[0].data["override_id"])
}

func TestCallbackNotifierPostsResult(t *testing.T) {
	var hits atomic.Int32
	var got models.BatchResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	events := &fakePublisher{}
	n := NewCallbackNotifier(srv.Client(), events, 3)
	n.baseDelay = 0
	result := models.BatchResult{BatchID: "b1", TotalPatients: 5, ProcessedPatients: 4, FailedPatients: 1}
	require.NoError(t, n.BatchCompleted(context.Background(), srv.URL, result))

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "b1", got.BatchID)
	require.Len(t, events.events, 1)
	assert.Equal(t, EventBatchCompleted, events.events[0].eventType)
	assert.Equal(t, 1, events.events[0].data["failed_patients"])
}

func TestCallbackNotifierReportsRejectedCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewCallbackNotifier(srv.Client(), nil, 3)
	err := n.BatchCompleted(context.Background(), srv.URL, models.BatchResult{BatchID: "b2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b2")
	assert.NoError(t, n.BatchCompleted(context.Background(), "", models.BatchResult{BatchID: "b3"}))
}
