package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synaptica-ai/interaction-engine/pkg/common/kafka"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

const (
	EventInteractionAlert = "interaction.alert"
	EventOverrideIncident = "override.incident"
	EventBatchCompleted   = "batch.completed"

	eventSource = "interaction-engine"
)

// Alerter delivers the decision that a clinician must be interrupted.
type Alerter interface {
	Alert(ctx context.Context, alert models.Alert) error
}

type IncidentPublisher interface {
	PublishIncident(ctx context.Context, incident models.Incident) error
}

// BuildAlert decides whether findings warrant an alert: any severe finding
// does.
func BuildAlert(requestID, patientID string, findings []models.DrugInteraction) (models.Alert, bool) {
	var ids, names []string
	for _, f := range findings {
		if f.Severity == models.SeveritySevere {
			ids = append(ids, f.ID)
			names = append(names, strings.Join(f.DrugNames, " + "))
		}
	}
	if len(ids) == 0 {
		return models.Alert{}, false
	}
	sort.Strings(ids)
	return models.Alert{
		ID:             uuid.New().String(),
		RequestID:      requestID,
		PatientID:      patientID,
		MaxSeverity:    models.SeveritySevere,
		InteractionIDs: ids,
		Message:        fmt.Sprintf("%d severe interaction(s): %s", len(ids), strings.Join(names, "; ")),
		CreatedAt:      time.Now().UTC(),
	}, true
}

// EventAlerter publishes alerts and incidents on the event bus.
type EventAlerter struct {
	alerts    kafka.Publisher
	incidents kafka.Publisher
}

func NewEventAlerter(alerts, incidents kafka.Publisher) *EventAlerter {
	return &EventAlerter{alerts: alerts, incidents: incidents}
}

func (a *EventAlerter) Alert(ctx context.Context, alert models.Alert) error {
	data, err := toEventData(alert)
	if err != nil {
		return err
	}
	return a.alerts.PublishEvent(ctx, EventInteractionAlert, eventSource, data)
}

func (a *EventAlerter) PublishIncident(ctx context.Context, incident models.Incident) error {
	data, err := toEventData(incident)
	if err != nil {
		return err
	}
	return a.incidents.PublishEvent(ctx, EventOverrideIncident, eventSource, data)
}

// LogAlerter writes alerts and incidents to the structured log. It is the
// fallback when no event bus is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, alert models.Alert) error {
	logger.Log.WithFields(map[string]interface{}{
		"alert_id":     alert.ID,
		"request_id":   alert.RequestID,
		"patient_id":   alert.PatientID,
		"interactions": alert.InteractionIDs,
	}).Warn(alert.Message)
	return nil
}

func (LogAlerter) PublishIncident(_ context.Context, incident models.Incident) error {
	logger.Log.WithFields(map[string]interface{}{
		"incident_id":    incident.ID,
		"override_id":    incident.OverrideID,
		"interaction_id": incident.InteractionID,
	}).Warn(incident.Description)
	return nil
}

// Recorder keeps everything it is given. Used by tests and local tooling.
type Recorder struct {
	mu        sync.Mutex
	alerts    []models.Alert
	incidents []models.Incident
	batches   []models.BatchResult
}

func (r *Recorder) Alert(_ context.Context, alert models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *Recorder) PublishIncident(_ context.Context, incident models.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, incident)
	return nil
}

func (r *Recorder) BatchCompleted(_ context.Context, _ string, result models.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, result)
	return nil
}

func (r *Recorder) Alerts() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Alert(nil), r.alerts...)
}

func (r *Recorder) Incidents() []models.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Incident(nil), r.incidents...)
}

func (r *Recorder) Batches() []models.BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BatchResult(nil), r.batches...)
}

func toEventData(v interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	return data, nil
}
