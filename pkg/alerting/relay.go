package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/httpclient"
)

// Relay forwards alert and incident events from the bus to an on-call
// webhook. Without a webhook it only logs them.
type Relay struct {
	client     *http.Client
	webhookURL string
	attempts   int
	baseDelay  time.Duration
}

func NewRelay(client *http.Client, webhookURL string, attempts int) *Relay {
	if client == nil {
		client = httpclient.New(10 * time.Second)
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Relay{client: client, webhookURL: webhookURL, attempts: attempts, baseDelay: 200 * time.Millisecond}
}

// Handle matches kafka.EventHandler. Unknown event types are skipped so they
// get committed instead of redelivered forever.
func (r *Relay) Handle(ctx context.Context, event models.Event) error {
	fields := map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	}
	switch event.Type {
	case EventInteractionAlert:
		fields["patient_id"] = event.Data["patient_id"]
		fields["max_severity"] = event.Data["max_severity"]
	case EventOverrideIncident:
		fields["override_id"] = event.Data["override_id"]
		fields["interaction_id"] = event.Data["interaction_id"]
	default:
		logger.Log.WithFields(fields).Debug("ignoring event")
		return nil
	}
	logger.Log.WithFields(fields).Warn("relaying interaction event")

	if r.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return httpclient.Retry(ctx, r.attempts, r.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return httpclient.CheckResponse(resp)
	})
}
