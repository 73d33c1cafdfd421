package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/kafka"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/httpclient"
)

// BatchNotifier is told when a batch finishes.
type BatchNotifier interface {
	BatchCompleted(ctx context.Context, callbackURL string, result models.BatchResult) error
}

// CallbackNotifier publishes a batch.completed event and, when the caller
// supplied a callback URL, POSTs the result there with retries.
type CallbackNotifier struct {
	client    *http.Client
	events    kafka.Publisher
	attempts  int
	baseDelay time.Duration
}

func NewCallbackNotifier(client *http.Client, events kafka.Publisher, attempts int) *CallbackNotifier {
	if client == nil {
		client = httpclient.New(10 * time.Second)
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &CallbackNotifier{client: client, events: events, attempts: attempts, baseDelay: 200 * time.Millisecond}
}

func (n *CallbackNotifier) BatchCompleted(ctx context.Context, callbackURL string, result models.BatchResult) error {
	if n.events != nil {
		if err := n.events.PublishEvent(ctx, EventBatchCompleted, eventSource, map[string]interface{}{
			"batch_id":           result.BatchID,
			"total_patients":     result.TotalPatients,
			"processed_patients": result.ProcessedPatients,
			"failed_patients":    result.FailedPatients,
			"cancelled":          result.Cancelled,
		}); err != nil {
			logger.Log.WithError(err).WithField("batch_id", result.BatchID).Warn("failed to publish batch completion event")
		}
	}
	if callbackURL == "" {
		return nil
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode batch result: %w", err)
	}
	err = httpclient.Retry(ctx, n.attempts, n.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return httpclient.CheckResponse(resp)
	})
	if err != nil {
		return fmt.Errorf("batch %s callback: %w", result.BatchID, err)
	}
	return nil
}
