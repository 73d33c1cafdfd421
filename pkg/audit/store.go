package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

var (
	ErrRunLogNotFound      = errors.New("run log not found")
	ErrRunLogExists        = errors.New("run log already recorded")
	ErrInteractionNotFound = errors.New("interaction not found in any run log")
	ErrOverrideNotFound    = errors.New("override not found")
	ErrOverrideExists      = errors.New("override already recorded")
	ErrOverrideApproved    = errors.New("override already approved")
)

const defaultListLimit = 50

// RunLogStore is append-only: a recorded run log is never changed.
type RunLogStore interface {
	Append(ctx context.Context, log models.RunLog) error
	Get(ctx context.Context, id string) (models.RunLog, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]models.RunLog, error)
	// FindInteraction returns the most recent run log that produced the
	// finding, together with the finding itself.
	FindInteraction(ctx context.Context, interactionID string) (models.RunLog, models.DrugInteraction, error)
}

type OverrideStore interface {
	Create(ctx context.Context, rec models.OverrideRecord) error
	Get(ctx context.Context, id string) (models.OverrideRecord, error)
	// Approve records the second signoff on a pending override. Only one
	// approval can succeed; later calls get ErrOverrideApproved.
	Approve(ctx context.Context, id, signoffUserID string, at time.Time) (models.OverrideRecord, error)
	ListByInteraction(ctx context.Context, interactionID string) ([]models.OverrideRecord, error)
}

type IncidentStore interface {
	Create(ctx context.Context, inc models.Incident) error
	ListByOverride(ctx context.Context, overrideID string) ([]models.Incident, error)
	Recent(ctx context.Context, limit int) ([]models.Incident, error)
}

// deepCopy round-trips v through JSON so stored values share nothing with
// callers.
func deepCopy[T any](v T) (T, error) {
	var out T
	payload, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(payload, &out)
	return out, err
}

func findingIn(log models.RunLog, interactionID string) (models.DrugInteraction, bool) {
	for _, f := range log.Output {
		if f.ID == interactionID {
			return f, true
		}
	}
	return models.DrugInteraction{}, false
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
