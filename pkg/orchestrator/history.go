package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

// History lists a patient's past checks, newest first.
func (s *Service) History(ctx context.Context, patientID string, limit int) ([]models.HistoryEntry, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, ValidationError{Field: "patient_id", Message: "required"}
	}
	logs, err := s.runLogs.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", patientID, err)
	}
	out := make([]models.HistoryEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, models.HistoryEntry{
			RunLogID:     l.ID,
			RequestID:    l.RequestID,
			Status:       l.Status,
			Interactions: l.Output,
			Summary:      l.Summary,
			CreatedAt:    l.CreatedAt,
		})
	}
	return out, nil
}

// priorFindings feeds the predictive layer's history features from runs
// recorded before the cutoff; a zero cutoff takes every run. A store outage
// only costs those features.
func (s *Service) priorFindings(ctx context.Context, patientID string, before time.Time) []models.DrugInteraction {
	if patientID == "" {
		return nil
	}
	logs, err := s.runLogs.ListByPatient(ctx, patientID, s.historyDepth)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", patientID).Warn("patient history unavailable")
		return nil
	}
	var out []models.DrugInteraction
	for _, l := range logs {
		if !before.IsZero() && !l.CreatedAt.Before(before) {
			continue
		}
		if l.Status == models.RunStatusSuccess {
			out = append(out, l.Output...)
		}
	}
	return out
}
