package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/synaptica-ai/interaction-engine/pkg/audit"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/observability/metrics"
)

const (
	ReasonClinicalJudgment     = "clinical_judgment"
	ReasonBenefitOutweighsRisk = "benefit_outweighs_risk"
	ReasonMonitoringInPlace    = "monitoring_in_place"
	ReasonPreviouslyTolerated  = "patient_previously_tolerated"
	ReasonNoAlternative        = "no_alternative_available"
	ReasonEmergencyUse         = "emergency_use"

	IncidentPendingSignoff = "override_pending_signoff"
)

// reasonCodes maps every accepted reason code to whether it needs a second
// clinician's signoff.
var reasonCodes = map[string]bool{
	ReasonClinicalJudgment:     false,
	ReasonBenefitOutweighsRisk: false,
	ReasonMonitoringInPlace:    false,
	ReasonPreviouslyTolerated:  false,
	ReasonNoAlternative:        true,
	ReasonEmergencyUse:         true,
}

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrOverrideNotAllowed  = errors.New("finding cannot be overridden")
	ErrOverrideApproved    = audit.ErrOverrideApproved
	ErrInteractionNotFound = audit.ErrInteractionNotFound
	ErrOverrideNotFound    = audit.ErrOverrideNotFound
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// RequiresSecondSignoff reports whether a reason code needs a second signoff.
func RequiresSecondSignoff(reasonCode string) bool {
	return reasonCodes[reasonCode]
}

func validateOverride(req models.OverrideRequest) error {
	switch {
	case strings.TrimSpace(req.InteractionID) == "":
		return ValidationError{Field: "interaction_id", Message: "required"}
	case strings.TrimSpace(req.UserID) == "":
		return ValidationError{Field: "user_id", Message: "required"}
	case strings.TrimSpace(req.ClinicalJustification) == "":
		return ValidationError{Field: "clinical_justification", Message: "required"}
	}
	if _, ok := reasonCodes[req.ReasonCode]; !ok {
		return ValidationError{Field: "reason_code", Message: fmt.Sprintf("unknown reason code %q", req.ReasonCode)}
	}
	if req.SecondSignoffUserID != "" && req.SecondSignoffUserID == req.UserID {
		return ValidationError{Field: "second_signoff_user_id", Message: "must differ from the overriding user"}
	}
	return nil
}

// CreateOverride records a clinician's decision to proceed despite a
// finding. When a second signoff is needed and missing, the record is stored
// unapproved and exactly one incident is opened before returning.
func (s *Service) CreateOverride(ctx context.Context, req models.OverrideRequest) (models.OverrideRecord, error) {
	if err := validateOverride(req); err != nil {
		return models.OverrideRecord{}, err
	}
	run, finding, err := s.runLogs.FindInteraction(ctx, req.InteractionID)
	if err != nil {
		return models.OverrideRecord{}, fmt.Errorf("override %s: %w", req.InteractionID, err)
	}
	if !finding.OverrideAllowed {
		return models.OverrideRecord{}, fmt.Errorf("%s (%s, %s): %w", finding.ID, finding.Type, finding.Severity, ErrOverrideNotAllowed)
	}

	now := s.now()
	rec := models.OverrideRecord{
		ID:                        uuid.New().String(),
		InteractionID:             finding.ID,
		PatientID:                 run.PatientID,
		UserID:                    req.UserID,
		ReasonCode:                req.ReasonCode,
		ReasonText:                req.ReasonText,
		ClinicalJustification:     req.ClinicalJustification,
		PrescriberConsulted:       req.PrescriberConsulted,
		MonitoringPlanImplemented: req.MonitoringPlanImplemented,
		RequiresSecondSignoff:     RequiresSecondSignoff(req.ReasonCode) || finding.RequiresSecondSignoff,
		CreatedAt:                 now,
	}
	if rec.RequiresSecondSignoff && req.SecondSignoffUserID != "" {
		rec.SecondSignoffUserID = req.SecondSignoffUserID
		rec.SecondSignoffAt = &now
	}
	rec.Approved = !rec.RequiresSecondSignoff || rec.SecondSignoffUserID != ""

	var incident *models.Incident
	if !rec.Approved {
		incident = &models.Incident{
			ID:            uuid.New().String(),
			Kind:          IncidentPendingSignoff,
			OverrideID:    rec.ID,
			InteractionID: rec.InteractionID,
			PatientID:     rec.PatientID,
			Description: fmt.Sprintf("Override of %s by %s (%s) is awaiting a second signoff.",
				strings.Join(finding.DrugNames, " + "), rec.UserID, rec.ReasonCode),
			CreatedAt: now,
		}
		rec.IncidentID = incident.ID
	}

	// The record goes first so an incident never names a missing override.
	if err := s.overrides.Create(ctx, rec); err != nil {
		return models.OverrideRecord{}, fmt.Errorf("persist override %s: %w", rec.ID, err)
	}
	if incident != nil {
		if err := s.incidents.Create(ctx, *incident); err != nil {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"override_id": rec.ID,
				"incident_id": incident.ID,
			}).Error("override stored pending but its incident could not be opened")
			return rec, fmt.Errorf("open incident for override %s: %w", rec.ID, err)
		}
		metrics.ObserveIncident()
		if err := s.publisher.PublishIncident(ctx, *incident); err != nil {
			logger.Log.WithError(err).WithField("incident_id", incident.ID).Warn("failed to publish override incident")
		}
	}
	metrics.ObserveOverride()
	logger.Log.WithFields(map[string]interface{}{
		"override_id":    rec.ID,
		"interaction_id": rec.InteractionID,
		"reason_code":    rec.ReasonCode,
		"approved":       rec.Approved,
		"incident_id":    rec.IncidentID,
	}).Info("override recorded")
	return rec, nil
}

// ApproveOverride attaches a second signoff to a pending override.
func (s *Service) ApproveOverride(ctx context.Context, id, signoffUserID string) (models.OverrideRecord, error) {
	if strings.TrimSpace(signoffUserID) == "" {
		return models.OverrideRecord{}, ValidationError{Field: "user_id", Message: "required"}
	}
	rec, err := s.overrides.Get(ctx, id)
	if err != nil {
		return models.OverrideRecord{}, fmt.Errorf("approve override %s: %w", id, err)
	}
	if rec.Approved {
		return rec, fmt.Errorf("approve override %s: %w", id, ErrOverrideApproved)
	}
	if signoffUserID == rec.UserID {
		return models.OverrideRecord{}, ValidationError{Field: "user_id", Message: "second signoff must come from a different clinician"}
	}

	rec, err = s.overrides.Approve(ctx, id, signoffUserID, s.now())
	if err != nil {
		return rec, fmt.Errorf("approve override %s: %w", id, err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"override_id": rec.ID,
		"signoff_by":  signoffUserID,
		"incident_id": rec.IncidentID,
	}).Info("override approved")
	return rec, nil
}

func (s *Service) GetOverride(ctx context.Context, id string) (models.OverrideRecord, error) {
	rec, err := s.overrides.Get(ctx, id)
	if err != nil {
		return models.OverrideRecord{}, fmt.Errorf("override %s: %w", id, err)
	}
	return rec, nil
}
