package models

import "time"

const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// RunLog is the immutable audit record of one orchestration invocation.
type RunLog struct {
	ID             string             `json:"id"`
	RequestID      string             `json:"request_id"`
	PatientID      string             `json:"patient_id"`
	UserID         string             `json:"user_id,omitempty"`
	Source         string             `json:"source,omitempty"`
	Status         string             `json:"status"`
	Input          CheckRequest       `json:"input"`
	Output         []DrugInteraction  `json:"output"`
	Summary        Summary            `json:"summary"`
	StageTimingsMs map[string]float64 `json:"stage_timings_ms"`
	Errors         []string           `json:"errors,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
	InteractionIDs []string           `json:"interaction_ids"`
	CreatedAt      time.Time          `json:"created_at"`
}

type OverrideRequest struct {
	InteractionID             string `json:"interaction_id"`
	UserID                    string `json:"user_id"`
	ReasonCode                string `json:"reason_code"`
	ReasonText                string `json:"reason_text"`
	ClinicalJustification     string `json:"clinical_justification"`
	SecondSignoffUserID       string `json:"second_signoff_user_id,omitempty"`
	PrescriberConsulted       bool   `json:"prescriber_consulted"`
	MonitoringPlanImplemented *bool  `json:"monitoring_plan_implemented,omitempty"`
}

type OverrideRecord struct {
	ID                        string     `json:"id"`
	InteractionID             string     `json:"interaction_id"`
	PatientID                 string     `json:"patient_id,omitempty"`
	UserID                    string     `json:"user_id"`
	ReasonCode                string     `json:"reason_code"`
	ReasonText                string     `json:"reason_text"`
	ClinicalJustification     string     `json:"clinical_justification"`
	PrescriberConsulted       bool       `json:"prescriber_consulted"`
	MonitoringPlanImplemented *bool      `json:"monitoring_plan_implemented,omitempty"`
	RequiresSecondSignoff     bool       `json:"requires_second_signoff"`
	SecondSignoffUserID       string     `json:"second_signoff_user_id,omitempty"`
	SecondSignoffAt           *time.Time `json:"second_signoff_at,omitempty"`
	Approved                  bool       `json:"approved"`
	IncidentID                string     `json:"incident_id,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
}

type Incident struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	OverrideID    string    `json:"override_id,omitempty"`
	InteractionID string    `json:"interaction_id,omitempty"`
	PatientID     string    `json:"patient_id,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

type Alert struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"request_id"`
	PatientID      string            `json:"patient_id"`
	MaxSeverity    Severity          `json:"max_severity"`
	InteractionIDs []string          `json:"interaction_ids"`
	Message        string            `json:"message"`
	CreatedAt      time.Time         `json:"created_at"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// HistoryEntry is a patient-facing projection of a RunLog.
type HistoryEntry struct {
	RunLogID     string            `json:"run_log_id"`
	RequestID    string            `json:"request_id"`
	Status       string            `json:"status"`
	Interactions []DrugInteraction `json:"interactions"`
	Summary      Summary           `json:"summary"`
	CreatedAt    time.Time         `json:"created_at"`
}

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type ComponentHealth struct {
	Status          string    `json:"status"`
	ResponseTimesMs []float64 `json:"response_times_ms"`
	AvgResponseMs   float64   `json:"avg_response_ms"`
	ErrorRate       float64   `json:"error_rate"`
	Samples         int       `json:"samples"`
	LastError       string    `json:"last_error,omitempty"`
}

type HealthReport struct {
	Status        string                     `json:"status"`
	Components    map[string]ComponentHealth `json:"components"`
	UptimePercent float64                    `json:"uptime_percent"`
	CheckedAt     time.Time                  `json:"checked_at"`
}
