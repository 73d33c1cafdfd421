package models

import "time"

type RequestContext struct {
	UserID string `json:"user_id,omitempty"`
	Source string `json:"source,omitempty"`
}

// CheckOptions mirrors the caller-facing switches. Pointer fields default to
// true when absent.
type CheckOptions struct {
	SeverityThreshold      *Severity `json:"severity_threshold,omitempty"`
	IncludeMLPredictions   *bool     `json:"include_ml_predictions,omitempty"`
	IncludeAlternatives    *bool     `json:"include_alternatives,omitempty"`
	IncludeMonitoringPlans *bool     `json:"include_monitoring_plans,omitempty"`
	PersonalizationEnabled *bool     `json:"personalization_enabled,omitempty"`
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func (o CheckOptions) MLEnabled() bool           { return boolOr(o.IncludeMLPredictions, true) }
func (o CheckOptions) AlternativesEnabled() bool { return boolOr(o.IncludeAlternatives, true) }
func (o CheckOptions) MonitoringEnabled() bool   { return boolOr(o.IncludeMonitoringPlans, true) }
func (o CheckOptions) Personalize() bool         { return boolOr(o.PersonalizationEnabled, true) }

// Threshold returns the minimum severity to report.
func (o CheckOptions) Threshold() Severity {
	if o.SeverityThreshold == nil {
		return SeverityNone
	}
	return *o.SeverityThreshold
}

type CheckRequest struct {
	RequestID    string         `json:"request_id,omitempty"`
	PatientID    string         `json:"patient_id"`
	PatientFacts *PatientFacts  `json:"patient_facts,omitempty"`
	Drugs        []DrugInput    `json:"drugs"`
	Context      RequestContext `json:"context"`
	Options      CheckOptions   `json:"options"`
}

type ConfidenceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Summary struct {
	TotalInteractions int             `json:"total_interactions"`
	MaxSeverity       Severity        `json:"max_severity"`
	SeverityCounts    map[string]int  `json:"severity_counts"`
	RiskScore         float64         `json:"overall_risk_score"`
	ConfidenceRange   ConfidenceRange `json:"confidence_range"`
	RequiresAttention bool            `json:"requires_attention"`
}

type AlternativeSuggestion struct {
	InteractionID string   `json:"interaction_id"`
	ReplaceDrug   string   `json:"replace_drug"`
	Alternatives  []string `json:"alternatives"`
	Rationale     string   `json:"rationale"`
}

type MonitoringPlan struct {
	InteractionID string   `json:"interaction_id"`
	Parameters    []string `json:"parameters"`
	Frequency     string   `json:"frequency"`
	Duration      string   `json:"duration,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

type ProcessingMetadata struct {
	ProcessingTimeMs  float64            `json:"processing_time_ms"`
	StageTimingsMs    map[string]float64 `json:"stage_timings_ms"`
	DataSources       []string           `json:"data_sources"`
	ModelVersion      string             `json:"model_version,omitempty"`
	CacheHit          bool               `json:"cache_hit"`
	MLSkipped         bool               `json:"ml_skipped"`
	MLSkipReason      string             `json:"ml_skip_reason,omitempty"`
	DrugsProcessed    int                `json:"drugs_processed"`
	UnrecognizedDrugs []UnrecognizedDrug `json:"unrecognized_drugs,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	Error             string             `json:"error,omitempty"`
	RunLogID          string             `json:"run_log_id,omitempty"`
	AlertRaised       bool               `json:"alert_raised"`
}

type UnrecognizedDrug struct {
	Input       string   `json:"input"`
	Suggestions []string `json:"suggestions"`
}

type CheckResponse struct {
	RequestID                 string                  `json:"request_id"`
	PatientID                 string                  `json:"patient_id"`
	Interactions              []DrugInteraction       `json:"interactions"`
	Summary                   Summary                 `json:"summary"`
	Alternatives              []AlternativeSuggestion `json:"alternatives"`
	MonitoringRecommendations []MonitoringPlan        `json:"monitoring_recommendations"`
	Metadata                  ProcessingMetadata      `json:"metadata"`
	CreatedAt                 time.Time               `json:"created_at"`
}

// Failed reports whether the pipeline aborted for this request.
func (r CheckResponse) Failed() bool {
	return r.Metadata.Error != ""
}

const (
	BatchStatusSuccess = "success"
	BatchStatusFailed  = "failed"
)

type BatchRequest struct {
	BatchID     string         `json:"batch_id,omitempty"`
	PatientIDs  []string       `json:"patient_ids"`
	Options     CheckOptions   `json:"options"`
	Context     RequestContext `json:"context"`
	CallbackURL string         `json:"callback_url,omitempty"`
	MaxWorkers  int            `json:"max_workers,omitempty"`
}

type PatientResult struct {
	PatientID    string            `json:"patient_id"`
	Status       string            `json:"status"`
	Interactions []DrugInteraction `json:"interactions,omitempty"`
	Summary      *Summary          `json:"summary,omitempty"`
	Error        string            `json:"error,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

type BatchResult struct {
	BatchID           string          `json:"batch_id"`
	TotalPatients     int             `json:"total_patients"`
	ProcessedPatients int             `json:"processed_patients"`
	FailedPatients    int             `json:"failed_patients"`
	Cancelled         bool            `json:"cancelled"`
	Results           []PatientResult `json:"results"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       time.Time       `json:"completed_at"`
}

// ExplainRequest names a finding and, optionally, the medication list it came
// from. Without drugs the finding is looked up in the run logs. PatientID
// supplies history features for model findings.
type ExplainRequest struct {
	InteractionID string        `json:"interaction_id"`
	PatientID     string        `json:"patient_id,omitempty"`
	Drugs         []DrugInput   `json:"drugs"`
	PatientFacts  *PatientFacts `json:"patient_facts,omitempty"`
}

type FeatureAttribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

type Explanation struct {
	InteractionID       string               `json:"interaction_id"`
	Source              string               `json:"source"`
	ModelVersion        string               `json:"model_version,omitempty"`
	Attributions        []FeatureAttribution `json:"attributions"`
	DecisionPath        []string             `json:"decision_path"`
	ConfidenceBreakdown ConfidenceBreakdown  `json:"confidence_breakdown"`
}
