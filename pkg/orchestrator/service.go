package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/synaptica-ai/interaction-engine/pkg/alerting"
	"github.com/synaptica-ai/interaction-engine/pkg/audit"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
	"github.com/synaptica-ai/interaction-engine/pkg/observability/metrics"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
	"github.com/synaptica-ai/interaction-engine/pkg/rules"
)

const (
	StageNormalize = "normalize"
	StageRules     = "rules"
	StagePredict   = "predict"
	StageAggregate = "aggregate"
	StageAudit     = "audit"

	DefaultBatchWorkers = 10
	defaultHistoryDepth = 20
	mlDisabledReason    = "disabled by request"
)

var (
	ErrPipelinePanic        = errors.New("pipeline panicked")
	ErrPredictorUnavailable = errors.New("predictive layer not configured")
)

// Predictor is the slice of the predictive layer the orchestrator drives.
type Predictor interface {
	Predict(ctx context.Context, in predictive.Input) (predictive.Output, error)
	Explain(ctx context.Context, id string, in predictive.Input) (models.Explanation, error)
}

// Dependencies are wired once at startup. Catalog, Normalizer and Rules are
// required; everything else has a usable default.
type Dependencies struct {
	Catalog    *knowledge.Catalog
	Normalizer *normalizer.Normalizer
	Rules      *rules.Engine
	Predictor  Predictor
	Registry   *predictive.Registry
	Extractor  predictive.FeatureExtractor
	ModelName  string

	RunLogs   audit.RunLogStore
	Overrides audit.OverrideStore
	Incidents audit.IncidentStore

	Alerter   alerting.Alerter
	Publisher alerting.IncidentPublisher
	Notifier  alerting.BatchNotifier
	Patients  PatientDataSource

	BatchWorkers int
	HistoryDepth int
}

type Service struct {
	catalog    *knowledge.Catalog
	normalizer *normalizer.Normalizer
	rules      *rules.Engine
	predictor  Predictor
	registry   *predictive.Registry
	extractor  predictive.FeatureExtractor
	modelName  string

	runLogs   audit.RunLogStore
	overrides audit.OverrideStore
	incidents audit.IncidentStore

	alerter   alerting.Alerter
	publisher alerting.IncidentPublisher
	notifier  alerting.BatchNotifier
	patients  PatientDataSource

	batchWorkers int
	historyDepth int
	health       *healthTracker
	now          func() time.Time
}

func NewService(deps Dependencies) (*Service, error) {
	if deps.Catalog == nil || deps.Normalizer == nil || deps.Rules == nil {
		return nil, errors.New("orchestrator: catalog, normalizer and rule engine are required")
	}
	s := &Service{
		catalog:      deps.Catalog,
		normalizer:   deps.Normalizer,
		rules:        deps.Rules,
		predictor:    deps.Predictor,
		registry:     deps.Registry,
		extractor:    deps.Extractor,
		modelName:    deps.ModelName,
		runLogs:      deps.RunLogs,
		overrides:    deps.Overrides,
		incidents:    deps.Incidents,
		alerter:      deps.Alerter,
		publisher:    deps.Publisher,
		notifier:     deps.Notifier,
		patients:     deps.Patients,
		batchWorkers: deps.BatchWorkers,
		historyDepth: deps.HistoryDepth,
		health:       newHealthTracker(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if s.runLogs == nil {
		s.runLogs = audit.NewMemoryRunLogStore()
	}
	if s.overrides == nil {
		s.overrides = audit.NewMemoryOverrideStore()
	}
	if s.incidents == nil {
		s.incidents = audit.NewMemoryIncidentStore()
	}
	if s.alerter == nil {
		s.alerter = alerting.LogAlerter{}
	}
	if s.publisher == nil {
		s.publisher = alerting.LogAlerter{}
	}
	if s.modelName == "" {
		s.modelName = predictive.DefaultModel
	}
	if s.batchWorkers <= 0 {
		s.batchWorkers = DefaultBatchWorkers
	}
	if s.historyDepth <= 0 {
		s.historyDepth = defaultHistoryDepth
	}
	return s, nil
}

// run carries the bookkeeping of one invocation across stages.
type run struct {
	timings  map[string]float64
	warnings []string
}

func (r *run) stage(name string, fn func()) time.Duration {
	started := time.Now()
	fn()
	elapsed := time.Since(started)
	r.timings[name] = durationMs(elapsed)
	return elapsed
}

// CheckInteractions runs the full pipeline for one patient. It never returns
// an error: failures come back as an empty response whose metadata carries
// the error, and every call leaves exactly one run log behind.
func (s *Service) CheckInteractions(ctx context.Context, req models.CheckRequest) models.CheckResponse {
	started := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.PatientID == "" && req.PatientFacts != nil {
		req.PatientID = req.PatientFacts.PatientID
	}
	st := &run{timings: make(map[string]float64)}

	resp, err := s.safePipeline(ctx, req, st)
	if err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"patient_id": req.PatientID,
		}).Error("interaction check failed")
		resp = failedResponse(req, st, err)
	}
	resp.CreatedAt = s.now()
	resp.Metadata.ProcessingTimeMs = durationMs(time.Since(started))

	s.record(ctx, req, &resp, st, err)
	s.health.recordCheck(err != nil && !errors.Is(err, models.ErrMalformedFacts))
	if err == nil {
		s.raiseAlert(ctx, req, &resp)
	}
	metrics.ObserveCheck(resp.Failed(), len(resp.Interactions), resp.Metadata.MLSkipped, len(resp.Metadata.UnrecognizedDrugs))

	logger.Log.WithFields(map[string]interface{}{
		"request_id":   resp.RequestID,
		"patient_id":   resp.PatientID,
		"interactions": resp.Summary.TotalInteractions,
		"max_severity": resp.Summary.MaxSeverity.String(),
		"ml_skipped":   resp.Metadata.MLSkipped,
		"duration_ms":  resp.Metadata.ProcessingTimeMs,
	}).Info("interaction check completed")
	return resp
}

func (s *Service) safePipeline(ctx context.Context, req models.CheckRequest, st *run) (resp models.CheckResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, rec)
		}
	}()
	return s.pipeline(ctx, req, st)
}

func (s *Service) pipeline(ctx context.Context, req models.CheckRequest, st *run) (models.CheckResponse, error) {
	if err := req.PatientFacts.Validate(); err != nil {
		return models.CheckResponse{}, fmt.Errorf("patient facts: %w", err)
	}
	meta := models.ProcessingMetadata{StageTimingsMs: st.timings}

	var resolution normalizer.Resolution
	elapsed := st.stage(StageNormalize, func() {
		resolution = s.normalizer.ResolveAll(ctx, req.Drugs, normalizer.Options{})
	})
	s.health.record(componentNormalizer, elapsed, nil)
	drugs := make([]models.Drug, 0, len(resolution.Drugs))
	for _, nd := range resolution.Drugs {
		drugs = append(drugs, nd.Drug)
	}
	meta.DrugsProcessed = len(drugs)
	meta.UnrecognizedDrugs = resolution.Unrecognized
	for _, u := range resolution.Unrecognized {
		st.warnings = append(st.warnings, fmt.Sprintf("drug %q not recognized", u.Input))
	}

	var ruleResult rules.Result
	var ruleErr error
	elapsed = st.stage(StageRules, func() {
		ruleResult, ruleErr = s.rules.Check(ctx, drugs, req.PatientFacts, rules.Options{Personalize: req.Options.Personalize()})
	})
	s.health.record(componentRules, elapsed, ruleErr)
	if ruleErr != nil {
		return models.CheckResponse{}, fmt.Errorf("rule engine: %w", ruleErr)
	}
	meta.CacheHit = ruleResult.CacheHit
	meta.DataSources = append(meta.DataSources, ruleResult.Sources...)
	st.warnings = append(st.warnings, ruleResult.Warnings...)

	var predicted []models.DrugInteraction
	st.stage(StagePredict, func() {
		predicted = s.predict(ctx, req, drugs, ruleResult.Interactions, &meta, st)
	})

	var resp models.CheckResponse
	st.stage(StageAggregate, func() {
		findings := Merge(ruleResult.Interactions, predicted)
		findings = filterSeverity(findings, req.Options.Threshold())
		resp = models.CheckResponse{
			RequestID:                 req.RequestID,
			PatientID:                 req.PatientID,
			Interactions:              findings,
			Summary:                   Summarize(findings),
			Alternatives:              []models.AlternativeSuggestion{},
			MonitoringRecommendations: []models.MonitoringPlan{},
		}
		if req.Options.AlternativesEnabled() {
			resp.Alternatives = s.alternatives(findings, drugs, req.PatientFacts)
		}
		if req.Options.MonitoringEnabled() {
			resp.MonitoringRecommendations = s.monitoringPlans(findings)
		}
	})

	meta.Warnings = st.warnings
	resp.Metadata = meta
	return resp, nil
}

// predict runs the predictive layer. Any failure degrades the response to
// rule findings only.
func (s *Service) predict(ctx context.Context, req models.CheckRequest, drugs []models.Drug, known []models.DrugInteraction, meta *models.ProcessingMetadata, st *run) []models.DrugInteraction {
	if !req.Options.MLEnabled() {
		meta.MLSkipped = true
		meta.MLSkipReason = mlDisabledReason
		return nil
	}
	if s.predictor == nil {
		meta.MLSkipped = true
		meta.MLSkipReason = ErrPredictorUnavailable.Error()
		return nil
	}

	started := time.Now()
	out, err := s.predictor.Predict(ctx, predictive.Input{
		Drugs:   drugs,
		Facts:   req.PatientFacts,
		Known:   known,
		History: s.priorFindings(ctx, req.PatientID, time.Time{}),
	})
	s.health.record(componentPredictive, time.Since(started), err)
	if err != nil {
		logger.Log.WithError(err).WithField("request_id", req.RequestID).Warn("predictive layer failed, answering from rules only")
		meta.MLSkipped = true
		meta.MLSkipReason = err.Error()
		st.warnings = append(st.warnings, "predictive layer skipped: "+err.Error())
		return nil
	}
	meta.ModelVersion = out.ModelVersion
	meta.DataSources = append(meta.DataSources, models.SourceEnsemble)
	st.warnings = append(st.warnings, out.Warnings...)
	return out.Interactions
}

func failedResponse(req models.CheckRequest, st *run, err error) models.CheckResponse {
	return models.CheckResponse{
		RequestID:                 req.RequestID,
		PatientID:                 req.PatientID,
		Interactions:              []models.DrugInteraction{},
		Summary:                   Summarize(nil),
		Alternatives:              []models.AlternativeSuggestion{},
		MonitoringRecommendations: []models.MonitoringPlan{},
		Metadata: models.ProcessingMetadata{
			StageTimingsMs: st.timings,
			DataSources:    []string{},
			Warnings:       st.warnings,
			Error:          err.Error(),
		},
	}
}

// record appends the run log for this invocation. Patient facts are not
// part of the stored input.
func (s *Service) record(ctx context.Context, req models.CheckRequest, resp *models.CheckResponse, st *run, runErr error) {
	input := req
	input.PatientFacts = nil

	status := models.RunStatusSuccess
	var errs []string
	if runErr != nil {
		status = models.RunStatusFailed
		errs = append(errs, runErr.Error())
	}
	ids := make([]string, 0, len(resp.Interactions))
	for _, f := range resp.Interactions {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)

	entry := models.RunLog{
		ID:             uuid.New().String(),
		RequestID:      req.RequestID,
		PatientID:      req.PatientID,
		UserID:         req.Context.UserID,
		Source:         req.Context.Source,
		Status:         status,
		Input:          input,
		Output:         resp.Interactions,
		Summary:        resp.Summary,
		StageTimingsMs: st.timings,
		Errors:         errs,
		Warnings:       st.warnings,
		InteractionIDs: ids,
		CreatedAt:      resp.CreatedAt,
	}

	started := time.Now()
	err := s.runLogs.Append(ctx, entry)
	elapsed := time.Since(started)
	s.health.record(componentAudit, elapsed, err)
	resp.Metadata.StageTimingsMs[StageAudit] = durationMs(elapsed)
	if err != nil {
		logger.Log.WithError(err).WithField("request_id", req.RequestID).Error("failed to append run log")
		resp.Metadata.Warnings = append(resp.Metadata.Warnings, "run log could not be recorded")
		return
	}
	resp.Metadata.RunLogID = entry.ID
}

func (s *Service) raiseAlert(ctx context.Context, req models.CheckRequest, resp *models.CheckResponse) {
	alert, ok := alerting.BuildAlert(resp.RequestID, resp.PatientID, resp.Interactions)
	if !ok {
		return
	}
	alert.Labels = map[string]string{"source": req.Context.Source, "run_log_id": resp.Metadata.RunLogID}
	resp.Metadata.AlertRaised = true
	metrics.ObserveAlert()
	if err := s.alerter.Alert(ctx, alert); err != nil {
		logger.Log.WithError(err).WithField("alert_id", alert.ID).Error("failed to deliver severe interaction alert")
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
