package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/observability/metrics"
)

var ErrPatientNotFound = errors.New("patient not found")

const (
	batchSource       = "batch"
	notDispatchedNote = "batch cancelled before the patient was dispatched"
)

// PatientProfile is what a batch needs to check one patient.
type PatientProfile struct {
	Drugs []models.DrugInput   `yaml:"drugs" json:"drugs"`
	Facts *models.PatientFacts `yaml:"facts" json:"facts,omitempty"`
}

// PatientDataSource supplies medication lists for batch runs.
type PatientDataSource interface {
	MedicationProfile(ctx context.Context, patientID string) (PatientProfile, error)
}

// StaticPatients serves profiles held in memory, usually loaded from a YAML
// roster.
type StaticPatients struct {
	mu       sync.RWMutex
	profiles map[string]PatientProfile
}

func NewStaticPatients(profiles map[string]PatientProfile) *StaticPatients {
	if profiles == nil {
		profiles = make(map[string]PatientProfile)
	}
	return &StaticPatients{profiles: profiles}
}

// LoadPatients reads a roster keyed by patient id.
func LoadPatients(path string) (*StaticPatients, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read patient roster %s: %w", path, err)
	}
	var roster struct {
		Patients map[string]PatientProfile `yaml:"patients"`
	}
	if err := yaml.Unmarshal(content, &roster); err != nil {
		return nil, fmt.Errorf("parse patient roster %s: %w", path, err)
	}
	return NewStaticPatients(roster.Patients), nil
}

func (s *StaticPatients) Put(patientID string, profile PatientProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[patientID] = profile
}

func (s *StaticPatients) MedicationProfile(_ context.Context, patientID string) (PatientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[patientID]
	if !ok {
		return PatientProfile{}, fmt.Errorf("medication profile: %w", ErrPatientNotFound)
	}
	return p, nil
}

// ProcessBatch checks many patients with at most MaxWorkers running at once.
// Cancelling ctx stops dispatch; patients already running finish and the
// rest are reported failed, so processed + failed always equals total.
func (s *Service) ProcessBatch(ctx context.Context, req models.BatchRequest) models.BatchResult {
	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}
	if req.Context.Source == "" {
		req.Context.Source = batchSource
	}
	workers := req.MaxWorkers
	if workers <= 0 || workers > s.batchWorkers {
		workers = s.batchWorkers
	}

	result := models.BatchResult{
		BatchID:       req.BatchID,
		TotalPatients: len(req.PatientIDs),
		StartedAt:     s.now(),
	}
	results := make([]models.PatientResult, len(req.PatientIDs))
	for i, patientID := range req.PatientIDs {
		results[i] = models.PatientResult{PatientID: patientID, Status: models.BatchStatusFailed, Error: notDispatchedNote}
	}

	// In-flight patients must not see the caller's cancellation.
	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(workers)

	for i, patientID := range req.PatientIDs {
		if ctx.Err() != nil {
			break
		}
		i, patientID := i, patientID
		// Go blocks until a worker frees up; a patient whose turn comes
		// after cancellation is left undispatched.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = s.processPatient(work, req, patientID)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Status == models.BatchStatusSuccess {
			result.ProcessedPatients++
		} else {
			result.FailedPatients++
		}
	}
	result.Results = results
	result.Cancelled = ctx.Err() != nil
	result.CompletedAt = s.now()

	metrics.ObserveBatch(result.TotalPatients, result.FailedPatients)
	if s.notifier != nil {
		if err := s.notifier.BatchCompleted(work, req.CallbackURL, result); err != nil {
			logger.Log.WithError(err).WithField("batch_id", result.BatchID).Warn("batch completion notification failed")
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		"batch_id":  result.BatchID,
		"total":     result.TotalPatients,
		"processed": result.ProcessedPatients,
		"failed":    result.FailedPatients,
		"cancelled": result.Cancelled,
		"workers":   workers,
		"duration":  result.CompletedAt.Sub(result.StartedAt).String(),
	}).Info("batch completed")
	return result
}

// processPatient isolates one patient: lookup errors, pipeline failures and
// panics all end up in that patient's result only.
func (s *Service) processPatient(ctx context.Context, req models.BatchRequest, patientID string) (res models.PatientResult) {
	res = models.PatientResult{PatientID: patientID, Status: models.BatchStatusFailed}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.WithField("patient_id", patientID).Errorf("batch worker panicked: %v", rec)
			res.Status = models.BatchStatusFailed
			res.Error = fmt.Sprintf("patient %s: %v: %v", patientID, ErrPipelinePanic, rec)
		}
	}()

	if s.patients == nil {
		res.Error = fmt.Sprintf("patient %s: no patient data source configured", patientID)
		return res
	}
	started := time.Now()
	profile, err := s.patients.MedicationProfile(ctx, patientID)
	s.health.record(componentPatients, time.Since(started), err)
	if err != nil {
		res.Error = fmt.Sprintf("patient %s: %v", patientID, err)
		return res
	}

	resp := s.CheckInteractions(ctx, models.CheckRequest{
		PatientID:    patientID,
		PatientFacts: profile.Facts,
		Drugs:        profile.Drugs,
		Context:      req.Context,
		Options:      req.Options,
	})
	res.RequestID = resp.RequestID
	if resp.Failed() {
		res.Error = fmt.Sprintf("patient %s: %s", patientID, resp.Metadata.Error)
		return res
	}
	summary := resp.Summary
	res.Status = models.BatchStatusSuccess
	res.Interactions = resp.Interactions
	res.Summary = &summary
	return res
}
