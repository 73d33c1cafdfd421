package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

func seedPatients(f *fixture, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("p%d", i)
		ids = append(ids, id)
		f.patients.Put(id, PatientProfile{
			Drugs: drugs("warfarin", "aspirin"),
			Facts: &models.PatientFacts{PatientID: id, Age: 50},
		})
	}
	return ids
}

func TestBatchWithMalformedPatient(t *testing.T) {
	f := newFixture(t)
	ids := seedPatients(f, 5)
	f.patients.Put("p3", PatientProfile{Drugs: drugs("warfarin", "aspirin"), Facts: &models.PatientFacts{Age: -5}})

	res := f.service.ProcessBatch(context.Background(), models.BatchRequest{BatchID: "b1", PatientIDs: ids, MaxWorkers: 2})
	assert.Equal(t, 5, res.TotalPatients)
	assert.Equal(t, 4, res.ProcessedPatients)
	assert.Equal(t, 1, res.FailedPatients)
	assert.False(t, res.Cancelled)
	require.Len(t, res.Results, 5)

	for i, r := range res.Results {
		assert.Equal(t, ids[i], r.PatientID)
		if r.PatientID == "p3" {
			assert.Equal(t, models.BatchStatusFailed, r.Status)
			assert.Contains(t, r.Error, "p3")
			assert.Contains(t, r.Error, "malformed patient facts")
			continue
		}
		assert.Equal(t, models.BatchStatusSuccess, r.Status)
		require.NotNil(t, r.Summary)
		assert.Equal(t, len(r.Interactions), r.Summary.TotalInteractions)
		assert.NotEmpty(t, r.RequestID)
	}
	assert.Equal(t, 5, f.runLogs.Len())

	batches := f.recorder.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "b1", batches[0].BatchID)
}

func TestBatchUnknownPatientFails(t *testing.T) {
	f := newFixture(t)
	ids := seedPatients(f, 2)
	res := f.service.ProcessBatch(context.Background(), models.BatchRequest{PatientIDs: append(ids, "ghost")})
	assert.Equal(t, 2, res.ProcessedPatients)
	assert.Equal(t, 1, res.FailedPatients)
	assert.Contains(t, res.Results[2].Error, ErrPatientNotFound.Error())
	assert.NotEmpty(t, res.BatchID)
}

func TestBatchCancelledBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ids := seedPatients(f, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.service.ProcessBatch(ctx, models.BatchRequest{PatientIDs: ids})
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, res.ProcessedPatients)
	assert.Equal(t, 4, res.FailedPatients)
	for _, r := range res.Results {
		assert.Equal(t, notDispatchedNote, r.Error)
	}
	assert.Equal(t, 0, f.runLogs.Len())
}

// cancellingSource cancels the batch while serving its first patient.
type cancellingSource struct {
	inner  *StaticPatients
	cancel context.CancelFunc
}

func (s *cancellingSource) MedicationProfile(ctx context.Context, patientID string) (PatientProfile, error) {
	s.cancel()
	return s.inner.MedicationProfile(ctx, patientID)
}

func TestBatchCancelledMidwayLetsInFlightFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var src *cancellingSource
	f := newFixture(t, func(d *Dependencies) {
		src = &cancellingSource{inner: d.Patients.(*StaticPatients), cancel: cancel}
		d.Patients = src
	})
	ids := seedPatients(f, 4)

	res := f.service.ProcessBatch(ctx, models.BatchRequest{PatientIDs: ids, MaxWorkers: 1})
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.ProcessedPatients)
	assert.Equal(t, 3, res.FailedPatients)
	assert.Equal(t, models.BatchStatusSuccess, res.Results[0].Status)
	assert.Equal(t, res.TotalPatients, res.ProcessedPatients+res.FailedPatients)
}

// countingSource records the peak number of patients loaded at once.
type countingSource struct {
	inner    *StaticPatients
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *countingSource) MedicationProfile(ctx context.Context, patientID string) (PatientProfile, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return s.inner.MedicationProfile(ctx, patientID)
}

func TestBatchRespectsWorkerLimit(t *testing.T) {
	var src *countingSource
	f := newFixture(t, func(d *Dependencies) {
		src = &countingSource{inner: d.Patients.(*StaticPatients)}
		d.Patients = src
	})
	ids := seedPatients(f, 6)

	res := f.service.ProcessBatch(context.Background(), models.BatchRequest{PatientIDs: ids, MaxWorkers: 2})
	assert.Equal(t, 6, res.ProcessedPatients)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, src.peak.Load(), int32(1))
}

type panickingSource struct {
	inner *StaticPatients
}

func (s panickingSource) MedicationProfile(ctx context.Context, patientID string) (PatientProfile, error) {
	if patientID == "p2" {
		panic("corrupt profile")
	}
	return s.inner.MedicationProfile(ctx, patientID)
}

func TestBatchIsolatesPanics(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Patients = panickingSource{inner: d.Patients.(*StaticPatients)}
	})
	ids := seedPatients(f, 3)

	res := f.service.ProcessBatch(context.Background(), models.BatchRequest{PatientIDs: ids})
	assert.Equal(t, 2, res.ProcessedPatients)
	assert.Equal(t, 1, res.FailedPatients)
	assert.Contains(t, res.Results[1].Error, "corrupt profile")
}

func TestLoadPatients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.yaml")
	roster := `patients:
  p1:
    drugs: [warfarin, {name: amoxicillin, strength: 500mg}]
    facts:
      age: 80
      allergies: [penicillin]
`
	require.NoError(t, os.WriteFile(path, []byte(roster), 0o600))

	src, err := LoadPatients(path)
	require.NoError(t, err)
	p, err := src.MedicationProfile(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, p.Drugs, 2)
	assert.Equal(t, "warfarin", p.Drugs[0].Name)
	assert.Equal(t, "500mg", p.Drugs[1].Strength)
	require.NotNil(t, p.Facts)
	assert.Equal(t, 80.0, p.Facts.Age)

	_, err = LoadPatients(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
