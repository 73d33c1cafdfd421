package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

// MemoryRunLogStore keeps run logs in insertion order.
type MemoryRunLogStore struct {
	mu   sync.RWMutex
	logs []models.RunLog
	byID map[string]int
}

func NewMemoryRunLogStore() *MemoryRunLogStore {
	return &MemoryRunLogStore{byID: make(map[string]int)}
}

func (s *MemoryRunLogStore) Append(_ context.Context, log models.RunLog) error {
	stored, err := deepCopy(log)
	if err != nil {
		return fmt.Errorf("copy run log: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[log.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRunLogExists, log.ID)
	}
	s.byID[log.ID] = len(s.logs)
	s.logs = append(s.logs, stored)
	return nil
}

func (s *MemoryRunLogStore) Get(_ context.Context, id string) (models.RunLog, error) {
	s.mu.RLock()
	idx, ok := s.byID[id]
	var log models.RunLog
	if ok {
		log = s.logs[idx]
	}
	s.mu.RUnlock()
	if !ok {
		return models.RunLog{}, ErrRunLogNotFound
	}
	return deepCopy(log)
}

// ListByPatient returns the newest logs first.
func (s *MemoryRunLogStore) ListByPatient(_ context.Context, patientID string, limit int) ([]models.RunLog, error) {
	limit = limitOrDefault(limit)
	s.mu.RLock()
	var matched []models.RunLog
	for i := len(s.logs) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.logs[i].PatientID == patientID {
			matched = append(matched, s.logs[i])
		}
	}
	s.mu.RUnlock()
	return deepCopy(matched)
}

func (s *MemoryRunLogStore) FindInteraction(_ context.Context, interactionID string) (models.RunLog, models.DrugInteraction, error) {
	s.mu.RLock()
	var (
		log   models.RunLog
		found bool
	)
	for i := len(s.logs) - 1; i >= 0; i-- {
		if _, ok := findingIn(s.logs[i], interactionID); ok {
			log, found = s.logs[i], true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return models.RunLog{}, models.DrugInteraction{}, fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	log, err := deepCopy(log)
	if err != nil {
		return models.RunLog{}, models.DrugInteraction{}, err
	}
	finding, _ := findingIn(log, interactionID)
	return log, finding, nil
}

// Len reports how many run logs were appended.
func (s *MemoryRunLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

type MemoryOverrideStore struct {
	mu      sync.RWMutex
	records map[string]models.OverrideRecord
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{records: make(map[string]models.OverrideRecord)}
}

func (s *MemoryOverrideStore) Create(_ context.Context, rec models.OverrideRecord) error {
	stored, err := deepCopy(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrOverrideExists, rec.ID)
	}
	s.records[rec.ID] = stored
	return nil
}

func (s *MemoryOverrideStore) Get(_ context.Context, id string) (models.OverrideRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return models.OverrideRecord{}, ErrOverrideNotFound
	}
	return deepCopy(rec)
}

func (s *MemoryOverrideStore) Approve(_ context.Context, id, signoffUserID string, at time.Time) (models.OverrideRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.OverrideRecord{}, ErrOverrideNotFound
	}
	if rec.Approved {
		current, err := deepCopy(rec)
		if err != nil {
			return models.OverrideRecord{}, err
		}
		return current, ErrOverrideApproved
	}
	at = at.UTC()
	rec.SecondSignoffUserID = signoffUserID
	rec.SecondSignoffAt = &at
	rec.Approved = true
	s.records[id] = rec
	return deepCopy(rec)
}

func (s *MemoryOverrideStore) ListByInteraction(_ context.Context, interactionID string) ([]models.OverrideRecord, error) {
	s.mu.RLock()
	var out []models.OverrideRecord
	for _, rec := range s.records {
		if rec.InteractionID == interactionID {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return deepCopy(out)
}

type MemoryIncidentStore struct {
	mu        sync.RWMutex
	incidents []models.Incident
}

func NewMemoryIncidentStore() *MemoryIncidentStore {
	return &MemoryIncidentStore{}
}

func (s *MemoryIncidentStore) Create(_ context.Context, inc models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	return nil
}

func (s *MemoryIncidentStore) ListByOverride(_ context.Context, overrideID string) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Incident
	for _, inc := range s.incidents {
		if inc.OverrideID == overrideID {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (s *MemoryIncidentStore) Recent(_ context.Context, limit int) ([]models.Incident, error) {
	limit = limitOrDefault(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Incident
	for i := len(s.incidents) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.incidents[i])
	}
	return out, nil
}
