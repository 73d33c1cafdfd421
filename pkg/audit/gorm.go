package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

// RunLogModel is the persistence model for run logs. The full record lives
// in Payload; the other columns are for querying.
type RunLogModel struct {
	ID          string            `gorm:"primaryKey;column:id"`
	RequestID   string            `gorm:"column:request_id;index"`
	PatientID   string            `gorm:"column:patient_id;index"`
	UserID      string            `gorm:"column:user_id"`
	Status      string            `gorm:"column:status"`
	MaxSeverity string            `gorm:"column:max_severity"`
	RiskScore   float64           `gorm:"column:risk_score"`
	Timings     datatypes.JSONMap `gorm:"column:stage_timings"`
	Payload     datatypes.JSON    `gorm:"column:payload"`
	CreatedAt   time.Time         `gorm:"column:created_at;index"`
}

func (RunLogModel) TableName() string {
	return "run_logs"
}

// RunLogInteraction indexes which findings a run log produced.
type RunLogInteraction struct {
	RunLogID      string    `gorm:"primaryKey;column:run_log_id"`
	InteractionID string    `gorm:"primaryKey;column:interaction_id;index"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (RunLogInteraction) TableName() string {
	return "run_log_interactions"
}

type OverrideModel struct {
	ID            string         `gorm:"primaryKey;column:id"`
	InteractionID string         `gorm:"column:interaction_id;index"`
	PatientID     string         `gorm:"column:patient_id"`
	UserID        string         `gorm:"column:user_id"`
	ReasonCode    string         `gorm:"column:reason_code"`
	Approved      bool           `gorm:"column:approved"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (OverrideModel) TableName() string {
	return "interaction_overrides"
}

type IncidentModel struct {
	ID            string    `gorm:"primaryKey;column:id"`
	Kind          string    `gorm:"column:kind"`
	OverrideID    string    `gorm:"column:override_id;index"`
	InteractionID string    `gorm:"column:interaction_id"`
	PatientID     string    `gorm:"column:patient_id"`
	Description   string    `gorm:"column:description"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
}

func (IncidentModel) TableName() string {
	return "override_incidents"
}

// AutoMigrate creates every audit table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunLogModel{}, &RunLogInteraction{}, &OverrideModel{}, &IncidentModel{})
}

func toRunLogModel(log models.RunLog) (RunLogModel, error) {
	payload, err := json.Marshal(log)
	if err != nil {
		return RunLogModel{}, fmt.Errorf("encode run log: %w", err)
	}
	timings := make(datatypes.JSONMap, len(log.StageTimingsMs))
	for stage, ms := range log.StageTimingsMs {
		timings[stage] = ms
	}
	return RunLogModel{
		ID:          log.ID,
		RequestID:   log.RequestID,
		PatientID:   log.PatientID,
		UserID:      log.UserID,
		Status:      log.Status,
		MaxSeverity: log.Summary.MaxSeverity.String(),
		RiskScore:   log.Summary.RiskScore,
		Timings:     timings,
		Payload:     datatypes.JSON(payload),
		CreatedAt:   log.CreatedAt,
	}, nil
}

func (m RunLogModel) record() (models.RunLog, error) {
	var log models.RunLog
	if err := json.Unmarshal(m.Payload, &log); err != nil {
		return models.RunLog{}, fmt.Errorf("decode run log %s: %w", m.ID, err)
	}
	return log, nil
}

type GormRunLogStore struct {
	db *gorm.DB
}

func NewGormRunLogStore(db *gorm.DB) *GormRunLogStore {
	return &GormRunLogStore{db: db}
}

func (s *GormRunLogStore) Append(ctx context.Context, log models.RunLog) error {
	row, err := toRunLogModel(log)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&RunLogModel{}).Where("id = ?", log.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrRunLogExists, log.ID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(log.InteractionIDs) == 0 {
			return nil
		}
		links := make([]RunLogInteraction, 0, len(log.InteractionIDs))
		seen := make(map[string]bool)
		for _, id := range log.InteractionIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			links = append(links, RunLogInteraction{RunLogID: log.ID, InteractionID: id, CreatedAt: log.CreatedAt})
		}
		return tx.Create(&links).Error
	})
}

func (s *GormRunLogStore) Get(ctx context.Context, id string) (models.RunLog, error) {
	var row RunLogModel
	result := s.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.RunLog{}, ErrRunLogNotFound
	}
	if result.Error != nil {
		return models.RunLog{}, result.Error
	}
	return row.record()
}

func (s *GormRunLogStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]models.RunLog, error) {
	var rows []RunLogModel
	err := s.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("created_at DESC").
		Limit(limitOrDefault(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.RunLog, 0, len(rows))
	for _, row := range rows {
		log, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, nil
}

func (s *GormRunLogStore) FindInteraction(ctx context.Context, interactionID string) (models.RunLog, models.DrugInteraction, error) {
	var row RunLogModel
	result := s.db.WithContext(ctx).
		Joins("JOIN run_log_interactions ON run_log_interactions.run_log_id = run_logs.id").
		Where("run_log_interactions.interaction_id = ?", interactionID).
		Order("run_logs.created_at DESC").
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.RunLog{}, models.DrugInteraction{}, fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	if result.Error != nil {
		return models.RunLog{}, models.DrugInteraction{}, result.Error
	}
	log, err := row.record()
	if err != nil {
		return models.RunLog{}, models.DrugInteraction{}, err
	}
	finding, ok := findingIn(log, interactionID)
	if !ok {
		return models.RunLog{}, models.DrugInteraction{}, fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	return log, finding, nil
}

func toOverrideModel(rec models.OverrideRecord) (OverrideModel, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return OverrideModel{}, fmt.Errorf("encode override: %w", err)
	}
	return OverrideModel{
		ID:            rec.ID,
		InteractionID: rec.InteractionID,
		PatientID:     rec.PatientID,
		UserID:        rec.UserID,
		ReasonCode:    rec.ReasonCode,
		Approved:      rec.Approved,
		Payload:       datatypes.JSON(payload),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (m OverrideModel) record() (models.OverrideRecord, error) {
	var rec models.OverrideRecord
	if err := json.Unmarshal(m.Payload, &rec); err != nil {
		return models.OverrideRecord{}, fmt.Errorf("decode override %s: %w", m.ID, err)
	}
	return rec, nil
}

type GormOverrideStore struct {
	db *gorm.DB
}

func NewGormOverrideStore(db *gorm.DB) *GormOverrideStore {
	return &GormOverrideStore{db: db}
}

func (s *GormOverrideStore) Create(ctx context.Context, rec models.OverrideRecord) error {
	row, err := toOverrideModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormOverrideStore) Get(ctx context.Context, id string) (models.OverrideRecord, error) {
	var row OverrideModel
	result := s.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.OverrideRecord{}, ErrOverrideNotFound
	}
	if result.Error != nil {
		return models.OverrideRecord{}, result.Error
	}
	return row.record()
}

// Approve flips approved only where it is still false, so concurrent
// signoffs race on the row and exactly one wins.
func (s *GormOverrideStore) Approve(ctx context.Context, id, signoffUserID string, at time.Time) (models.OverrideRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return models.OverrideRecord{}, err
	}
	if rec.Approved {
		return rec, ErrOverrideApproved
	}
	at = at.UTC()
	rec.SecondSignoffUserID = signoffUserID
	rec.SecondSignoffAt = &at
	rec.Approved = true
	row, err := toOverrideModel(rec)
	if err != nil {
		return models.OverrideRecord{}, err
	}

	result := s.db.WithContext(ctx).Model(&OverrideModel{}).
		Where("id = ? AND approved = ?", id, false).
		Updates(map[string]interface{}{
			"approved":   true,
			"payload":    row.Payload,
			"updated_at": row.UpdatedAt,
		})
	if result.Error != nil {
		return models.OverrideRecord{}, result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return models.OverrideRecord{}, err
		}
		return current, ErrOverrideApproved
	}
	return rec, nil
}

func (s *GormOverrideStore) ListByInteraction(ctx context.Context, interactionID string) ([]models.OverrideRecord, error) {
	var rows []OverrideModel
	if err := s.db.WithContext(ctx).Where("interaction_id = ?", interactionID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.OverrideRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type GormIncidentStore struct {
	db *gorm.DB
}

func NewGormIncidentStore(db *gorm.DB) *GormIncidentStore {
	return &GormIncidentStore{db: db}
}

func (s *GormIncidentStore) Create(ctx context.Context, inc models.Incident) error {
	row := IncidentModel(inc)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormIncidentStore) ListByOverride(ctx context.Context, overrideID string) ([]models.Incident, error) {
	var rows []IncidentModel
	if err := s.db.WithContext(ctx).Where("override_id = ?", overrideID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return incidents(rows), nil
}

func (s *GormIncidentStore) Recent(ctx context.Context, limit int) ([]models.Incident, error) {
	var rows []IncidentModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limitOrDefault(limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return incidents(rows), nil
}

func incidents(rows []IncidentModel) []models.Incident {
	out := make([]models.Incident, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Incident(row))
	}
	return out
}
