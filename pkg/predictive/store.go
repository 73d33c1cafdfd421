package predictive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MemoryVersionStore keeps versions in process, keyed by name and version.
type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[string]ModelVersion
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]ModelVersion)}
}

func (s *MemoryVersionStore) Save(_ context.Context, v ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.Name+"@"+v.Version] = v
	return nil
}

func (s *MemoryVersionStore) List(_ context.Context) ([]ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelVersion, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// VersionModel is the persistence model for model versions.
type VersionModel struct {
	Name      string         `gorm:"primaryKey;column:name"`
	Version   string         `gorm:"primaryKey;column:version"`
	Status    string         `gorm:"column:status;index"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (VersionModel) TableName() string {
	return "model_versions"
}

// GormVersionStore persists versions in postgres.
type GormVersionStore struct {
	db *gorm.DB
}

func NewGormVersionStore(db *gorm.DB) *GormVersionStore {
	return &GormVersionStore{db: db}
}

func (s *GormVersionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&VersionModel{})
}

func (s *GormVersionStore) Save(ctx context.Context, v ModelVersion) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode model version: %w", err)
	}
	row := VersionModel{
		Name:      v.Name,
		Version:   v.Version,
		Status:    string(v.Status),
		Payload:   datatypes.JSON(payload),
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormVersionStore) List(ctx context.Context) ([]ModelVersion, error) {
	var rows []VersionModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ModelVersion, 0, len(rows))
	for _, row := range rows {
		var v ModelVersion
		if err := json.Unmarshal(row.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode model version %s@%s: %w", row.Name, row.Version, err)
		}
		out = append(out, v)
	}
	return out, nil
}
