package predictive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
)

const DefaultModel = "ddi-logistic"

type Status string

const (
	StatusShadow  Status = "shadow"
	StatusCanary  Status = "canary"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

var (
	ErrMissingMetrics   = errors.New("model version has no evaluation metrics")
	ErrVersionNotFound  = errors.New("model version not found")
	ErrInvalidStatus    = errors.New("invalid model status")
	ErrEmptyTrainingSet = errors.New("training set is empty")
)

type Provenance struct {
	Dataset   string    `json:"dataset"`
	Samples   int       `json:"samples"`
	Algorithm string    `json:"algorithm"`
	TrainedAt time.Time `json:"trained_at"`
}

// ModelVersion is one trained, versioned set of weights with its lineage.
type ModelVersion struct {
	Name         string             `json:"name"`
	Version      string             `json:"version"`
	Status       Status             `json:"status"`
	Provenance   Provenance         `json:"provenance"`
	Metrics      *linear.Metrics    `json:"metrics,omitempty"`
	Weights      linear.Weights     `json:"weights"`
	Calibration  *linear.Calibrator `json:"calibration,omitempty"`
	FeatureNames []string           `json:"feature_names"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// VersionStore persists model versions.
type VersionStore interface {
	Save(ctx context.Context, v ModelVersion) error
	List(ctx context.Context) ([]ModelVersion, error)
}

// Registry tracks every version of every model and which one is active.
type Registry struct {
	mu          sync.RWMutex
	store       VersionStore
	versions    map[string][]ModelVersion
	artifactDir string
	trainSem    chan struct{}
}

func NewRegistry(store VersionStore, artifactDir string, maxTraining int) *Registry {
	if store == nil {
		store = NewMemoryVersionStore()
	}
	if maxTraining <= 0 {
		maxTraining = 1
	}
	return &Registry{
		store:       store,
		versions:    make(map[string][]ModelVersion),
		artifactDir: artifactDir,
		trainSem:    make(chan struct{}, maxTraining),
	}
}

// Load reads persisted versions into memory.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load model versions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = make(map[string][]ModelVersion)
	for _, v := range all {
		r.versions[v.Name] = append(r.versions[v.Name], v)
	}
	for name := range r.versions {
		sortVersions(r.versions[name])
	}
	return nil
}

// Register adds a version, numbering it when Version is empty. Registering
// an active version retires the previous active one. Canary and active
// versions must carry metrics.
func (r *Registry) Register(ctx context.Context, v ModelVersion) (ModelVersion, error) {
	if v.Name == "" {
		return ModelVersion{}, fmt.Errorf("model version requires a name")
	}
	if !validStatus(v.Status) {
		return ModelVersion{}, fmt.Errorf("%w: %q", ErrInvalidStatus, v.Status)
	}
	if servesTraffic(v.Status) && !hasMetrics(v) {
		return ModelVersion{}, fmt.Errorf("register %s as %s: %w", v.Name, v.Status, ErrMissingMetrics)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if len(v.FeatureNames) == 0 {
		v.FeatureNames = append([]string(nil), FeatureNames...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v.Version == "" {
		v.Version = r.nextVersionLocked(v.Name)
	}
	if r.hasVersionLocked(v.Name, v.Version) {
		return ModelVersion{}, fmt.Errorf("model %s version %s already registered", v.Name, v.Version)
	}
	var changed []ModelVersion
	if v.Status == StatusActive {
		changed = r.retireActiveLocked(v.Name, now)
	}
	if err := r.store.Save(ctx, v); err != nil {
		return ModelVersion{}, fmt.Errorf("save model version: %w", err)
	}
	r.versions[v.Name] = append(r.versions[v.Name], v)
	return v, r.persistLocked(ctx, changed)
}

func servesTraffic(s Status) bool {
	return s == StatusCanary || s == StatusActive
}

func hasMetrics(v ModelVersion) bool {
	return v.Metrics != nil && v.Metrics.Samples > 0
}

func (r *Registry) hasVersionLocked(name, version string) bool {
	for _, existing := range r.versions[name] {
		if existing.Version == version {
			return true
		}
	}
	return false
}

// nextVersionLocked numbers trained versions v1, v2, ... after the
// bootstrap version.
func (r *Registry) nextVersionLocked(name string) string {
	n := 1
	for _, v := range r.versions[name] {
		if v.Version != BootstrapVersion {
			n++
		}
	}
	for r.hasVersionLocked(name, fmt.Sprintf("v%d", n)) {
		n++
	}
	return fmt.Sprintf("v%d", n)
}

func (r *Registry) retireActiveLocked(name string, now time.Time) []ModelVersion {
	var changed []ModelVersion
	list := r.versions[name]
	for i := range list {
		if list[i].Status == StatusActive {
			list[i].Status = StatusRetired
			list[i].UpdatedAt = now
			changed = append(changed, list[i])
		}
	}
	return changed
}

func (r *Registry) persistLocked(ctx context.Context, changed []ModelVersion) error {
	for _, c := range changed {
		if err := r.store.Save(ctx, c); err != nil {
			return fmt.Errorf("save model version %s@%s: %w", c.Name, c.Version, err)
		}
	}
	return nil
}

// Active returns the version currently serving predictions.
func (r *Registry) Active(name string) (ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.Status == StatusActive {
			return v, true
		}
	}
	return ModelVersion{}, false
}

// Versions lists a model's versions oldest first.
func (r *Registry) Versions(name string) []ModelVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModelVersion(nil), r.versions[name]...)
}

// All lists every version of every model.
func (r *Registry) All() []ModelVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelVersion
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, r.versions[name]...)
	}
	return out
}

// Promote moves a version to a new status. Versions without metrics cannot
// leave shadow; activating a version retires the previous active one and
// publishes it as the latest artifact.
func (r *Registry) Promote(ctx context.Context, name, version string, status Status) (ModelVersion, error) {
	if !validStatus(status) {
		return ModelVersion{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.versions[name]
	idx := -1
	for i := range list {
		if list[i].Version == version {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ModelVersion{}, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	target := list[idx]
	if servesTraffic(status) && !hasMetrics(target) {
		return ModelVersion{}, fmt.Errorf("promote %s@%s: %w", name, version, ErrMissingMetrics)
	}

	now := time.Now().UTC()
	var changed []ModelVersion
	if status == StatusActive {
		for _, c := range r.retireActiveLocked(name, now) {
			if c.Version != version {
				changed = append(changed, c)
			}
		}
	}
	list[idx].Status = status
	list[idx].UpdatedAt = now
	changed = append(changed, list[idx])
	if err := r.persistLocked(ctx, changed); err != nil {
		return ModelVersion{}, err
	}

	logger.Log.WithFields(map[string]interface{}{
		"model":   name,
		"version": version,
		"status":  status,
	}).Info("model version promoted")

	if status == StatusActive && r.artifactDir != "" {
		if err := writeArtifact(r.artifactDir, list[idx], true); err != nil {
			logger.Log.WithError(err).Warn("failed to publish latest model artifact")
		}
	}
	return list[idx], nil
}

// TrainingSet is a labelled feature matrix in FeatureNames column order.
type TrainingSet struct {
	Dataset string
	Samples [][]float64
	Labels  []float64
}

// Retrain fits a new logistic version and its calibration and registers it
// as shadow. Concurrent retrains are bounded.
func (r *Registry) Retrain(ctx context.Context, name string, set TrainingSet, opts linear.Options) (ModelVersion, error) {
	if len(set.Samples) == 0 || len(set.Samples) != len(set.Labels) {
		return ModelVersion{}, ErrEmptyTrainingSet
	}
	select {
	case r.trainSem <- struct{}{}:
	case <-ctx.Done():
		return ModelVersion{}, ctx.Err()
	}
	defer func() { <-r.trainSem }()

	start := time.Now()
	weights, metrics := linear.TrainLogistic(set.Samples, set.Labels, opts)
	raw := make([]float64, len(set.Samples))
	for i, s := range set.Samples {
		raw[i] = linear.Predict(weights, s)
	}
	calibration, _ := linear.FitCalibrator(raw, set.Labels, linear.Options{})

	v := ModelVersion{
		Name:   name,
		Status: StatusShadow,
		Provenance: Provenance{
			Dataset:   set.Dataset,
			Samples:   len(set.Samples),
			Algorithm: "logistic-regression",
			TrainedAt: time.Now().UTC(),
		},
		Metrics:      &metrics,
		Weights:      weights,
		Calibration:  &calibration,
		FeatureNames: append([]string(nil), FeatureNames...),
	}
	v, err := r.Register(ctx, v)
	if err != nil {
		return ModelVersion{}, err
	}
	if r.artifactDir != "" {
		if err := writeArtifact(r.artifactDir, v, false); err != nil {
			logger.Log.WithError(err).Warn("failed to write model artifact")
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		"model":       name,
		"version":     v.Version,
		"samples":     len(set.Samples),
		"accuracy":    metrics.Accuracy,
		"loss":        metrics.Loss,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("model retrained")
	return v, nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusShadow, StatusCanary, StatusActive, StatusRetired:
		return true
	}
	return false
}

func sortVersions(list []ModelVersion) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

// Artifact is the on-disk form of a model version.
type Artifact struct {
	Model struct {
		Name         string             `json:"name"`
		Version      string             `json:"version"`
		Type         string             `json:"type"`
		Algorithm    string             `json:"algorithm"`
		FeatureNames []string           `json:"feature_names"`
		Weights      linear.Weights     `json:"weights"`
		Calibration  *linear.Calibrator `json:"calibration,omitempty"`
	} `json:"model"`
	Metrics    *linear.Metrics `json:"metrics,omitempty"`
	Provenance Provenance      `json:"provenance"`
}

func writeArtifact(dir string, v ModelVersion, latest bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var a Artifact
	a.Model.Name = v.Name
	a.Model.Version = v.Version
	a.Model.Type = "interaction-classifier"
	a.Model.Algorithm = v.Provenance.Algorithm
	a.Model.FeatureNames = v.FeatureNames
	a.Model.Weights = v.Weights
	a.Model.Calibration = v.Calibration
	a.Metrics = v.Metrics
	a.Provenance = v.Provenance

	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s.json", v.Name, v.Version)
	if latest {
		name = fmt.Sprintf("%s_latest.json", v.Name)
	}
	return os.WriteFile(filepath.Join(dir, name), payload, 0o644)
}

// LoadArtifact reads <dir>/<model>_latest.json and registers it as the
// active version unless that version is already known.
func (r *Registry) LoadArtifact(ctx context.Context, model string) (ModelVersion, error) {
	path := filepath.Join(r.artifactDir, fmt.Sprintf("%s_latest.json", model))
	content, err := os.ReadFile(path)
	if err != nil {
		return ModelVersion{}, err
	}
	var a Artifact
	if err := json.Unmarshal(content, &a); err != nil {
		return ModelVersion{}, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if len(a.Model.FeatureNames) != len(a.Model.Weights.Coefficients) {
		return ModelVersion{}, fmt.Errorf("artifact %s: %d feature names for %d coefficients", path, len(a.Model.FeatureNames), len(a.Model.Weights.Coefficients))
	}
	if !sameFeatures(a.Model.FeatureNames, FeatureNames) {
		return ModelVersion{}, fmt.Errorf("artifact %s was trained on a different feature set", path)
	}
	version := a.Model.Version
	if version == "" {
		version = "artifact"
	}
	for _, existing := range r.Versions(model) {
		if existing.Version == version {
			return existing, nil
		}
	}
	v := ModelVersion{
		Name:         model,
		Version:      version,
		Status:       StatusActive,
		Provenance:   a.Provenance,
		Metrics:      a.Metrics,
		Weights:      a.Model.Weights,
		Calibration:  a.Model.Calibration,
		FeatureNames: a.Model.FeatureNames,
	}
	return r.Register(ctx, v)
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
