package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
)

var ErrRegistryUnavailable = errors.New("model registry not configured")

// Normalize resolves one piece of drug text.
func (s *Service) Normalize(ctx context.Context, text string) (normalizer.Result, error) {
	if strings.TrimSpace(text) == "" {
		return normalizer.Result{}, ValidationError{Field: "q", Message: "required"}
	}
	return s.normalizer.Resolve(ctx, text, normalizer.Options{}), nil
}

func (s *Service) Models() ([]predictive.ModelVersion, error) {
	if s.registry == nil {
		return nil, ErrRegistryUnavailable
	}
	return s.registry.All(), nil
}

// Retrain fits a new shadow version of a model on the curated catalog.
func (s *Service) Retrain(ctx context.Context, name string, opts linear.Options) (predictive.ModelVersion, error) {
	if s.registry == nil || s.extractor == nil {
		return predictive.ModelVersion{}, ErrRegistryUnavailable
	}
	if name == "" {
		name = s.modelName
	}
	set, err := predictive.CatalogTrainingSet(ctx, s.catalog, s.extractor)
	if err != nil {
		return predictive.ModelVersion{}, fmt.Errorf("build training set: %w", err)
	}
	return s.registry.Retrain(ctx, name, set, opts)
}

func (s *Service) Promote(ctx context.Context, name, version string, status predictive.Status) (predictive.ModelVersion, error) {
	if s.registry == nil {
		return predictive.ModelVersion{}, ErrRegistryUnavailable
	}
	if status == "" {
		status = predictive.StatusActive
	}
	return s.registry.Promote(ctx, name, version, status)
}
