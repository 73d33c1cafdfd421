package predictive

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
)

const BootstrapVersion = "v0"

// DefaultWeights are the hand-fitted coefficients shipped with the service,
// in FeatureNames order.
func DefaultWeights() linear.Weights {
	return linear.Weights{
		Bias: -3.6,
		Coefficients: []float64{
			2.0, // enzyme_inhibition
			0.8, // enzyme_overlap
			3.0, // shared_effects
			0.6, // narrow_ti
			0.4, // protein_binding
			2.5, // adverse_events
			0.5, // polypharmacy
			0.6, // patient_risk
			1.5, // history
		},
	}
}

var DefaultCalibration = linear.Calibrator{A: 0.9, B: -0.05}

// DefaultEnsemble combines the registry's logistic model with the two
// knowledge-driven runners.
func DefaultEnsemble(registry *Registry, model string) *Ensemble {
	return NewEnsemble(
		WeightedRunner{Runner: NewLogisticRunner(registry, model), Weight: 0.6},
		WeightedRunner{Runner: HeuristicRunner{}, Weight: 0.3},
		WeightedRunner{Runner: AdverseEventRunner{}, Weight: 0.1},
	)
}

// CatalogTrainingSet labels every pair of single-ingredient catalog drugs:
// curated pairs are positives, pairs with no mechanistic or reported signal
// are negatives. Ambiguous pairs are left out.
func CatalogTrainingSet(ctx context.Context, cat *knowledge.Catalog, extractor FeatureExtractor) (TrainingSet, error) {
	set := TrainingSet{Dataset: "curated-kb@" + cat.Version}
	var drugs []models.Drug
	for _, d := range cat.Drugs {
		if !d.IsCombination {
			drugs = append(drugs, d)
		}
	}
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			if err := ctx.Err(); err != nil {
				return TrainingSet{}, err
			}
			a, b := drugs[i], drugs[j]
			fv, err := extractor.Extract(ctx, a, b, Input{Drugs: []models.Drug{a, b}})
			if err != nil {
				return TrainingSet{}, err
			}
			switch {
			case cat.HasPair(a.ID, b.ID):
				set.Samples = append(set.Samples, fv.Slice())
				set.Labels = append(set.Labels, 1)
			case fv.Values[FeatureEnzymeInhibition] == 0 && fv.Values[FeatureSharedEffects] == 0 && fv.Values[FeatureAdverseEvents] == 0:
				set.Samples = append(set.Samples, fv.Slice())
				set.Labels = append(set.Labels, 0)
			}
		}
	}
	return set, nil
}

// Bootstrap makes sure the model has an active version: persisted versions
// first, then the latest artifact on disk, then the built-in weights.
func Bootstrap(ctx context.Context, registry *Registry, model string, cat *knowledge.Catalog, extractor FeatureExtractor) (ModelVersion, error) {
	if err := registry.Load(ctx); err != nil {
		return ModelVersion{}, err
	}
	if v, ok := registry.Active(model); ok {
		return v, nil
	}
	if registry.artifactDir != "" {
		v, err := registry.LoadArtifact(ctx, model)
		if err == nil {
			logger.Log.WithFields(map[string]interface{}{
				"model":   model,
				"version": v.Version,
			}).Info("loaded model artifact")
			return v, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Log.WithError(err).Warn("ignoring unreadable model artifact")
		}
	}

	set, err := CatalogTrainingSet(ctx, cat, extractor)
	if err != nil {
		return ModelVersion{}, err
	}
	weights := DefaultWeights()
	metrics := linear.Evaluate(weights, set.Samples, set.Labels)
	calibration := DefaultCalibration
	v := ModelVersion{
		Name:    model,
		Version: BootstrapVersion,
		Status:  StatusActive,
		Provenance: Provenance{
			Dataset:   set.Dataset,
			Samples:   len(set.Samples),
			Algorithm: "logistic-regression",
			TrainedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		},
		Metrics:      &metrics,
		Weights:      weights,
		Calibration:  &calibration,
		FeatureNames: append([]string(nil), FeatureNames...),
	}
	return registry.Register(ctx, v)
}
