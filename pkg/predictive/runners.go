package predictive

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
)

// ErrNoModel is returned when no runner could score a pair.
var ErrNoModel = errors.New("no model available")

// ModelRunner scores a feature vector as a probability of a clinically
// relevant interaction.
type ModelRunner interface {
	Name() string
	Score(ctx context.Context, fv FeatureVector) (float64, error)
}

// LogisticRunner scores with the registry's active version of a model.
type LogisticRunner struct {
	registry *Registry
	model    string
}

func NewLogisticRunner(registry *Registry, model string) *LogisticRunner {
	return &LogisticRunner{registry: registry, model: model}
}

func (r *LogisticRunner) Name() string { return "logistic" }

func (r *LogisticRunner) Score(_ context.Context, fv FeatureVector) (float64, error) {
	v, ok := r.registry.Active(r.model)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no active version", ErrNoModel, r.model)
	}
	if len(v.Weights.Coefficients) != len(FeatureNames) {
		return 0, fmt.Errorf("model %s@%s expects %d features, have %d", v.Name, v.Version, len(v.Weights.Coefficients), len(FeatureNames))
	}
	return linear.Predict(v.Weights, fv.Slice()), nil
}

// HeuristicRunner encodes the mechanism rules of thumb pharmacists use:
// metabolic inhibition and additive pharmacodynamic effects dominate.
type HeuristicRunner struct{}

func (HeuristicRunner) Name() string { return "mechanism-heuristic" }

func (HeuristicRunner) Score(_ context.Context, fv FeatureVector) (float64, error) {
	v := fv.Values
	score := 0.5*v[FeatureEnzymeInhibition] +
		0.2*v[FeatureEnzymeOverlap] +
		0.5*v[FeatureSharedEffects] +
		0.15*v[FeatureNarrowTI]
	return math.Min(1, score), nil
}

// AdverseEventRunner trusts post-marketing report frequency alone.
type AdverseEventRunner struct{}

func (AdverseEventRunner) Name() string { return "adverse-event-frequency" }

func (AdverseEventRunner) Score(_ context.Context, fv FeatureVector) (float64, error) {
	return fv.Values[FeatureAdverseEvents], nil
}

type WeightedRunner struct {
	Runner ModelRunner
	Weight float64
}

// Ensemble averages its runners by weight. Runners that fail are left out
// and the remaining weights renormalised.
type Ensemble struct {
	runners []WeightedRunner
}

func NewEnsemble(runners ...WeightedRunner) *Ensemble {
	return &Ensemble{runners: runners}
}

// RunnerScore is one runner's contribution to an ensemble score.
type RunnerScore struct {
	Name   string
	Score  float64
	Weight float64
	Err    error
}

func (e *Ensemble) Score(ctx context.Context, fv FeatureVector) (float64, []RunnerScore, error) {
	var total, weights float64
	scores := make([]RunnerScore, 0, len(e.runners))
	for _, wr := range e.runners {
		s, err := wr.Runner.Score(ctx, fv)
		scores = append(scores, RunnerScore{Name: wr.Runner.Name(), Score: s, Weight: wr.Weight, Err: err})
		if err != nil || wr.Weight <= 0 {
			continue
		}
		total += wr.Weight * s
		weights += wr.Weight
	}
	if weights == 0 {
		for _, s := range scores {
			if s.Err != nil {
				return 0, scores, fmt.Errorf("%w: %v", ErrNoModel, s.Err)
			}
		}
		return 0, scores, ErrNoModel
	}
	return total / weights, scores, nil
}
