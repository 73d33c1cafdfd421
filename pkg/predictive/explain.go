package predictive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
)

var ErrNotPredicted = errors.New("interaction was not produced by the predictive layer")

// Explain recomputes a predicted finding and reports which features drove
// it. Attributions are the logistic model's additive logit terms, averaged
// over the member pairs for combinations.
func (l *Layer) Explain(ctx context.Context, id string, in Input) (models.Explanation, error) {
	ids, ok := parseFindingID(id)
	if !ok {
		return models.Explanation{}, fmt.Errorf("%w: %s", ErrNotPredicted, id)
	}
	byID := make(map[string]models.Drug, len(in.Drugs))
	for _, d := range in.Drugs {
		byID[d.ID] = d
	}
	members := make([]models.Drug, 0, len(ids))
	for _, drugID := range ids {
		d, ok := byID[drugID]
		if !ok {
			return models.Explanation{}, fmt.Errorf("drug %s of %s not in medication list", drugID, id)
		}
		members = append(members, d)
	}

	version := l.ModelVersion()
	cal := l.calibrator()
	var path []string
	var pairs []pairScore
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if err := ctx.Err(); err != nil {
				return models.Explanation{}, err
			}
			ps := l.score(ctx, members[i], members[j], in, cal)
			if ps.err != nil {
				return models.Explanation{}, ps.err
			}
			pairs = append(pairs, ps)
		}
	}

	exp := models.Explanation{
		InteractionID: id,
		Source:        models.SourceEnsemble,
		ModelVersion:  version,
		Attributions:  l.attributions(pairs),
	}

	if len(members) == 2 {
		ps := pairs[0]
		path = append(path, fmt.Sprintf("features extracted for %s + %s (data completeness %.2f)", ps.a.Name, ps.b.Name, ps.features.Completeness))
		for _, r := range ps.runners {
			if r.Err != nil {
				path = append(path, fmt.Sprintf("runner %s failed: %v", r.Name, r.Err))
				continue
			}
			path = append(path, fmt.Sprintf("runner %s scored %.3f (weight %.2f)", r.Name, r.Score, r.Weight))
		}
		path = append(path,
			fmt.Sprintf("ensemble score %.3f", ps.raw),
			fmt.Sprintf("emitted: probability above %.2f, severity %s", PairThreshold, SeverityForProbability(ps.raw)),
			fmt.Sprintf("calibrated confidence %.3f", ps.confidence),
		)
		exp.DecisionPath = path
		exp.ConfidenceBreakdown = *modelBreakdown(ps.confidence, ps.features.Completeness)
		return exp, nil
	}

	scores := make(map[string]pairScore, len(pairs))
	for _, ps := range pairs {
		scores[models.PairKey(ps.a.ID, ps.b.ID)] = ps
		path = append(path, fmt.Sprintf("pair %s + %s scored %.3f", ps.a.Name, ps.b.Name, ps.raw))
	}
	cs, ok := scoreCombination(members, scores, cal)
	if !ok {
		return models.Explanation{}, fmt.Errorf("%s: members share no effect or enzyme", id)
	}
	if len(cs.effects) > 0 {
		path = append(path, "shared effects: "+strings.Join(cs.effects, ", "))
	}
	if len(cs.enzymes) > 0 {
		path = append(path, "shared enzymes: "+strings.Join(cs.enzymes, ", "))
	}
	path = append(path,
		fmt.Sprintf("mean pair probability %.3f, size term %.3f", cs.meanPair, 0.25*float64(len(members))),
		fmt.Sprintf("combination probability %.3f, severity %s", cs.probability, SeverityForProbability(cs.probability)),
		fmt.Sprintf("calibrated confidence %.3f", cs.confidence),
	)
	exp.DecisionPath = path
	exp.ConfidenceBreakdown = *modelBreakdown(cs.confidence, cs.completeness)
	return exp, nil
}

func (l *Layer) attributions(pairs []pairScore) []models.FeatureAttribution {
	weights := DefaultWeights()
	if l.registry != nil {
		if v, ok := l.registry.Active(l.model); ok && len(v.Weights.Coefficients) == len(FeatureNames) {
			weights = v.Weights
		}
	}
	values := make([]float64, len(FeatureNames))
	contrib := make([]float64, len(FeatureNames))
	for _, ps := range pairs {
		sample := ps.features.Slice()
		for i, c := range linear.Contributions(weights, sample) {
			values[i] += sample[i] / float64(len(pairs))
			contrib[i] += c / float64(len(pairs))
		}
	}
	out := make([]models.FeatureAttribution, len(FeatureNames))
	for i, name := range FeatureNames {
		out[i] = models.FeatureAttribution{Feature: name, Value: values[i], Contribution: contrib[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return abs(out[i].Contribution) > abs(out[j].Contribution)
	})
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
