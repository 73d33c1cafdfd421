package predictive

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
)

const (
	PairThreshold              = 0.3
	CombinationThreshold       = 0.4
	DefaultMaxCombinationDrugs = 10
	minCombinationSize         = 3
	findingPrefix              = "ml"
)

// SeverityForProbability maps an ensemble probability to a tier. Calibration
// adjusts confidence only and never moves a finding between tiers.
func SeverityForProbability(p float64) models.Severity {
	switch {
	case p >= 0.8:
		return models.SeveritySevere
	case p >= 0.6:
		return models.SeverityMajor
	case p >= 0.4:
		return models.SeverityModerate
	default:
		return models.SeverityMinor
	}
}

type Output struct {
	Interactions []models.DrugInteraction `json:"interactions"`
	ModelVersion string                   `json:"model_version"`
	PairsScored  int                      `json:"pairs_scored"`
	PairsSkipped int                      `json:"pairs_skipped"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

// Layer predicts interactions the curated knowledge does not cover.
type Layer struct {
	extractor      FeatureExtractor
	ensemble       *Ensemble
	registry       *Registry
	model          string
	maxCombination int
}

func NewLayer(extractor FeatureExtractor, ensemble *Ensemble, registry *Registry, model string, maxCombination int) *Layer {
	if maxCombination <= 0 {
		maxCombination = DefaultMaxCombinationDrugs
	}
	return &Layer{
		extractor:      extractor,
		ensemble:       ensemble,
		registry:       registry,
		model:          model,
		maxCombination: maxCombination,
	}
}

// pairScore is the scored state of one unordered pair.
type pairScore struct {
	a, b       models.Drug
	features   FeatureVector
	raw        float64
	confidence float64
	runners    []RunnerScore
	err        error
}

// ModelVersion reports "<name>@<version>" of the active model, or the bare
// name when no version is active.
func (l *Layer) ModelVersion() string {
	if l.registry != nil {
		if v, ok := l.registry.Active(l.model); ok {
			return v.Name + "@" + v.Version
		}
	}
	return l.model
}

func (l *Layer) calibrator() linear.Calibrator {
	if l.registry != nil {
		if v, ok := l.registry.Active(l.model); ok && v.Calibration != nil {
			return *v.Calibration
		}
	}
	return linear.Identity
}

func (l *Layer) score(ctx context.Context, a, b models.Drug, in Input, cal linear.Calibrator) pairScore {
	ps := pairScore{a: a, b: b}
	fv, err := l.extractor.Extract(ctx, a, b, in)
	if err != nil {
		ps.err = fmt.Errorf("extract %s+%s: %w", a.ID, b.ID, err)
		return ps
	}
	ps.features = fv
	raw, runners, err := l.ensemble.Score(ctx, fv)
	ps.runners = runners
	if err != nil {
		ps.err = fmt.Errorf("score %s+%s: %w", a.ID, b.ID, err)
		return ps
	}
	ps.raw = models.ClampUnit(raw)
	ps.confidence = cal.Apply(ps.raw)
	return ps
}

// Predict scores every pair not already covered by a drug-drug rule finding
// and every drug subset that shares a mechanism. It fails only when nothing
// could be scored.
func (l *Layer) Predict(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	drugs := uniqueDrugs(in.Drugs)
	out := Output{ModelVersion: l.ModelVersion()}
	if len(drugs) < 2 {
		return out, nil
	}

	covered := coveredPairs(in.Known)
	cal := l.calibrator()
	scores := make(map[string]pairScore)
	failures := 0
	var lastErr error
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			if err := ctx.Err(); err != nil {
				return Output{}, err
			}
			ps := l.score(ctx, drugs[i], drugs[j], in, cal)
			key := models.PairKey(drugs[i].ID, drugs[j].ID)
			scores[key] = ps
			if ps.err != nil {
				failures++
				lastErr = ps.err
				continue
			}
			out.PairsScored++
		}
	}
	if failures == len(scores) {
		return Output{}, fmt.Errorf("predictive layer could not score any pair: %w", lastErr)
	}
	if failures > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d of %d pairs could not be scored: %v", failures, len(scores), lastErr))
	}

	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ps := scores[key]
		if ps.err != nil {
			continue
		}
		if covered[key] {
			out.PairsSkipped++
			continue
		}
		if ps.raw > PairThreshold {
			out.Interactions = append(out.Interactions, l.pairFinding(ps, out.ModelVersion))
		}
	}

	out.Interactions = append(out.Interactions, l.combinationFindings(drugs, scores, cal, out.ModelVersion)...)
	sortByRisk(out.Interactions)

	logger.Log.WithFields(map[string]interface{}{
		"model":    out.ModelVersion,
		"drugs":    len(drugs),
		"scored":   out.PairsScored,
		"skipped":  out.PairsSkipped,
		"findings": len(out.Interactions),
	}).Debug("predictive layer completed")
	return out, nil
}

func (l *Layer) pairFinding(ps pairScore, version string) models.DrugInteraction {
	category := models.MechanismUnknown
	switch {
	case len(ps.features.Inhibitions) > 0 || ps.features.Values[FeatureEnzymeOverlap] > 0:
		category = models.MechanismPharmacokinetic
	case len(ps.features.SharedEffect) > 0:
		category = models.MechanismPharmacodynamic
	}
	severity := SeverityForProbability(ps.raw)
	f := models.DrugInteraction{
		ID:                findingID(ps.a.ID, ps.b.ID),
		Drugs:             []string{ps.a.ID, ps.b.ID},
		DrugNames:         []string{ps.a.Name, ps.b.Name},
		Severity:          severity,
		Confidence:        ps.confidence,
		Mechanism:         mechanismText(ps.features),
		Type:              models.TypeDrugDrug,
		MechanismCategory: category,
		Evidence: []models.Evidence{{
			Source:      models.SourceEnsemble + ":" + version,
			Reliability: ps.confidence,
			Reference:   "predicted; not in curated knowledge base",
		}},
		Recommendations: recommendations(severity),
		OverrideAllowed: true,
		Source:          models.SourceEnsemble,
		ModelVersion:    version,
		Probability:     ps.raw,
	}
	f.Breakdown = modelBreakdown(ps.confidence, ps.features.Completeness)
	return f
}

// combinationFindings scores subsets of at least three drugs sharing an
// effect or a metabolic enzyme and keeps only the largest qualifying sets.
func (l *Layer) combinationFindings(drugs []models.Drug, scores map[string]pairScore, cal linear.Calibrator, version string) []models.DrugInteraction {
	if len(drugs) > l.maxCombination {
		drugs = drugs[:l.maxCombination]
	}
	n := len(drugs)
	if n < minCombinationSize {
		return nil
	}

	type candidate struct {
		members []models.Drug
		mask    uint32
		score   combinationScore
	}
	var candidates []candidate
	for mask := uint32(1); mask < 1<<n; mask++ {
		if popcount(mask) < minCombinationSize {
			continue
		}
		var members []models.Drug
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				members = append(members, drugs[i])
			}
		}
		cs, ok := scoreCombination(members, scores, cal)
		if !ok || cs.probability <= CombinationThreshold {
			continue
		}
		candidates = append(candidates, candidate{members: members, mask: mask, score: cs})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return popcount(candidates[i].mask) > popcount(candidates[j].mask)
	})
	var kept []candidate
	for _, c := range candidates {
		subsumed := false
		for _, k := range kept {
			if c.mask&k.mask == c.mask {
				subsumed = true
				break
			}
		}
		if !subsumed {
			kept = append(kept, c)
		}
	}

	out := make([]models.DrugInteraction, 0, len(kept))
	for _, c := range kept {
		out = append(out, combinationFinding(c.members, c.score, version))
	}
	return out
}

type combinationScore struct {
	probability  float64
	confidence   float64
	meanPair     float64
	completeness float64
	effects      []string
	enzymes      []string
}

func scoreCombination(members []models.Drug, scores map[string]pairScore, cal linear.Calibrator) (combinationScore, bool) {
	cs := combinationScore{
		effects: commonValues(members, func(d models.Drug) []string { return d.Effects }),
		enzymes: commonValues(members, func(d models.Drug) []string { return d.MetabolicEnzymes }),
	}
	if len(cs.effects) == 0 && len(cs.enzymes) == 0 {
		return cs, false
	}
	var sum, completeness float64
	var count int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			ps, ok := scores[models.PairKey(members[i].ID, members[j].ID)]
			if !ok || ps.err != nil {
				continue
			}
			sum += ps.raw
			completeness += ps.features.Completeness
			count++
		}
	}
	if count == 0 {
		return cs, false
	}
	cs.meanPair = sum / float64(count)
	cs.completeness = completeness / float64(count)
	cs.probability = models.ClampUnit(0.5*cs.meanPair + 0.5*math.Min(1, 0.25*float64(len(members))))
	cs.confidence = cal.Apply(cs.probability)
	return cs, true
}

func combinationFinding(members []models.Drug, cs combinationScore, version string) models.DrugInteraction {
	ids := make([]string, len(members))
	names := make([]string, len(members))
	for i, d := range members {
		ids[i] = d.ID
		names[i] = d.Name
	}
	var parts []string
	category := models.MechanismPharmacodynamic
	if len(cs.effects) > 0 {
		parts = append(parts, "cumulative "+strings.Join(cs.effects, ", ")+" effect")
	}
	if len(cs.enzymes) > 0 {
		parts = append(parts, "competition for "+strings.Join(cs.enzymes, ", "))
		if len(cs.effects) == 0 {
			category = models.MechanismPharmacokinetic
		}
	}
	severity := SeverityForProbability(cs.probability)
	f := models.DrugInteraction{
		ID:                findingID(ids...),
		Drugs:             ids,
		DrugNames:         names,
		Severity:          severity,
		Confidence:        cs.confidence,
		Mechanism:         fmt.Sprintf("Predicted %d-drug interaction: %s", len(members), strings.Join(parts, "; ")),
		Type:              models.TypePolypharmacy,
		MechanismCategory: category,
		Evidence: []models.Evidence{{
			Source:      models.SourceEnsemble + ":" + version,
			Reliability: cs.confidence,
			Reference:   "predicted combination; not in curated knowledge base",
		}},
		Recommendations: recommendations(severity),
		OverrideAllowed: true,
		Source:          models.SourceEnsemble,
		ModelVersion:    version,
		Probability:     cs.meanPair,
	}
	f.Breakdown = modelBreakdown(cs.confidence, cs.completeness)
	return f
}

// modelBreakdown splits a model confidence into the model's own share and
// the part attributable to how complete the drug data was.
func modelBreakdown(p, completeness float64) *models.ConfidenceBreakdown {
	dq := p * 0.1 * completeness
	return &models.ConfidenceBreakdown{
		ModelPrediction: p - dq,
		DataQuality:     dq,
		Overall:         p,
	}
}

func mechanismText(fv FeatureVector) string {
	var parts []string
	parts = append(parts, fv.Inhibitions...)
	if len(fv.SharedEffect) > 0 {
		parts = append(parts, "additive "+strings.Join(fv.SharedEffect, ", ")+" effects")
	}
	if len(parts) == 0 && len(fv.SharedEnzyme) > 0 {
		parts = append(parts, "shared metabolism via "+strings.Join(fv.SharedEnzyme, ", "))
	}
	if len(parts) == 0 {
		return "Predicted from adverse event reports and pharmacological similarity"
	}
	return "Predicted: " + strings.Join(parts, "; ")
}

func recommendations(s models.Severity) []string {
	recs := []string{"Verify with a pharmacist; this interaction is model-predicted"}
	if s >= models.SeverityMajor {
		recs = append(recs, "Consider an alternative agent or increased monitoring")
	}
	return recs
}

func findingID(ids ...string) string {
	return models.InteractionID(findingPrefix, ids...)
}

// parseFindingID returns the drug ids encoded in a predictive finding id.
func parseFindingID(id string) ([]string, bool) {
	rest, ok := strings.CutPrefix(id, findingPrefix+":")
	if !ok || rest == "" {
		return nil, false
	}
	ids := strings.Split(rest, "+")
	if len(ids) < 2 {
		return nil, false
	}
	return ids, true
}

func coveredPairs(known []models.DrugInteraction) map[string]bool {
	covered := make(map[string]bool)
	for _, k := range known {
		if k.IsPairwise() {
			covered[models.PairKey(k.Drugs[0], k.Drugs[1])] = true
		}
	}
	return covered
}

func uniqueDrugs(in []models.Drug) []models.Drug {
	seen := make(map[string]bool, len(in))
	out := make([]models.Drug, 0, len(in))
	for _, d := range in {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

func commonValues(members []models.Drug, values func(models.Drug) []string) []string {
	if len(members) == 0 {
		return nil
	}
	common := values(members[0])
	for _, d := range members[1:] {
		common = intersect(common, values(d))
		if len(common) == 0 {
			return nil
		}
	}
	return intersect(common, common)
}

func popcount(v uint32) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

func sortByRisk(findings []models.DrugInteraction) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity > findings[j].Severity
		}
		if findings[i].Confidence != findings[j].Confidence {
			return findings[i].Confidence > findings[j].Confidence
		}
		return findings[i].ID < findings[j].ID
	})
}
