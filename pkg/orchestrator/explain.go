package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
	"github.com/synaptica-ai/interaction-engine/pkg/rules"
)

const modelFindingPrefix = "ml:"

// Explain reports why a finding was produced. Model findings are recomputed
// by the predictive layer; rule findings are re-derived from the supplied
// drugs or, when none are given, taken from the most recent run log.
func (s *Service) Explain(ctx context.Context, req models.ExplainRequest) (models.Explanation, error) {
	if strings.TrimSpace(req.InteractionID) == "" {
		return models.Explanation{}, ValidationError{Field: "interaction_id", Message: "required"}
	}
	if err := req.PatientFacts.Validate(); err != nil {
		return models.Explanation{}, err
	}

	drugInputs := req.Drugs
	in := predictive.Input{Facts: req.PatientFacts}
	if len(drugInputs) == 0 {
		run, finding, err := s.runLogs.FindInteraction(ctx, req.InteractionID)
		if err != nil {
			return models.Explanation{}, fmt.Errorf("explain %s: %w", req.InteractionID, err)
		}
		if !strings.HasPrefix(req.InteractionID, modelFindingPrefix) {
			return explainRule(finding), nil
		}
		drugInputs = run.Input.Drugs
		// Run logs keep no facts; rebuild the history the run was scored with.
		in.History = s.priorFindings(ctx, run.PatientID, run.CreatedAt)
	} else if req.PatientID != "" {
		in.History = s.priorFindings(ctx, req.PatientID, time.Time{})
	}
	drugs := s.resolveDrugs(ctx, drugInputs)

	if strings.HasPrefix(req.InteractionID, modelFindingPrefix) {
		if s.predictor == nil {
			return models.Explanation{}, ErrPredictorUnavailable
		}
		in.Drugs = drugs
		return s.predictor.Explain(ctx, req.InteractionID, in)
	}

	res, err := s.rules.Check(ctx, drugs, req.PatientFacts, rules.Options{Personalize: true})
	if err != nil {
		return models.Explanation{}, fmt.Errorf("explain %s: %w", req.InteractionID, err)
	}
	for _, f := range res.Interactions {
		if f.ID == req.InteractionID {
			return explainRule(f), nil
		}
	}
	return models.Explanation{}, fmt.Errorf("explain %s: %w", req.InteractionID, ErrInteractionNotFound)
}

func (s *Service) resolveDrugs(ctx context.Context, inputs []models.DrugInput) []models.Drug {
	res := s.normalizer.ResolveAll(ctx, inputs, normalizer.Options{})
	out := make([]models.Drug, 0, len(res.Drugs))
	for _, nd := range res.Drugs {
		out = append(out, nd.Drug)
	}
	return out
}

// explainRule attributes a rule finding's confidence to the curated
// evidence and to each patient factor. The personalization lift is split
// across factors in proportion to the log of each factor.
func explainRule(f models.DrugInteraction) models.Explanation {
	breakdown := models.ConfidenceBreakdown{RuleEvidence: f.Confidence, Overall: f.Confidence}
	if f.Breakdown != nil {
		breakdown = *f.Breakdown
	}

	attributions := []models.FeatureAttribution{{
		Feature:      "rule_evidence",
		Value:        float64(len(f.Evidence)),
		Contribution: breakdown.RuleEvidence,
	}}
	path := []string{fmt.Sprintf("curated %s finding: %s", f.Type, f.Mechanism)}
	for _, e := range f.Evidence {
		entry := fmt.Sprintf("evidence %s (reliability %.2f)", e.Source, e.Reliability)
		if e.Reference != "" {
			entry += ": " + e.Reference
		}
		path = append(path, entry)
	}

	if adj := f.Adjustment; adj != nil && adj.OverallFactor > 1 {
		total := math.Log(adj.OverallFactor)
		names := make([]string, 0, len(adj.Factors))
		for name := range adj.Factors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := adj.Factors[name]
			attributions = append(attributions, models.FeatureAttribution{
				Feature:      "patient_" + name,
				Value:        value,
				Contribution: breakdown.Personalization * math.Log(value) / total,
			})
		}
		path = append(path, fmt.Sprintf("patient factors: %s (overall x%.2f)", strings.Join(adj.Reasons, "; "), adj.OverallFactor))
		if adj.Promoted {
			path = append(path, fmt.Sprintf("severity promoted from %s to %s", adj.OriginalSeverity, adj.AdjustedSeverity))
		}
		path = append(path, fmt.Sprintf("confidence %.2f -> %.2f", adj.OriginalConfidence, f.Confidence))
	}
	overridable := "no"
	if f.OverrideAllowed {
		overridable = "yes"
	}
	path = append(path, fmt.Sprintf("severity %s, override allowed: %s", f.Severity, overridable))

	sort.SliceStable(attributions, func(i, j int) bool {
		return math.Abs(attributions[i].Contribution) > math.Abs(attributions[j].Contribution)
	})
	return models.Explanation{
		InteractionID:       f.ID,
		Source:              f.Source,
		ModelVersion:        f.ModelVersion,
		Attributions:        attributions,
		DecisionPath:        path,
		ConfidenceBreakdown: breakdown,
	}
}
