package models

import (
	"sort"
	"strings"
)

type InteractionType string

const (
	TypeDrugDrug     InteractionType = "drug-drug"
	TypeDrugDisease  InteractionType = "drug-disease"
	TypeDrugAllergy  InteractionType = "drug-allergy"
	TypePolypharmacy InteractionType = "polypharmacy"
)

type MechanismCategory string

const (
	MechanismPharmacokinetic MechanismCategory = "pharmacokinetic"
	MechanismPharmacodynamic MechanismCategory = "pharmacodynamic"
	MechanismPharmaceutical  MechanismCategory = "pharmaceutical"
	MechanismUnknown         MechanismCategory = "unknown"
)

const (
	SourceRuleEngine = "rule-engine"
	SourceEnsemble   = "ml-ensemble"
)

type Evidence struct {
	Source      string  `json:"source" yaml:"source"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Reference   string  `json:"reference,omitempty" yaml:"reference"`
}

// Adjustment records how patient factors changed a rule finding.
type Adjustment struct {
	Factors            map[string]float64 `json:"factors"`
	OverallFactor      float64            `json:"overall_factor"`
	OriginalSeverity   Severity           `json:"original_severity"`
	AdjustedSeverity   Severity           `json:"adjusted_severity"`
	OriginalConfidence float64            `json:"original_confidence"`
	Promoted           bool               `json:"promoted"`
	Reasons            []string           `json:"reasons,omitempty"`
}

// ConfidenceBreakdown splits Overall into stage contributions. The parts
// always sum to Overall.
type ConfidenceBreakdown struct {
	RuleEvidence    float64 `json:"rule_evidence"`
	ModelPrediction float64 `json:"model_prediction"`
	Personalization float64 `json:"personalization"`
	DataQuality     float64 `json:"data_quality"`
	Overall         float64 `json:"overall"`
}

// Sum adds the component contributions.
func (b ConfidenceBreakdown) Sum() float64 {
	return b.RuleEvidence + b.ModelPrediction + b.Personalization + b.DataQuality
}

type DrugInteraction struct {
	ID                    string               `json:"id"`
	Drugs                 []string             `json:"drugs"`
	DrugNames             []string             `json:"drug_names"`
	Severity              Severity             `json:"severity"`
	Confidence            float64              `json:"confidence"`
	Mechanism             string               `json:"mechanism"`
	Type                  InteractionType      `json:"type"`
	MechanismCategory     MechanismCategory    `json:"mechanism_category"`
	Evidence              []Evidence           `json:"evidence"`
	Recommendations       []string             `json:"recommendations,omitempty"`
	Condition             string               `json:"condition,omitempty"`
	Allergen              string               `json:"allergen,omitempty"`
	OverrideAllowed       bool                 `json:"override_allowed"`
	RequiresSecondSignoff bool                 `json:"requires_second_signoff"`
	Source                string               `json:"source"`
	Adjustment            *Adjustment          `json:"patient_adjustment,omitempty"`
	Breakdown             *ConfidenceBreakdown `json:"confidence_breakdown,omitempty"`
	ModelVersion          string               `json:"model_version,omitempty"`
	Probability           float64              `json:"probability,omitempty"`
}

// SortedNames is the deduplication identity of a finding: the sorted drug
// names, qualified by the condition or allergen for single-drug findings.
func (d DrugInteraction) SortedNames() string {
	names := make([]string, 0, len(d.DrugNames))
	for _, n := range d.DrugNames {
		names = append(names, strings.ToLower(n))
	}
	sort.Strings(names)
	key := strings.Join(names, "|")
	if d.Condition != "" {
		key += "#condition=" + strings.ToLower(d.Condition)
	}
	if d.Allergen != "" {
		key += "#allergen=" + strings.ToLower(d.Allergen)
	}
	return key
}

// Clone copies the finding so cached values are never shared with callers.
func (d DrugInteraction) Clone() DrugInteraction {
	d.Drugs = append([]string(nil), d.Drugs...)
	d.DrugNames = append([]string(nil), d.DrugNames...)
	d.Evidence = append([]Evidence(nil), d.Evidence...)
	d.Recommendations = append([]string(nil), d.Recommendations...)
	if d.Adjustment != nil {
		adj := *d.Adjustment
		adj.Factors = make(map[string]float64, len(d.Adjustment.Factors))
		for k, v := range d.Adjustment.Factors {
			adj.Factors[k] = v
		}
		adj.Reasons = append([]string(nil), d.Adjustment.Reasons...)
		d.Adjustment = &adj
	}
	if d.Breakdown != nil {
		b := *d.Breakdown
		d.Breakdown = &b
	}
	return d
}

// CloneInteractions deep-copies a finding list.
func CloneInteractions(in []DrugInteraction) []DrugInteraction {
	if in == nil {
		return nil
	}
	out := make([]DrugInteraction, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}

// IsPairwise reports whether the finding involves exactly two drugs.
func (d DrugInteraction) IsPairwise() bool {
	return d.Type == TypeDrugDrug && len(d.Drugs) == 2
}

// InteractionID builds a stable identifier from a kind and participant ids.
func InteractionID(kind string, ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return kind + ":" + strings.Join(sorted, "+")
}

// PairKey is the unordered key of two drug ids.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "+" + b
}

// ClampUnit bounds a value to [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
