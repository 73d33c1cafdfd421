package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

// PromotionThreshold is the overall factor above which a finding moves up
// one severity tier.
const PromotionThreshold = 1.2

const (
	FactorAge         = "age"
	FactorRenal       = "renal"
	FactorHepatic     = "hepatic"
	FactorPregnancy   = "pregnancy"
	FactorComorbidity = "comorbidity"
	FactorGenetic     = "genetic"
)

// Factor is one patient-specific risk multiplier. Values are never below 1.
type Factor struct {
	Name   string
	Value  float64
	Reason string
}

// PatientFactors computes the risk multipliers that apply to a finding
// involving drugs, given the conditions that aggravate it.
func PatientFactors(facts *models.PatientFacts, drugs []models.Drug, riskConditions []string) []Factor {
	if facts == nil {
		return nil
	}
	var out []Factor

	switch {
	case facts.Age >= 80:
		out = append(out, Factor{FactorAge, 1.3, fmt.Sprintf("age %.0f (80 or older)", facts.Age)})
	case facts.Age >= 65:
		out = append(out, Factor{FactorAge, 1.2, fmt.Sprintf("age %.0f (65 or older)", facts.Age)})
	case facts.Age > 0 && facts.Age < 12:
		out = append(out, Factor{FactorAge, 1.1, fmt.Sprintf("paediatric patient, age %.0f", facts.Age)})
	}

	if gfr := facts.EffectiveGFR(); gfr > 0 && anyDrug(drugs, func(d models.Drug) bool { return d.RenalElimination || d.NarrowTherapeuticIndex }) {
		switch {
		case gfr < 30:
			out = append(out, Factor{FactorRenal, 1.3, fmt.Sprintf("eGFR %.0f, severe renal impairment", gfr)})
		case gfr < 60:
			out = append(out, Factor{FactorRenal, 1.15, fmt.Sprintf("eGFR %.0f, moderate renal impairment", gfr)})
		}
	}

	if anyDrug(drugs, func(d models.Drug) bool { return len(d.MetabolicEnzymes) > 0 }) {
		switch strings.ToLower(strings.TrimSpace(facts.HepaticFunction)) {
		case models.HepaticSevere:
			out = append(out, Factor{FactorHepatic, 1.3, "severe hepatic impairment"})
		case models.HepaticModerate:
			out = append(out, Factor{FactorHepatic, 1.15, "moderate hepatic impairment"})
		case models.HepaticMild:
			out = append(out, Factor{FactorHepatic, 1.05, "mild hepatic impairment"})
		}
	}

	if facts.Pregnant {
		if anyDrug(drugs, func(d models.Drug) bool { return d.PregnancyCategory == "D" || d.PregnancyCategory == "X" }) {
			out = append(out, Factor{FactorPregnancy, 1.5, "pregnancy with a category D/X drug"})
		} else {
			out = append(out, Factor{FactorPregnancy, 1.1, "pregnancy"})
		}
	}

	if len(riskConditions) > 0 && facts.HasComorbidity(riskConditions...) {
		out = append(out, Factor{FactorComorbidity, 1.25, "comorbidity aggravates this interaction"})
	}

	if f, ok := geneticFactor(facts.GeneticMarkers, drugs); ok {
		out = append(out, f)
	}
	return out
}

// geneticFactor takes the strongest phenotype effect across every enzyme
// that metabolises one of the drugs.
func geneticFactor(markers map[string]string, drugs []models.Drug) (Factor, bool) {
	if len(markers) == 0 {
		return Factor{}, false
	}
	normalized := make(map[string]string, len(markers))
	for gene, phenotype := range markers {
		normalized[strings.ToUpper(strings.TrimSpace(gene))] = strings.ToLower(phenotype)
	}
	best := Factor{}
	for _, d := range drugs {
		for _, enzyme := range d.MetabolicEnzymes {
			phenotype, ok := normalized[strings.ToUpper(enzyme)]
			if !ok {
				continue
			}
			value := 1.0
			switch {
			case strings.Contains(phenotype, "poor"):
				value = 1.3
			case strings.Contains(phenotype, "intermediate"), strings.Contains(phenotype, "ultrarapid"), strings.Contains(phenotype, "ultra-rapid"):
				value = 1.15
			}
			if value > best.Value {
				best = Factor{FactorGenetic, value, fmt.Sprintf("%s %s metaboliser (%s)", enzyme, phenotype, d.Name)}
			}
		}
	}
	return best, best.Value > 1
}

// Personalize applies patient factors to a rule finding. Severity only moves
// up and confidence only grows.
func Personalize(in models.DrugInteraction, factors []Factor) models.DrugInteraction {
	if len(factors) == 0 {
		return in
	}
	adj := &models.Adjustment{
		Factors:            make(map[string]float64, len(factors)),
		OverallFactor:      1,
		OriginalSeverity:   in.Severity,
		AdjustedSeverity:   in.Severity,
		OriginalConfidence: in.Confidence,
	}
	for _, f := range factors {
		if f.Value < 1 {
			continue
		}
		adj.Factors[f.Name] = f.Value
		adj.OverallFactor *= f.Value
		adj.Reasons = append(adj.Reasons, f.Reason)
	}
	sort.Strings(adj.Reasons)

	if adj.OverallFactor > PromotionThreshold {
		adj.AdjustedSeverity = in.Severity.Promote()
		adj.Promoted = adj.AdjustedSeverity != in.Severity
	}
	in.Severity = adj.AdjustedSeverity
	in.Confidence = models.ClampUnit(in.Confidence * adj.OverallFactor)
	in.Adjustment = adj
	return in
}

func anyDrug(drugs []models.Drug, pred func(models.Drug) bool) bool {
	for _, d := range drugs {
		if pred(d) {
			return true
		}
	}
	return false
}
