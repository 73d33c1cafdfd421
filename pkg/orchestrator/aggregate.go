package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

const maxRiskScore = 100

var severityWeights = map[models.Severity]float64{
	models.SeverityMinor:    5,
	models.SeverityModerate: 15,
	models.SeverityMajor:    30,
	models.SeveritySevere:   50,
}

// Merge combines rule and model findings into one list. Findings naming the
// same drugs are duplicates: the rule finding wins, otherwise the higher
// severity, then the higher confidence.
func Merge(ruleFindings, modelFindings []models.DrugInteraction) []models.DrugInteraction {
	out := make([]models.DrugInteraction, 0, len(ruleFindings)+len(modelFindings))
	index := make(map[string]int, cap(out))
	add := func(f models.DrugInteraction) {
		key := f.SortedNames()
		if i, ok := index[key]; ok {
			if preferred(f, out[i]) {
				out[i] = f
			}
			return
		}
		index[key] = len(out)
		out = append(out, f)
	}
	for _, f := range ruleFindings {
		add(f)
	}
	for _, f := range modelFindings {
		add(f)
	}
	for i := range out {
		out[i].RequiresSecondSignoff = out[i].OverrideAllowed && out[i].Severity == models.SeveritySevere
	}
	sortFindings(out)
	return out
}

func preferred(candidate, current models.DrugInteraction) bool {
	candidateRule := candidate.Source == models.SourceRuleEngine
	currentRule := current.Source == models.SourceRuleEngine
	if candidateRule != currentRule {
		return candidateRule
	}
	if candidate.Severity != current.Severity {
		return candidate.Severity > current.Severity
	}
	return candidate.Confidence > current.Confidence
}

func sortFindings(findings []models.DrugInteraction) {
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

func filterSeverity(findings []models.DrugInteraction, threshold models.Severity) []models.DrugInteraction {
	out := make([]models.DrugInteraction, 0, len(findings))
	for _, f := range findings {
		if f.Severity.AtLeast(threshold) {
			out = append(out, f)
		}
	}
	return out
}

// Summarize derives the headline numbers from the returned findings. The
// risk score is the confidence-weighted sum of severity weights, capped at
// 100.
func Summarize(findings []models.DrugInteraction) models.Summary {
	sum := models.Summary{
		TotalInteractions: len(findings),
		MaxSeverity:       models.SeverityNone,
		SeverityCounts:    make(map[string]int, len(models.AllSeverities)-1),
	}
	for _, s := range models.AllSeverities[1:] {
		sum.SeverityCounts[s.String()] = 0
	}
	if len(findings) == 0 {
		return sum
	}

	var risk float64
	sum.ConfidenceRange = models.ConfidenceRange{Min: 1, Max: 0}
	for _, f := range findings {
		sum.SeverityCounts[f.Severity.String()]++
		if f.Severity > sum.MaxSeverity {
			sum.MaxSeverity = f.Severity
		}
		risk += severityWeights[f.Severity] * f.Confidence
		sum.ConfidenceRange.Min = math.Min(sum.ConfidenceRange.Min, f.Confidence)
		sum.ConfidenceRange.Max = math.Max(sum.ConfidenceRange.Max, f.Confidence)
	}
	sum.RiskScore = math.Min(maxRiskScore, math.Round(risk*10)/10)
	sum.RequiresAttention = sum.MaxSeverity.AtLeast(models.SeverityMajor)
	return sum
}

// alternatives suggests substitutes for drugs in major or severe findings.
// A candidate is dropped when the patient already takes it, when it has a
// curated interaction with any other drug on the list, when it matches an
// allergy, or when it is flagged for one of the patient's conditions.
func (s *Service) alternatives(findings []models.DrugInteraction, drugs []models.Drug, facts *models.PatientFacts) []models.AlternativeSuggestion {
	present := make(map[string]bool, len(drugs))
	for _, d := range drugs {
		present[d.ID] = true
	}
	out := []models.AlternativeSuggestion{}
	seen := make(map[string]bool)
	for _, f := range findings {
		if !f.Severity.AtLeast(models.SeverityMajor) {
			continue
		}
		for _, id := range f.Drugs {
			key := f.ID + "|" + id
			if seen[key] {
				continue
			}
			seen[key] = true

			var names []string
			for _, candidate := range s.catalog.AlternativesFor(id) {
				if present[candidate.ID] || s.conflicts(candidate, drugs, id) || allergic(candidate, facts) || s.contraindicated(candidate, facts) {
					continue
				}
				names = append(names, candidate.Name)
			}
			if len(names) == 0 {
				continue
			}
			replaced := id
			if d, ok := s.catalog.Drug(id); ok {
				replaced = d.Name
			}
			out = append(out, models.AlternativeSuggestion{
				InteractionID: f.ID,
				ReplaceDrug:   replaced,
				Alternatives:  names,
				Rationale:     fmt.Sprintf("No curated interaction between %s and the remaining medications.", strings.Join(names, ", ")),
			})
		}
	}
	return out
}

func (s *Service) conflicts(candidate models.Drug, drugs []models.Drug, replacing string) bool {
	for _, d := range drugs {
		if d.ID == replacing {
			continue
		}
		if s.catalog.HasPair(candidate.ID, d.ID) {
			return true
		}
	}
	return false
}

func allergic(candidate models.Drug, facts *models.PatientFacts) bool {
	if facts == nil {
		return false
	}
	names := candidate.Names()
	for _, allergy := range facts.Allergies {
		allergen := strings.ToLower(strings.TrimSpace(allergy))
		for _, g := range candidate.AllergyGroups {
			if strings.EqualFold(g, allergen) {
				return true
			}
		}
		for _, n := range names {
			if n == allergen {
				return true
			}
		}
	}
	return false
}

func (s *Service) contraindicated(candidate models.Drug, facts *models.PatientFacts) bool {
	if facts == nil {
		return false
	}
	for _, condition := range facts.Comorbidities {
		for _, rec := range s.catalog.Diseases {
			if rec.Matches(condition) && rec.Covers(candidate) {
				return true
			}
		}
	}
	return false
}

// monitoringPlans builds one plan per major or severe finding, preferring
// the curated monitoring of the pair when there is one.
func (s *Service) monitoringPlans(findings []models.DrugInteraction) []models.MonitoringPlan {
	out := []models.MonitoringPlan{}
	for _, f := range findings {
		if !f.Severity.AtLeast(models.SeverityMajor) {
			continue
		}
		plan := models.MonitoringPlan{InteractionID: f.ID}
		if len(f.Recommendations) > 0 {
			plan.Notes = f.Recommendations[0]
		}
		switch {
		case f.Type == models.TypeDrugAllergy:
			plan.Parameters = []string{"signs of hypersensitivity", "anaphylaxis"}
			plan.Frequency = "before and after every dose"
			plan.Notes = "Withhold until the allergy record has been reviewed."
		case s.curatedMonitoring(f, &plan):
		case f.Type == models.TypeDrugDisease:
			plan.Parameters = []string{f.Condition + " status", "adverse effects"}
			plan.Frequency = genericFrequency(f.Severity)
			plan.Duration = "while the drug is continued"
		default:
			plan.Parameters = []string{"clinical response", "adverse effects"}
			plan.Frequency = genericFrequency(f.Severity)
			plan.Duration = "for the duration of combined therapy"
		}
		out = append(out, plan)
	}
	return out
}

func (s *Service) curatedMonitoring(f models.DrugInteraction, plan *models.MonitoringPlan) bool {
	if !f.IsPairwise() {
		return false
	}
	for _, rec := range s.catalog.Pair(f.Drugs[0], f.Drugs[1]) {
		if rec.Monitoring == nil || len(rec.Monitoring.Parameters) == 0 {
			continue
		}
		plan.Parameters = append([]string(nil), rec.Monitoring.Parameters...)
		plan.Frequency = rec.Monitoring.Frequency
		plan.Duration = rec.Monitoring.Duration
		return true
	}
	return false
}

func genericFrequency(s models.Severity) string {
	if s == models.SeveritySevere {
		return "daily"
	}
	return "weekly"
}
