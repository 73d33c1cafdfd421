package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/cache"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
)

const (
	AllergyConfidence = 0.99
	anonymousPatient  = "anonymous"
)

type Options struct {
	Personalize bool
	MinSeverity models.Severity
}

// Result is the rule engine's answer for one medication list.
type Result struct {
	Interactions []models.DrugInteraction `json:"interactions"`
	CacheHit     bool                     `json:"cache_hit"`
	Sources      []string                 `json:"sources"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

type Engine struct {
	sources []knowledge.Source
	cache   cache.Cache[Result]
	timeout time.Duration
}

// NewEngine builds an engine over the given knowledge sources. Each source
// call is bounded by timeout; a zero timeout disables the bound.
func NewEngine(sources []knowledge.Source, c cache.Cache[Result], timeout time.Duration) *Engine {
	if c == nil {
		c = cache.NewMemory[Result](5000, 10*time.Minute)
	}
	return &Engine{sources: sources, cache: c, timeout: timeout}
}

// Check evaluates every pair, multi-drug pattern, comorbidity and allergy
// for the drug list. Findings below MinSeverity are dropped after caching so
// one cached entry serves every threshold.
func (e *Engine) Check(ctx context.Context, drugs []models.Drug, facts *models.PatientFacts, opts Options) (Result, error) {
	if err := facts.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	key := cacheKey(drugs, facts, opts.Personalize)
	if cached, ok := e.cache.Get(ctx, key); ok {
		res := Result{
			Interactions: filterSeverity(models.CloneInteractions(cached.Interactions), opts.MinSeverity),
			CacheHit:     true,
			Sources:      append([]string(nil), cached.Sources...),
		}
		return res, nil
	}

	run := &evaluation{engine: e, failed: make(map[string]bool)}
	var findings []models.DrugInteraction
	findings = append(findings, allergyFindings(drugs, facts)...)
	findings = append(findings, run.pairFindings(ctx, drugs)...)
	findings = append(findings, run.patternFindings(ctx, drugs)...)
	findings = append(findings, run.diseaseFindings(ctx, drugs, facts)...)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	for i := range findings {
		f := &findings[i]
		if opts.Personalize && f.Type != models.TypeDrugAllergy {
			involved := pick(drugs, f.Drugs)
			*f = Personalize(*f, PatientFactors(facts, involved, run.riskConditions[f.ID]))
		}
		f.Breakdown = ruleBreakdown(*f)
	}
	sortFindings(findings)

	res := Result{
		Interactions: findings,
		Sources:      run.consulted(),
		Warnings:     run.warnings,
	}
	// An incomplete answer must not outlive the outage that caused it.
	if len(run.warnings) == 0 {
		e.cache.Set(ctx, key, Result{Interactions: models.CloneInteractions(findings), Sources: res.Sources})
	}
	res.Interactions = filterSeverity(res.Interactions, opts.MinSeverity)
	return res, nil
}

// evaluation holds per-call bookkeeping: which sources answered, which
// failed and the warnings to surface.
type evaluation struct {
	engine         *Engine
	failed         map[string]bool
	answered       []string
	warnings       []string
	riskConditions map[string][]string
}

func (r *evaluation) consulted() []string {
	out := append([]string(nil), r.answered...)
	sort.Strings(out)
	return out
}

func (r *evaluation) markAnswered(name string) {
	for _, n := range r.answered {
		if n == name {
			return
		}
	}
	r.answered = append(r.answered, name)
}

// ask runs one source call within the timeout. A source that fails once is
// skipped for the rest of the evaluation.
func ask[T any](ctx context.Context, r *evaluation, src knowledge.Source, what string, fn func(context.Context) (T, error)) (T, bool) {
	var zero T
	if r.failed[src.Name()] {
		return zero, false
	}
	v, err := knowledge.Query(ctx, r.engine.timeout, fn)
	if err != nil {
		r.failed[src.Name()] = true
		msg := fmt.Sprintf("knowledge source %s unavailable during %s lookup: %v", src.Name(), what, err)
		r.warnings = append(r.warnings, msg)
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"source": src.Name(),
			"lookup": what,
		}).Warn("knowledge source degraded")
		return zero, false
	}
	r.markAnswered(src.Name())
	return v, true
}

func (r *evaluation) pairFindings(ctx context.Context, drugs []models.Drug) []models.DrugInteraction {
	var out []models.DrugInteraction
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			a, b := drugs[i], drugs[j]
			if a.ID == b.ID {
				continue
			}
			var best *models.DrugInteraction
			var evidence []models.Evidence
			var conditions []string
			for _, src := range r.engine.sources {
				recs, ok := ask(ctx, r, src, "pair", func(ctx context.Context) ([]knowledge.InteractionRecord, error) {
					return src.PairInteractions(ctx, a, b)
				})
				if !ok {
					continue
				}
				for _, rec := range recs {
					f := pairFinding(src.Name(), a, b, rec)
					evidence = append(evidence, f.Evidence...)
					conditions = append(conditions, rec.RiskConditions...)
					if best == nil || f.Severity > best.Severity || (f.Severity == best.Severity && f.Confidence > best.Confidence) {
						best = &f
					}
				}
			}
			if best == nil {
				continue
			}
			best.Evidence = dedupeEvidence(evidence)
			r.addRiskConditions(best.ID, conditions)
			out = append(out, *best)
		}
	}
	return out
}

func (r *evaluation) addRiskConditions(id string, conditions []string) {
	if len(conditions) == 0 {
		return
	}
	if r.riskConditions == nil {
		r.riskConditions = make(map[string][]string)
	}
	r.riskConditions[id] = append(r.riskConditions[id], conditions...)
}

func pairFinding(source string, a, b models.Drug, rec knowledge.InteractionRecord) models.DrugInteraction {
	return models.DrugInteraction{
		ID:                models.InteractionID("ddi", a.ID, b.ID),
		Drugs:             []string{a.ID, b.ID},
		DrugNames:         []string{a.Name, b.Name},
		Severity:          rec.Severity,
		Confidence:        models.ClampUnit(rec.Confidence),
		Mechanism:         rec.Mechanism,
		Type:              models.TypeDrugDrug,
		MechanismCategory: categoryOrUnknown(rec.Category),
		Evidence:          withFallbackEvidence(rec.Evidence, source, rec.Confidence),
		Recommendations:   append([]string(nil), rec.Recommendations...),
		OverrideAllowed:   true,
		Source:            models.SourceRuleEngine,
	}
}

func (r *evaluation) patternFindings(ctx context.Context, drugs []models.Drug) []models.DrugInteraction {
	if len(drugs) < 3 {
		return nil
	}
	var out []models.DrugInteraction
	seen := make(map[string]bool)
	for _, src := range r.engine.sources {
		patterns, ok := ask(ctx, r, src, "pattern", func(ctx context.Context) ([]knowledge.PatternRecord, error) {
			return src.MultiDrugPatterns(ctx)
		})
		if !ok {
			continue
		}
		for _, p := range patterns {
			matched, ok := matchSlots(p.Slots, drugs)
			if !ok {
				continue
			}
			ids := make([]string, 0, len(matched))
			names := make([]string, 0, len(matched))
			for _, d := range matched {
				ids = append(ids, d.ID)
				names = append(names, d.Name)
			}
			id := models.InteractionID("pattern-"+p.ID, ids...)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, models.DrugInteraction{
				ID:                id,
				Drugs:             ids,
				DrugNames:         names,
				Severity:          p.Severity,
				Confidence:        models.ClampUnit(p.Confidence),
				Mechanism:         p.Mechanism,
				Type:              models.TypePolypharmacy,
				MechanismCategory: categoryOrUnknown(p.Category),
				Evidence:          withFallbackEvidence(p.Evidence, src.Name(), p.Confidence),
				Recommendations:   append([]string(nil), p.Recommendations...),
				OverrideAllowed:   true,
				Source:            models.SourceRuleEngine,
			})
		}
	}
	return out
}

// matchSlots assigns a distinct drug to every slot, or reports that the
// pattern does not apply.
func matchSlots(slots []knowledge.Slot, drugs []models.Drug) ([]models.Drug, bool) {
	if len(slots) == 0 || len(slots) > len(drugs) {
		return nil, false
	}
	used := make([]bool, len(drugs))
	assigned := make([]models.Drug, len(slots))
	var fill func(i int) bool
	fill = func(i int) bool {
		if i == len(slots) {
			return true
		}
		for j, d := range drugs {
			if used[j] || !slots[i].Accepts(d) {
				continue
			}
			used[j] = true
			assigned[i] = d
			if fill(i + 1) {
				return true
			}
			used[j] = false
		}
		return false
	}
	if !fill(0) {
		return nil, false
	}
	return assigned, true
}

func (r *evaluation) diseaseFindings(ctx context.Context, drugs []models.Drug, facts *models.PatientFacts) []models.DrugInteraction {
	if facts == nil || len(facts.Comorbidities) == 0 {
		return nil
	}
	var out []models.DrugInteraction
	seen := make(map[string]bool)
	for _, condition := range facts.Comorbidities {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}
		for _, d := range drugs {
			for _, src := range r.engine.sources {
				recs, ok := ask(ctx, r, src, "disease", func(ctx context.Context) ([]knowledge.DiseaseRecord, error) {
					return src.DiseaseInteractions(ctx, condition, d)
				})
				if !ok {
					continue
				}
				for _, rec := range recs {
					id := models.InteractionID("disease", d.ID, slug(rec.Condition))
					if seen[id] {
						continue
					}
					seen[id] = true
					out = append(out, models.DrugInteraction{
						ID:                id,
						Drugs:             []string{d.ID},
						DrugNames:         []string{d.Name},
						Severity:          rec.Severity,
						Confidence:        models.ClampUnit(rec.Confidence),
						Mechanism:         rec.Mechanism,
						Type:              models.TypeDrugDisease,
						MechanismCategory: categoryOrUnknown(rec.Category),
						Evidence:          withFallbackEvidence(rec.Evidence, src.Name(), rec.Confidence),
						Recommendations:   append([]string(nil), rec.Recommendations...),
						Condition:         rec.Condition,
						OverrideAllowed:   true,
						Source:            models.SourceRuleEngine,
					})
				}
			}
		}
	}
	return out
}

// allergyFindings flags every drug that matches a declared allergy by name or
// allergy group. These findings are always severe and cannot be overridden.
func allergyFindings(drugs []models.Drug, facts *models.PatientFacts) []models.DrugInteraction {
	if facts == nil || len(facts.Allergies) == 0 {
		return nil
	}
	var out []models.DrugInteraction
	for _, d := range drugs {
		for _, allergy := range facts.Allergies {
			allergen := strings.ToLower(strings.TrimSpace(allergy))
			match, how := allergyMatch(d, allergen)
			if !match {
				continue
			}
			out = append(out, models.DrugInteraction{
				ID:                models.InteractionID("allergy", d.ID, slug(allergen)),
				Drugs:             []string{d.ID},
				DrugNames:         []string{d.Name},
				Severity:          models.SeveritySevere,
				Confidence:        AllergyConfidence,
				Mechanism:         fmt.Sprintf("Patient has a documented %s allergy; %s %s.", allergen, d.Name, how),
				Type:              models.TypeDrugAllergy,
				MechanismCategory: models.MechanismUnknown,
				Evidence: []models.Evidence{{
					Source:      "patient-allergy-record",
					Reliability: 1.0,
					Reference:   allergen,
				}},
				Recommendations: []string{
					fmt.Sprintf("Do not administer %s.", d.Name),
					fmt.Sprintf("Select an agent outside the %s allergy group.", allergen),
				},
				Allergen:        allergen,
				OverrideAllowed: false,
				Source:          models.SourceRuleEngine,
			})
			break
		}
	}
	return out
}

func allergyMatch(d models.Drug, allergen string) (bool, string) {
	if allergen == "" {
		return false, ""
	}
	for _, group := range d.AllergyGroups {
		if strings.EqualFold(group, allergen) {
			return true, "belongs to the " + group + " group"
		}
	}
	for _, name := range d.Names() {
		if name == allergen {
			return true, "is the documented allergen"
		}
	}
	return false, ""
}

// ruleBreakdown splits a rule finding's confidence into the curated evidence
// and the lift from personalization.
func ruleBreakdown(f models.DrugInteraction) *models.ConfidenceBreakdown {
	base := f.Confidence
	if f.Adjustment != nil {
		base = f.Adjustment.OriginalConfidence
	}
	if base > f.Confidence {
		base = f.Confidence
	}
	return &models.ConfidenceBreakdown{
		RuleEvidence:    base,
		Personalization: f.Confidence - base,
		Overall:         f.Confidence,
	}
}

func withFallbackEvidence(evidence []models.Evidence, source string, reliability float64) []models.Evidence {
	if len(evidence) > 0 {
		return append([]models.Evidence(nil), evidence...)
	}
	return []models.Evidence{{Source: source, Reliability: models.ClampUnit(reliability)}}
}

func dedupeEvidence(in []models.Evidence) []models.Evidence {
	seen := make(map[string]bool, len(in))
	out := make([]models.Evidence, 0, len(in))
	for _, e := range in {
		key := e.Source + "|" + e.Reference
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func categoryOrUnknown(c models.MechanismCategory) models.MechanismCategory {
	if c == "" {
		return models.MechanismUnknown
	}
	return c
}

func filterSeverity(in []models.DrugInteraction, threshold models.Severity) []models.DrugInteraction {
	if threshold <= models.SeverityNone {
		return in
	}
	out := in[:0]
	for _, f := range in {
		if f.Severity.AtLeast(threshold) {
			out = append(out, f)
		}
	}
	return out
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

func pick(drugs []models.Drug, ids []string) []models.Drug {
	out := make([]models.Drug, 0, len(ids))
	for _, id := range ids {
		for _, d := range drugs {
			if d.ID == id {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func cacheKey(drugs []models.Drug, facts *models.PatientFacts, personalize bool) string {
	ids := make([]string, 0, len(drugs))
	for _, d := range drugs {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	patient := anonymousPatient
	if facts != nil && facts.PatientID != "" {
		patient = facts.PatientID
	}
	return strings.Join([]string{
		strings.Join(ids, ","),
		patient,
		facts.Digest(),
		strconv.FormatBool(personalize),
	}, "|")
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
