package predictive

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
)

const (
	FeatureEnzymeInhibition = "enzyme_inhibition"
	FeatureEnzymeOverlap    = "enzyme_overlap"
	FeatureSharedEffects    = "shared_effects"
	FeatureNarrowTI         = "narrow_ti"
	FeatureProteinBinding   = "protein_binding"
	FeatureAdverseEvents    = "adverse_events"
	FeaturePolypharmacy     = "polypharmacy"
	FeaturePatientRisk      = "patient_risk"
	FeatureHistory          = "history"
)

// FeatureNames fixes the column order every model version is trained on.
var FeatureNames = []string{
	FeatureEnzymeInhibition,
	FeatureEnzymeOverlap,
	FeatureSharedEffects,
	FeatureNarrowTI,
	FeatureProteinBinding,
	FeatureAdverseEvents,
	FeaturePolypharmacy,
	FeaturePatientRisk,
	FeatureHistory,
}

// adverseEventSaturation is the report count treated as maximal signal.
const adverseEventSaturation = 200

// Input is everything the layer may look at for one patient.
type Input struct {
	Drugs   []models.Drug
	Facts   *models.PatientFacts
	Known   []models.DrugInteraction
	History []models.DrugInteraction
}

// FeatureVector holds named feature values plus facts for explanations.
type FeatureVector struct {
	Values       map[string]float64
	Completeness float64
	Inhibitions  []string
	SharedEnzyme []string
	SharedEffect []string
}

// Slice returns the values in FeatureNames order.
func (f FeatureVector) Slice() []float64 {
	out := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		out[i] = f.Values[name]
	}
	return out
}

// FeatureExtractor turns a drug pair in context into model features.
type FeatureExtractor interface {
	Extract(ctx context.Context, a, b models.Drug, in Input) (FeatureVector, error)
}

// MechanismExtractor derives features from drug attributes, adverse event
// counts and the patient.
type MechanismExtractor struct {
	adverse knowledge.AdverseEventSource
}

func NewMechanismExtractor(adverse knowledge.AdverseEventSource) *MechanismExtractor {
	return &MechanismExtractor{adverse: adverse}
}

func (e *MechanismExtractor) Extract(ctx context.Context, a, b models.Drug, in Input) (FeatureVector, error) {
	fv := FeatureVector{Values: make(map[string]float64, len(FeatureNames))}

	fv.Inhibitions = append(inhibitions(a, b), inhibitions(b, a)...)
	switch {
	case len(fv.Inhibitions) > 0:
		fv.Values[FeatureEnzymeInhibition] = 1
	case len(inductions(a, b))+len(inductions(b, a)) > 0:
		fv.Values[FeatureEnzymeInhibition] = 0.5
	}

	fv.SharedEnzyme = intersect(a.MetabolicEnzymes, b.MetabolicEnzymes)
	if len(a.MetabolicEnzymes) > 0 && len(b.MetabolicEnzymes) > 0 {
		smaller := math.Min(float64(len(a.MetabolicEnzymes)), float64(len(b.MetabolicEnzymes)))
		fv.Values[FeatureEnzymeOverlap] = float64(len(fv.SharedEnzyme)) / smaller
	}

	fv.SharedEffect = intersect(a.Effects, b.Effects)
	fv.Values[FeatureSharedEffects] = math.Min(1, float64(len(fv.SharedEffect))/3)

	if a.NarrowTherapeuticIndex || b.NarrowTherapeuticIndex {
		fv.Values[FeatureNarrowTI] = 1
	}
	fv.Values[FeatureProteinBinding] = a.ProteinBinding * b.ProteinBinding

	if e.adverse != nil {
		count, err := e.adverse.AdverseEventCount(ctx, a.ID, b.ID)
		if err != nil {
			return FeatureVector{}, err
		}
		fv.Values[FeatureAdverseEvents] = math.Min(1, math.Log1p(float64(count))/math.Log1p(adverseEventSaturation))
	}

	if n := len(in.Drugs); n > 2 {
		fv.Values[FeaturePolypharmacy] = math.Min(1, float64(n-2)/8)
	}
	fv.Values[FeaturePatientRisk] = patientRisk(in.Facts)
	if flaggedBefore(in.History, a.ID, b.ID) {
		fv.Values[FeatureHistory] = 1
	}

	fv.Completeness = (completeness(a) + completeness(b)) / 2
	return fv, nil
}

// inhibitions lists "X inhibits ENZ (metabolises Y)" facts for a acting on b.
func inhibitions(a, b models.Drug) []string {
	var out []string
	for _, enz := range intersect(a.Inhibits, b.MetabolicEnzymes) {
		out = append(out, a.Name+" inhibits "+enz+", which metabolises "+b.Name)
	}
	return out
}

func inductions(a, b models.Drug) []string {
	var out []string
	for _, enz := range intersect(a.Induces, b.MetabolicEnzymes) {
		out = append(out, a.Name+" induces "+enz+", which metabolises "+b.Name)
	}
	return out
}

func patientRisk(f *models.PatientFacts) float64 {
	if f == nil {
		return 0
	}
	risk := 0.0
	if f.Age >= 65 {
		risk += 0.4
	}
	if gfr := f.EffectiveGFR(); gfr > 0 && gfr < 60 {
		risk += 0.3
	}
	switch strings.ToLower(f.HepaticFunction) {
	case models.HepaticModerate, models.HepaticSevere:
		risk += 0.3
	}
	return math.Min(1, risk)
}

func flaggedBefore(history []models.DrugInteraction, a, b string) bool {
	for _, h := range history {
		if len(h.Drugs) < 2 {
			continue
		}
		hasA, hasB := false, false
		for _, id := range h.Drugs {
			hasA = hasA || id == a
			hasB = hasB || id == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// completeness is the share of pharmacology attributes the catalog knows
// for a drug.
func completeness(d models.Drug) float64 {
	known := 0.0
	if d.ClassCode != "" {
		known++
	}
	if d.HalfLifeHours > 0 {
		known++
	}
	if d.ProteinBinding > 0 {
		known++
	}
	if len(d.MetabolicEnzymes) > 0 || len(d.Effects) > 0 {
		known++
	}
	return known / 4
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[strings.ToUpper(v)] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, v := range b {
		key := strings.ToUpper(v)
		if set[key] && !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
