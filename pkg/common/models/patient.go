package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedFacts marks patient facts that cannot be interpreted.
var ErrMalformedFacts = errors.New("malformed patient facts")

const (
	HepaticNormal   = "normal"
	HepaticMild     = "mild"
	HepaticModerate = "moderate"
	HepaticSevere   = "severe"
)

type RenalFunction struct {
	EGFR                float64 `json:"egfr,omitempty" yaml:"egfr"`
	CreatinineClearance float64 `json:"creatinine_clearance,omitempty" yaml:"creatinine_clearance"`
}

// PatientFacts is supplied per request and never persisted by the pipeline.
type PatientFacts struct {
	PatientID       string             `json:"patient_id,omitempty" yaml:"patient_id"`
	Age             float64            `json:"age,omitempty" yaml:"age"`
	Sex             string             `json:"sex,omitempty" yaml:"sex"`
	WeightKg        float64            `json:"weight_kg,omitempty" yaml:"weight_kg"`
	Pregnant        bool               `json:"pregnant,omitempty" yaml:"pregnant"`
	Allergies       []string           `json:"allergies,omitempty" yaml:"allergies"`
	Comorbidities   []string           `json:"comorbidities,omitempty" yaml:"comorbidities"`
	Labs            map[string]float64 `json:"labs,omitempty" yaml:"labs"`
	RenalFunction   *RenalFunction     `json:"renal_function,omitempty" yaml:"renal_function"`
	HepaticFunction string             `json:"hepatic_function,omitempty" yaml:"hepatic_function"`
	GeneticMarkers  map[string]string  `json:"genetic_markers,omitempty" yaml:"genetic_markers"`
}

// Validate rejects facts no clinician could have recorded.
func (p *PatientFacts) Validate() error {
	if p == nil {
		return nil
	}
	if p.Age < 0 || p.Age > 130 {
		return fmt.Errorf("age %.1f out of range: %w", p.Age, ErrMalformedFacts)
	}
	if p.WeightKg < 0 || p.WeightKg > 700 {
		return fmt.Errorf("weight %.1f out of range: %w", p.WeightKg, ErrMalformedFacts)
	}
	if p.RenalFunction != nil {
		if p.RenalFunction.EGFR < 0 || p.RenalFunction.CreatinineClearance < 0 {
			return fmt.Errorf("negative renal function value: %w", ErrMalformedFacts)
		}
	}
	switch strings.ToLower(strings.TrimSpace(p.HepaticFunction)) {
	case "", HepaticNormal, HepaticMild, HepaticModerate, HepaticSevere:
	default:
		return fmt.Errorf("hepatic function %q unknown: %w", p.HepaticFunction, ErrMalformedFacts)
	}
	if p.Pregnant && strings.EqualFold(p.Sex, "male") {
		return fmt.Errorf("pregnancy recorded for male patient: %w", ErrMalformedFacts)
	}
	for _, a := range p.Allergies {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("empty allergy entry: %w", ErrMalformedFacts)
		}
	}
	return nil
}

// EffectiveGFR prefers eGFR and falls back to creatinine clearance. Zero
// means unknown.
func (p *PatientFacts) EffectiveGFR() float64 {
	if p == nil || p.RenalFunction == nil {
		return 0
	}
	if p.RenalFunction.EGFR > 0 {
		return p.RenalFunction.EGFR
	}
	return p.RenalFunction.CreatinineClearance
}

// HasComorbidity matches case-insensitively on the condition text.
func (p *PatientFacts) HasComorbidity(names ...string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Comorbidities {
		cond := strings.ToLower(strings.TrimSpace(c))
		for _, n := range names {
			if cond == strings.ToLower(n) {
				return true
			}
		}
	}
	return false
}

// Digest fingerprints the facts so cached results are invalidated when a
// patient's record changes.
func (p *PatientFacts) Digest() string {
	if p == nil {
		return "none"
	}
	clone := *p
	clone.Allergies = sortedLower(p.Allergies)
	clone.Comorbidities = sortedLower(p.Comorbidities)
	payload, err := json.Marshal(clone)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func sortedLower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	sort.Strings(out)
	return out
}
