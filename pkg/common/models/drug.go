package models

import "strings"

// Drug is a canonical drug concept. It is created by the normalizer and shared
// read-only by every downstream stage.
type Drug struct {
	ID                     string   `json:"id" yaml:"id"`
	Name                   string   `json:"name" yaml:"name"`
	GenericName            string   `json:"generic_name,omitempty" yaml:"generic_name"`
	BrandNames             []string `json:"brand_names,omitempty" yaml:"brand_names"`
	Synonyms               []string `json:"synonyms,omitempty" yaml:"synonyms"`
	ClassCode              string   `json:"class_code,omitempty" yaml:"class_code"`
	Route                  string   `json:"route,omitempty" yaml:"route"`
	Strength               string   `json:"strength,omitempty" yaml:"strength"`
	HalfLifeHours          float64  `json:"half_life_hours,omitempty" yaml:"half_life_hours"`
	ProteinBinding         float64  `json:"protein_binding,omitempty" yaml:"protein_binding"`
	MetabolicEnzymes       []string `json:"metabolic_enzymes,omitempty" yaml:"metabolic_enzymes"`
	Inhibits               []string `json:"inhibits,omitempty" yaml:"inhibits"`
	Induces                []string `json:"induces,omitempty" yaml:"induces"`
	Effects                []string `json:"effects,omitempty" yaml:"effects"`
	AllergyGroups          []string `json:"allergy_groups,omitempty" yaml:"allergy_groups"`
	PregnancyCategory      string   `json:"pregnancy_category,omitempty" yaml:"pregnancy_category"`
	NarrowTherapeuticIndex bool     `json:"narrow_therapeutic_index,omitempty" yaml:"narrow_therapeutic_index"`
	RenalElimination       bool     `json:"renal_elimination,omitempty" yaml:"renal_elimination"`
	IsCombination          bool     `json:"is_combination,omitempty" yaml:"is_combination"`
	Components             []string `json:"components,omitempty" yaml:"components"`
}

// HasClassPrefix reports whether the drug's class code starts with prefix.
func (d Drug) HasClassPrefix(prefix string) bool {
	if prefix == "" || d.ClassCode == "" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(d.ClassCode), strings.ToUpper(prefix))
}

// Names returns every lowercase label the drug is known by.
func (d Drug) Names() []string {
	names := []string{strings.ToLower(d.ID), strings.ToLower(d.Name)}
	if d.GenericName != "" {
		names = append(names, strings.ToLower(d.GenericName))
	}
	for _, b := range d.BrandNames {
		names = append(names, strings.ToLower(b))
	}
	for _, s := range d.Synonyms {
		names = append(names, strings.ToLower(s))
	}
	return names
}

// DrugInput is a free-text or partially structured drug reference as supplied
// by callers. It accepts either a JSON string or an object.
type DrugInput struct {
	Name      string `json:"name" yaml:"name"`
	Strength  string `json:"strength,omitempty" yaml:"strength"`
	Route     string `json:"route,omitempty" yaml:"route"`
	Frequency string `json:"frequency,omitempty" yaml:"frequency"`
}

// NormalizedDrug is a resolution artifact pairing the input text with the
// canonical drug it resolved to.
type NormalizedDrug struct {
	Drug        Drug    `json:"drug"`
	Input       string  `json:"input"`
	Method      string  `json:"method"`
	Confidence  float64 `json:"confidence"`
	ComponentOf string  `json:"component_of,omitempty"`
	Frequency   string  `json:"frequency,omitempty"`
}

// FuzzyMatch is a candidate produced by approximate matching.
type FuzzyMatch struct {
	DrugID     string  `json:"drug_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
	Method     string  `json:"method"`
}
