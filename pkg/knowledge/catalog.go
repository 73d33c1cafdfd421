package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

type Monitoring struct {
	Parameters []string `yaml:"parameters" json:"parameters"`
	Frequency  string   `yaml:"frequency" json:"frequency"`
	Duration   string   `yaml:"duration" json:"duration,omitempty"`
}

// InteractionRecord is a curated pairwise rule.
type InteractionRecord struct {
	DrugA           string                   `yaml:"drug_a" json:"drug_a"`
	DrugB           string                   `yaml:"drug_b" json:"drug_b"`
	Severity        models.Severity          `yaml:"severity" json:"severity"`
	Confidence      float64                  `yaml:"confidence" json:"confidence"`
	Category        models.MechanismCategory `yaml:"category" json:"category"`
	Mechanism       string                   `yaml:"mechanism" json:"mechanism"`
	Evidence        []models.Evidence        `yaml:"evidence" json:"evidence"`
	Recommendations []string                 `yaml:"recommendations" json:"recommendations"`
	RiskConditions  []string                 `yaml:"risk_conditions" json:"risk_conditions,omitempty"`
	Monitoring      *Monitoring              `yaml:"monitoring" json:"monitoring,omitempty"`
}

// Slot is one position of a multi-drug pattern. A drug fills the slot when
// its id is listed or its class code starts with one of the prefixes.
type Slot struct {
	Label         string   `yaml:"label" json:"label"`
	DrugIDs       []string `yaml:"drug_ids" json:"drug_ids,omitempty"`
	ClassPrefixes []string `yaml:"class_prefixes" json:"class_prefixes,omitempty"`
}

func (s Slot) Accepts(d models.Drug) bool {
	for _, id := range s.DrugIDs {
		if strings.EqualFold(id, d.ID) {
			return true
		}
	}
	for _, p := range s.ClassPrefixes {
		if d.HasClassPrefix(p) {
			return true
		}
	}
	return false
}

// PatternRecord is a curated rule spanning three or more drugs.
type PatternRecord struct {
	ID              string                   `yaml:"id" json:"id"`
	Name            string                   `yaml:"name" json:"name"`
	Severity        models.Severity          `yaml:"severity" json:"severity"`
	Confidence      float64                  `yaml:"confidence" json:"confidence"`
	Category        models.MechanismCategory `yaml:"category" json:"category"`
	Mechanism       string                   `yaml:"mechanism" json:"mechanism"`
	Slots           []Slot                   `yaml:"slots" json:"slots"`
	Evidence        []models.Evidence        `yaml:"evidence" json:"evidence"`
	Recommendations []string                 `yaml:"recommendations" json:"recommendations"`
}

// DiseaseRecord flags a drug, drug class or drug effect as risky for a
// condition.
type DiseaseRecord struct {
	ID              string                   `yaml:"id" json:"id"`
	Condition       string                   `yaml:"condition" json:"condition"`
	Aliases         []string                 `yaml:"aliases" json:"aliases,omitempty"`
	DrugIDs         []string                 `yaml:"drug_ids" json:"drug_ids,omitempty"`
	ClassPrefixes   []string                 `yaml:"class_prefixes" json:"class_prefixes,omitempty"`
	Effects         []string                 `yaml:"effects" json:"effects,omitempty"`
	Severity        models.Severity          `yaml:"severity" json:"severity"`
	Confidence      float64                  `yaml:"confidence" json:"confidence"`
	Category        models.MechanismCategory `yaml:"category" json:"category"`
	Mechanism       string                   `yaml:"mechanism" json:"mechanism"`
	Evidence        []models.Evidence        `yaml:"evidence" json:"evidence"`
	Recommendations []string                 `yaml:"recommendations" json:"recommendations"`
}

// Matches reports whether the record applies to a condition label.
func (r DiseaseRecord) Matches(condition string) bool {
	c := strings.ToLower(strings.TrimSpace(condition))
	if c == "" {
		return false
	}
	if c == strings.ToLower(r.Condition) {
		return true
	}
	for _, a := range r.Aliases {
		if c == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// Covers reports whether the record applies to the drug.
func (r DiseaseRecord) Covers(d models.Drug) bool {
	for _, id := range r.DrugIDs {
		if strings.EqualFold(id, d.ID) {
			return true
		}
	}
	for _, p := range r.ClassPrefixes {
		if d.HasClassPrefix(p) {
			return true
		}
	}
	for _, e := range r.Effects {
		for _, de := range d.Effects {
			if strings.EqualFold(e, de) {
				return true
			}
		}
	}
	return false
}

// Catalog is the curated drug knowledge base.
type Catalog struct {
	Version       string              `yaml:"version" json:"version"`
	Drugs         []models.Drug       `yaml:"drugs" json:"drugs"`
	Interactions  []InteractionRecord `yaml:"interactions" json:"interactions"`
	Patterns      []PatternRecord     `yaml:"patterns" json:"patterns"`
	Diseases      []DiseaseRecord     `yaml:"diseases" json:"diseases"`
	AdverseEvents map[string]int      `yaml:"adverse_events" json:"adverse_events"`
	Alternatives  map[string][]string `yaml:"alternatives" json:"alternatives"`

	once   sync.Once
	byID   map[string]models.Drug
	byName map[string]string
	pairs  map[string][]InteractionRecord
}

// Load reads a catalog from disk. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read knowledge base %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes and validates catalog YAML.
func Parse(content []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	if len(cat.Drugs) == 0 {
		return nil, fmt.Errorf("knowledge base has no drugs")
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	cat.index()
	return &cat, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// data is invalid, which the package tests guard against.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		cat, err := Parse(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded knowledge base: %v", err))
		}
		defaultCatalog = cat
	})
	return defaultCatalog
}

func (c *Catalog) validate() error {
	ids := make(map[string]bool, len(c.Drugs))
	for _, d := range c.Drugs {
		if d.ID == "" || d.Name == "" {
			return fmt.Errorf("drug entry missing id or name")
		}
		if ids[d.ID] {
			return fmt.Errorf("duplicate drug id %q", d.ID)
		}
		ids[d.ID] = true
	}
	for _, d := range c.Drugs {
		for _, comp := range d.Components {
			if !ids[comp] {
				return fmt.Errorf("combination %q references unknown component %q", d.ID, comp)
			}
		}
	}
	for _, r := range c.Interactions {
		if !ids[r.DrugA] || !ids[r.DrugB] {
			return fmt.Errorf("interaction %s references unknown drug", models.PairKey(r.DrugA, r.DrugB))
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("interaction %s confidence out of range", models.PairKey(r.DrugA, r.DrugB))
		}
	}
	for _, p := range c.Patterns {
		if len(p.Slots) < 3 {
			return fmt.Errorf("pattern %q needs at least three slots", p.ID)
		}
	}
	return nil
}

func (c *Catalog) index() {
	c.once.Do(func() {
		c.byID = make(map[string]models.Drug, len(c.Drugs))
		c.byName = make(map[string]string, len(c.Drugs)*3)
		for _, d := range c.Drugs {
			c.byID[d.ID] = d
		}
		// Canonical names win over brand names and synonyms.
		for _, d := range c.Drugs {
			c.byName[strings.ToLower(d.ID)] = d.ID
			c.byName[strings.ToLower(d.Name)] = d.ID
		}
		for _, d := range c.Drugs {
			for _, n := range d.Names() {
				if _, taken := c.byName[n]; !taken {
					c.byName[n] = d.ID
				}
			}
		}
		c.pairs = make(map[string][]InteractionRecord, len(c.Interactions))
		for _, r := range c.Interactions {
			key := models.PairKey(r.DrugA, r.DrugB)
			c.pairs[key] = append(c.pairs[key], r)
		}
	})
}

// Drug returns the concept with the given id.
func (c *Catalog) Drug(id string) (models.Drug, bool) {
	c.index()
	d, ok := c.byID[id]
	return d, ok
}

// LookupName finds a drug by any of its lowercase labels.
func (c *Catalog) LookupName(name string) (models.Drug, bool) {
	c.index()
	id, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return models.Drug{}, false
	}
	return c.byID[id], true
}

// Names lists every label with the id it resolves to, sorted by label.
func (c *Catalog) Names() []NameEntry {
	c.index()
	out := make([]NameEntry, 0, len(c.byName))
	for name, id := range c.byName {
		out = append(out, NameEntry{Label: name, DrugID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

type NameEntry struct {
	Label  string
	DrugID string
}

// Pair returns the curated rules for an unordered pair of drug ids.
func (c *Catalog) Pair(a, b string) []InteractionRecord {
	c.index()
	return c.pairs[models.PairKey(a, b)]
}

// HasPair reports whether any curated rule covers the pair.
func (c *Catalog) HasPair(a, b string) bool {
	return len(c.Pair(a, b)) > 0
}

// AlternativesFor returns curated substitutes for a drug id.
func (c *Catalog) AlternativesFor(id string) []models.Drug {
	c.index()
	var out []models.Drug
	for _, alt := range c.Alternatives[id] {
		if d, ok := c.byID[alt]; ok {
			out = append(out, d)
		}
	}
	return out
}

// AdverseEventCount returns reported co-occurrence counts for a pair.
func (c *Catalog) AdverseEventCount(a, b string) int {
	return c.AdverseEventsFor(models.PairKey(a, b))
}

func (c *Catalog) AdverseEventsFor(key string) int {
	if c.AdverseEvents == nil {
		return 0
	}
	return c.AdverseEvents[key]
}
