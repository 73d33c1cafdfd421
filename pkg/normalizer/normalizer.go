package normalizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/synaptica-ai/interaction-engine/pkg/common/cache"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
)

const (
	MethodExact         = "exact"
	MethodFuzzy         = "fuzzy"
	MethodSuffix        = "suffix_stripped"
	MethodCombination   = "combination"
	MethodUnrecognized  = "unrecognized"
	DefaultThreshold    = 0.9
	DefaultSuggestions  = 5
	minSuggestionScore  = 0.5
	suffixConfidence    = 0.95
	combinationMinParts = 2
)

type Options struct {
	FuzzyThreshold float64
	MaxSuggestions int
}

func (o Options) withDefaults(threshold float64) Options {
	if o.FuzzyThreshold <= 0 || o.FuzzyThreshold > 1 {
		o.FuzzyThreshold = threshold
	}
	if o.MaxSuggestions <= 0 || o.MaxSuggestions > DefaultSuggestions {
		o.MaxSuggestions = DefaultSuggestions
	}
	return o
}

// Result is the outcome of resolving one piece of free text. A combination
// product or a separator-joined text yields several drugs.
type Result struct {
	Input        string                  `json:"input"`
	Cleaned      string                  `json:"cleaned"`
	Drugs        []models.NormalizedDrug `json:"drugs"`
	Method       string                  `json:"method"`
	Confidence   float64                 `json:"confidence"`
	Unrecognized bool                    `json:"unrecognized"`
	Suggestions  []models.FuzzyMatch     `json:"suggestions,omitempty"`
	CacheHit     bool                    `json:"cache_hit"`
}

func (r Result) clone() Result {
	r.Drugs = append([]models.NormalizedDrug(nil), r.Drugs...)
	r.Suggestions = append([]models.FuzzyMatch(nil), r.Suggestions...)
	return r
}

// Normalizer maps free-text drug references onto catalog concepts.
type Normalizer struct {
	catalog   *knowledge.Catalog
	names     []knowledge.NameEntry
	cache     cache.Cache[Result]
	threshold float64
}

func New(cat *knowledge.Catalog, c cache.Cache[Result], threshold float64) *Normalizer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if c == nil {
		c = cache.NewMemory[Result](10000, 0)
	}
	return &Normalizer{
		catalog:   cat,
		names:     cat.Names(),
		cache:     c,
		threshold: threshold,
	}
}

// Resolve never fails: text that cannot be mapped comes back Unrecognized
// with ranked suggestions.
func (n *Normalizer) Resolve(ctx context.Context, text string, opts Options) Result {
	opts = opts.withDefaults(n.threshold)
	cleaned := clean(text)
	key := fmt.Sprintf("%s|%.3f|%d", cleaned, opts.FuzzyThreshold, opts.MaxSuggestions)

	if cached, ok := n.cache.Get(ctx, key); ok {
		res := cached.clone()
		res.Input = text
		res.CacheHit = true
		for i := range res.Drugs {
			res.Drugs[i].Input = text
		}
		return res
	}

	res := n.resolve(cleaned, opts)
	res.Input = text
	res.Cleaned = cleaned
	for i := range res.Drugs {
		res.Drugs[i].Input = text
	}
	if !res.Unrecognized {
		n.cache.Set(ctx, key, res.clone())
	} else {
		logger.Log.WithFields(map[string]interface{}{
			"input":       text,
			"suggestions": len(res.Suggestions),
		}).Debug("drug text not recognized")
	}
	return res
}

// ResolveInput resolves a structured reference, carrying its strength,
// route and frequency onto every resolved drug.
func (n *Normalizer) ResolveInput(ctx context.Context, in models.DrugInput, opts Options) Result {
	res := n.Resolve(ctx, in.Text(), opts)
	for i := range res.Drugs {
		nd := &res.Drugs[i]
		if s := strings.TrimSpace(in.Strength); s != "" && nd.ComponentOf == "" {
			nd.Drug.Strength = s
		}
		if r := strings.TrimSpace(in.Route); r != "" {
			nd.Drug.Route = strings.ToLower(r)
		}
		nd.Frequency = strings.TrimSpace(in.Frequency)
	}
	return res
}

// Resolution is the outcome of resolving a medication list.
type Resolution struct {
	Drugs        []models.NormalizedDrug
	Unrecognized []models.UnrecognizedDrug
	Duplicates   []string
	CacheHits    int
}

// ResolveAll resolves every input. Drugs reached twice (a brand and its
// generic, or a combination and one of its components) are kept once.
func (n *Normalizer) ResolveAll(ctx context.Context, inputs []models.DrugInput, opts Options) Resolution {
	var out Resolution
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		res := n.ResolveInput(ctx, in, opts)
		if res.CacheHit {
			out.CacheHits++
		}
		if res.Unrecognized {
			names := make([]string, 0, len(res.Suggestions))
			for _, s := range res.Suggestions {
				names = append(names, s.Name)
			}
			out.Unrecognized = append(out.Unrecognized, models.UnrecognizedDrug{Input: in.Text(), Suggestions: names})
			continue
		}
		for _, d := range res.Drugs {
			if seen[d.Drug.ID] {
				out.Duplicates = append(out.Duplicates, d.Drug.ID)
				continue
			}
			seen[d.Drug.ID] = true
			out.Drugs = append(out.Drugs, d)
		}
	}
	return out
}

func (n *Normalizer) resolve(cleaned string, opts Options) Result {
	if cleaned == "" {
		return Result{Method: MethodUnrecognized, Unrecognized: true}
	}
	if res, ok := n.resolveSingle(cleaned, opts); ok {
		return res
	}

	if parts := splitCombination(cleaned); len(parts) >= combinationMinParts {
		var res Result
		res.Method = MethodCombination
		res.Confidence = 1
		for _, part := range parts {
			sub, ok := n.resolveSingle(part, opts)
			if !ok {
				return n.unrecognized(cleaned, opts)
			}
			res.Drugs = append(res.Drugs, sub.Drugs...)
			res.Confidence = minFloat(res.Confidence, sub.Confidence)
		}
		return res
	}
	return n.unrecognized(cleaned, opts)
}

// resolveSingle applies exact, fuzzy and suffix-stripped lookup to text that
// names one product.
func (n *Normalizer) resolveSingle(text string, opts Options) (Result, bool) {
	if d, ok := n.catalog.LookupName(text); ok {
		return n.found(d, MethodExact, 1.0, ""), true
	}

	separated := hasSeparator(text)
	stripped, strength := stripSuffixes(text)
	if !separated && stripped == text {
		if match, ok := n.bestMatch(text); ok && match.Similarity >= opts.FuzzyThreshold {
			d, _ := n.catalog.Drug(match.DrugID)
			return n.found(d, MethodFuzzy, match.Similarity, ""), true
		}
	}

	if stripped != "" && stripped != text {
		if d, ok := n.catalog.LookupName(stripped); ok {
			return n.found(d, MethodSuffix, suffixConfidence, strength), true
		}
		if !hasSeparator(stripped) {
			if match, ok := n.bestMatch(stripped); ok && match.Similarity >= opts.FuzzyThreshold {
				d, _ := n.catalog.Drug(match.DrugID)
				return n.found(d, MethodFuzzy, match.Similarity*suffixConfidence, strength), true
			}
		}
	}
	return Result{}, false
}

func (n *Normalizer) found(d models.Drug, method string, confidence float64, strength string) Result {
	if strength != "" {
		d.Strength = strength
	}
	res := Result{Method: method, Confidence: confidence}
	if !d.IsCombination {
		res.Drugs = []models.NormalizedDrug{{Drug: d, Method: method, Confidence: confidence}}
		return res
	}
	for _, id := range d.Components {
		comp, ok := n.catalog.Drug(id)
		if !ok {
			continue
		}
		res.Drugs = append(res.Drugs, models.NormalizedDrug{
			Drug:        comp,
			Method:      MethodCombination,
			Confidence:  confidence,
			ComponentOf: d.Name,
		})
	}
	return res
}

func (n *Normalizer) unrecognized(cleaned string, opts Options) Result {
	return Result{
		Method:       MethodUnrecognized,
		Unrecognized: true,
		Suggestions:  n.Suggest(cleaned, opts.MaxSuggestions),
	}
}

func (n *Normalizer) bestMatch(text string) (models.FuzzyMatch, bool) {
	matches := n.Suggest(text, 1)
	if len(matches) == 0 {
		return models.FuzzyMatch{}, false
	}
	return matches[0], true
}

// Suggest ranks catalog drugs by similarity to text, one entry per drug.
func (n *Normalizer) Suggest(text string, limit int) []models.FuzzyMatch {
	text = clean(text)
	if text == "" || limit <= 0 {
		return nil
	}
	best := make(map[string]models.FuzzyMatch)
	for _, entry := range n.names {
		score, method := Similarity(text, entry.Label)
		if score < minSuggestionScore {
			continue
		}
		if cur, ok := best[entry.DrugID]; ok && cur.Similarity >= score {
			continue
		}
		d, _ := n.catalog.Drug(entry.DrugID)
		best[entry.DrugID] = models.FuzzyMatch{DrugID: d.ID, Name: d.Name, Similarity: score, Method: method}
	}
	out := make([]models.FuzzyMatch, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].DrugID < out[j].DrugID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	spaceRun   = regexp.MustCompile(`\s+`)
	dosageRe   = regexp.MustCompile(`^\d+(\.\d+)?(mg|mcg|µg|g|ml|iu|units?|%|mg/ml|mg/5ml)?$`)
	unitTokens = map[string]bool{
		"mg": true, "mcg": true, "µg": true, "g": true, "ml": true, "iu": true, "unit": true, "units": true, "%": true,
	}
	formTokens = map[string]bool{
		"tablet": true, "tablets": true, "tab": true, "tabs": true, "capsule": true, "capsules": true, "cap": true, "caps": true,
		"oral": true, "solution": true, "suspension": true, "syrup": true, "injection": true, "inj": true, "cream": true,
		"patch": true, "er": true, "xr": true, "sr": true, "xl": true, "cr": true, "dr": true, "ec": true, "hcl": true,
		"sodium": true, "po": true, "iv": true, "im": true, "sl": true, "daily": true, "bid": true, "tid": true, "qid": true,
		"qd": true, "prn": true, "once": true, "twice": true,
	}
	separatorRe = regexp.MustCompile(`\s*(?:/|\+|,|&|\band\b|\bwith\b)\s*`)
)

// clean lowercases, trims and collapses whitespace, dropping trademark
// symbols and trailing punctuation.
func clean(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer("®", "", "™", "", "\"", "", "'", "").Replace(s)
	s = strings.TrimRight(s, ".;:")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// stripSuffixes removes dosage, unit, form, route and frequency tokens and
// returns what is left together with the dosage it found.
func stripSuffixes(text string) (string, string) {
	tokens := strings.Fields(text)
	kept := make([]string, 0, len(tokens))
	var dosage []string
	for i, tok := range tokens {
		switch {
		case dosageRe.MatchString(tok):
			dosage = append(dosage, tok)
		case unitTokens[tok] && i > 0 && len(dosage) > 0:
			dosage = append(dosage, tok)
		case formTokens[tok] && i > 0:
		default:
			kept = append(kept, tok)
		}
	}
	return strings.Join(kept, " "), strings.Join(dosage, " ")
}

func hasSeparator(text string) bool {
	return separatorRe.MatchString(text)
}

func splitCombination(text string) []string {
	raw := separatorRe.Split(text, -1)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
