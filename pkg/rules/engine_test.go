package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/cache"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
)

func catalogDrugs(t *testing.T, ids ...string) []models.Drug {
	t.Helper()
	cat := knowledge.DefaultCatalog()
	out := make([]models.Drug, 0, len(ids))
	for _, id := range ids {
		d, ok := cat.Drug(id)
		require.True(t, ok, id)
		out = append(out, d)
	}
	return out
}

func newTestEngine(extra ...knowledge.Source) *Engine {
	sources := append([]knowledge.Source{knowledge.NewCatalogSource(knowledge.DefaultCatalog())}, extra...)
	return NewEngine(sources, cache.NewMemory[Result](100, 0), 50*time.Millisecond)
}

func findByType(res Result, typ models.InteractionType) []models.DrugInteraction {
	var out []models.DrugInteraction
	for _, f := range res.Interactions {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestWarfarinAmoxicillinBaseline(t *testing.T) {
	e := newTestEngine()
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), nil, Options{Personalize: true})
	require.NoError(t, err)
	require.Len(t, res.Interactions, 1)

	f := res.Interactions[0]
	assert.Equal(t, "ddi:amoxicillin+warfarin", f.ID)
	assert.Equal(t, models.SeverityModerate, f.Severity)
	assert.InDelta(t, 0.92, f.Confidence, 1e-9)
	assert.Contains(t, f.Mechanism, "vitamin K")
	assert.Equal(t, models.MechanismPharmacodynamic, f.MechanismCategory)
	assert.NotEmpty(t, f.Evidence)
	assert.Nil(t, f.Adjustment)
	require.NotNil(t, f.Breakdown)
	assert.InDelta(t, f.Confidence, f.Breakdown.Sum(), 1e-9)
	assert.Equal(t, []string{"curated-kb@2026.10"}, res.Sources)
}

func TestElderlyPatientPromotesWarfarinAmoxicillin(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-80", Age: 80}
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), facts, Options{Personalize: true})
	require.NoError(t, err)
	require.Len(t, res.Interactions, 1)

	f := res.Interactions[0]
	assert.Equal(t, models.SeverityMajor, f.Severity)
	assert.LessOrEqual(t, f.Confidence, 1.0)
	require.NotNil(t, f.Adjustment)
	assert.True(t, f.Adjustment.Promoted)
	assert.Equal(t, models.SeverityModerate, f.Adjustment.OriginalSeverity)
	assert.InDelta(t, 1.3, f.Adjustment.Factors[FactorAge], 1e-9)
	assert.InDelta(t, f.Confidence, f.Breakdown.Sum(), 1e-9)
}

func TestFactorAtThresholdDoesNotPromote(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-70", Age: 70}
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), facts, Options{Personalize: true})
	require.NoError(t, err)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, models.SeverityModerate, res.Interactions[0].Severity)
	assert.False(t, res.Interactions[0].Adjustment.Promoted)
}

func TestProtectiveFactorsAreIgnored(t *testing.T) {
	in := models.DrugInteraction{ID: "ddi:a+b", Severity: models.SeverityMajor, Confidence: 0.8}
	out := Personalize(in, []Factor{
		{Name: FactorGenetic, Value: 0.7, Reason: "ultrarapid clearance"},
		{Name: FactorAge, Value: 1.1, Reason: "paediatric patient"},
	})
	require.NotNil(t, out.Adjustment)
	assert.InDelta(t, 1.1, out.Adjustment.OverallFactor, 1e-9)
	assert.NotContains(t, out.Adjustment.Factors, FactorGenetic)
	assert.InDelta(t, 0.88, out.Confidence, 1e-9)
	assert.Equal(t, models.SeverityMajor, out.Severity)
}

func TestPersonalizationCanBeDisabled(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-80", Age: 80}
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), facts, Options{Personalize: false})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityModerate, res.Interactions[0].Severity)
	assert.Nil(t, res.Interactions[0].Adjustment)
}

func TestPoorMetaboliserPromotes(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-gen", Age: 40, GeneticMarkers: map[string]string{"cyp2c9": "Poor metabolizer"}}
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), facts, Options{Personalize: true})
	require.NoError(t, err)
	f := res.Interactions[0]
	assert.Equal(t, models.SeverityMajor, f.Severity)
	assert.InDelta(t, 1.3, f.Adjustment.Factors[FactorGenetic], 1e-9)
}

func TestPenicillinAllergyIsSevereAndLocked(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-allergy", Age: 90, Allergies: []string{"Penicillin"}}
	res, err := e.Check(context.Background(), catalogDrugs(t, "amoxicillin", "metformin"), facts, Options{Personalize: true})
	require.NoError(t, err)

	allergies := findByType(res, models.TypeDrugAllergy)
	require.Len(t, allergies, 1)
	f := allergies[0]
	assert.Equal(t, models.SeveritySevere, f.Severity)
	assert.GreaterOrEqual(t, f.Confidence, 0.98)
	assert.False(t, f.OverrideAllowed)
	assert.Equal(t, "penicillin", f.Allergen)
	assert.Equal(t, []string{"amoxicillin"}, f.Drugs)
	assert.Nil(t, f.Adjustment)
}

func TestAllergyByDrugName(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{Allergies: []string{"Zocor"}}
	res, err := e.Check(context.Background(), catalogDrugs(t, "simvastatin"), facts, Options{})
	require.NoError(t, err)
	require.Len(t, findByType(res, models.TypeDrugAllergy), 1)
}

func TestMonotonicity(t *testing.T) {
	e := newTestEngine()
	drugs := catalogDrugs(t, "warfarin", "amoxicillin", "ibuprofen", "lisinopril", "spironolactone", "metformin")
	base := &models.PatientFacts{PatientID: "p-mono", Age: 50, Comorbidities: []string{"ckd"}}
	riskier := &models.PatientFacts{
		PatientID:       "p-mono",
		Age:             85,
		Sex:             "female",
		Pregnant:        true,
		Comorbidities:   []string{"ckd"},
		RenalFunction:   &models.RenalFunction{EGFR: 25},
		HepaticFunction: models.HepaticModerate,
		GeneticMarkers:  map[string]string{"CYP2C9": "poor"},
	}

	before, err := e.Check(context.Background(), drugs, base, Options{Personalize: true})
	require.NoError(t, err)
	after, err := e.Check(context.Background(), drugs, riskier, Options{Personalize: true})
	require.NoError(t, err)

	byID := make(map[string]models.DrugInteraction)
	for _, f := range after.Interactions {
		byID[f.ID] = f
	}
	require.NotEmpty(t, before.Interactions)
	for _, f := range before.Interactions {
		g, ok := byID[f.ID]
		require.True(t, ok, f.ID)
		assert.GreaterOrEqual(t, int(g.Severity), int(f.Severity), f.ID)
		assert.GreaterOrEqual(t, g.Confidence, f.Confidence, f.ID)
		assert.LessOrEqual(t, g.Confidence, 1.0)
	}
}

func TestTripleWhammyPatternNeedsEverySlot(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	res, err := e.Check(ctx, catalogDrugs(t, "lisinopril", "furosemide", "ibuprofen"), nil, Options{})
	require.NoError(t, err)
	patterns := findByType(res, models.TypePolypharmacy)
	require.Len(t, patterns, 1)
	assert.Equal(t, models.SeverityMajor, patterns[0].Severity)
	assert.ElementsMatch(t, []string{"lisinopril", "furosemide", "ibuprofen"}, patterns[0].Drugs)

	res, err = e.Check(ctx, catalogDrugs(t, "lisinopril", "ibuprofen", "metformin"), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, findByType(res, models.TypePolypharmacy))
}

func TestMatchSlotsUsesDistinctDrugs(t *testing.T) {
	slots := []knowledge.Slot{
		{Label: "nsaid", ClassPrefixes: []string{"M01A"}},
		{Label: "nsaid again", ClassPrefixes: []string{"M01A"}},
		{Label: "ace", ClassPrefixes: []string{"C09"}},
	}
	_, ok := matchSlots(slots, catalogDrugs(t, "ibuprofen", "lisinopril", "metformin"))
	assert.False(t, ok)
	matched, ok := matchSlots(slots, catalogDrugs(t, "ibuprofen", "naproxen", "lisinopril"))
	require.True(t, ok)
	assert.Len(t, matched, 3)
}

func TestDrugDiseaseByAlias(t *testing.T) {
	e := newTestEngine()
	facts := &models.PatientFacts{PatientID: "p-ckd", Comorbidities: []string{"CKD"}, RenalFunction: &models.RenalFunction{EGFR: 25}}
	res, err := e.Check(context.Background(), catalogDrugs(t, "metformin"), facts, Options{Personalize: true})
	require.NoError(t, err)

	disease := findByType(res, models.TypeDrugDisease)
	require.Len(t, disease, 1)
	assert.Equal(t, "chronic kidney disease", disease[0].Condition)
	// Major raised one tier by the severe renal impairment factor.
	assert.Equal(t, models.SeveritySevere, disease[0].Severity)
}

func TestSeverityThresholdAppliedAfterCache(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	drugs := catalogDrugs(t, "warfarin", "amoxicillin")

	res, err := e.Check(ctx, drugs, nil, Options{MinSeverity: models.SeverityMajor})
	require.NoError(t, err)
	assert.Empty(t, res.Interactions)
	assert.False(t, res.CacheHit)

	res, err = e.Check(ctx, drugs, nil, Options{})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Len(t, res.Interactions, 1)
}

func TestCacheSeparatesPatients(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	drugs := catalogDrugs(t, "warfarin", "amoxicillin")

	_, err := e.Check(ctx, drugs, &models.PatientFacts{PatientID: "a", Age: 80}, Options{Personalize: true})
	require.NoError(t, err)
	res, err := e.Check(ctx, drugs, &models.PatientFacts{PatientID: "b", Age: 30}, Options{Personalize: true})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, models.SeverityModerate, res.Interactions[0].Severity)
}

func TestCachedResultsAreNotShared(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	drugs := catalogDrugs(t, "warfarin", "amoxicillin")

	first, err := e.Check(ctx, drugs, nil, Options{})
	require.NoError(t, err)
	first.Interactions[0].Evidence[0].Source = "tampered"

	second, err := e.Check(ctx, drugs, nil, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", second.Interactions[0].Evidence[0].Source)
}

type stubSource struct {
	name  string
	delay time.Duration
	err   error
	pairs []knowledge.InteractionRecord
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) wait(ctx context.Context) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

func (s *stubSource) PairInteractions(ctx context.Context, a, b models.Drug) ([]knowledge.InteractionRecord, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var out []knowledge.InteractionRecord
	for _, r := range s.pairs {
		if models.PairKey(r.DrugA, r.DrugB) == models.PairKey(a.ID, b.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubSource) MultiDrugPatterns(ctx context.Context) ([]knowledge.PatternRecord, error) {
	return nil, s.wait(ctx)
}

func (s *stubSource) DiseaseInteractions(ctx context.Context, condition string, drug models.Drug) ([]knowledge.DiseaseRecord, error) {
	return nil, s.wait(ctx)
}

func TestSlowSourceDegradesToWarning(t *testing.T) {
	e := newTestEngine(&stubSource{name: "slow-remote", delay: 300 * time.Millisecond})
	ctx := context.Background()
	drugs := catalogDrugs(t, "warfarin", "amoxicillin")

	start := time.Now()
	res, err := e.Check(ctx, drugs, nil, Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	require.Len(t, res.Interactions, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "slow-remote")
	assert.Equal(t, []string{"curated-kb@2026.10"}, res.Sources)

	again, err := e.Check(ctx, drugs, nil, Options{})
	require.NoError(t, err)
	assert.False(t, again.CacheHit)
}

func TestSecondSourceEvidenceMerges(t *testing.T) {
	extra := &stubSource{name: "pharmacy-feed", pairs: []knowledge.InteractionRecord{{
		DrugA:      "amoxicillin",
		DrugB:      "warfarin",
		Severity:   models.SeverityMinor,
		Confidence: 0.6,
		Mechanism:  "reported INR rise",
	}}}
	e := newTestEngine(extra)
	res, err := e.Check(context.Background(), catalogDrugs(t, "warfarin", "amoxicillin"), nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Interactions, 1)

	f := res.Interactions[0]
	assert.Equal(t, models.SeverityModerate, f.Severity)
	sources := make([]string, 0, len(f.Evidence))
	for _, ev := range f.Evidence {
		sources = append(sources, ev.Source)
	}
	assert.Contains(t, sources, "pharmacy-feed")
	assert.Len(t, res.Sources, 2)
}

func TestFailingSourceDegrades(t *testing.T) {
	e := newTestEngine(&stubSource{name: "broken", err: errors.New("connection refused")})
	res, err := e.Check(context.Background(), catalogDrugs(t, "simvastatin", "clarithromycin"), nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, models.SeveritySevere, res.Interactions[0].Severity)
	assert.NotEmpty(t, res.Warnings)
}

func TestMalformedFactsRejected(t *testing.T) {
	e := newTestEngine()
	_, err := e.Check(context.Background(), catalogDrugs(t, "warfarin"), &models.PatientFacts{Age: -4}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMalformedFacts))
}

func TestUnknownPairYieldsNothing(t *testing.T) {
	e := newTestEngine()
	res, err := e.Check(context.Background(), catalogDrugs(t, "metformin", "levothyroxine"), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Interactions)
}
