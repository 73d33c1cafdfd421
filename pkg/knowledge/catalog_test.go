package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

func TestDefaultCatalogLoads(t *testing.T) {
	cat := DefaultCatalog()
	require.NotNil(t, cat)
	assert.NotEmpty(t, cat.Version)
	assert.Greater(t, len(cat.Drugs), 40)
	assert.NotEmpty(t, cat.Interactions)
	assert.Len(t, cat.Patterns, 3)

	for _, r := range cat.Interactions {
		assert.NotEmpty(t, r.Evidence, "pair %s has no evidence", models.PairKey(r.DrugA, r.DrugB))
		assert.True(t, r.Severity > models.SeverityNone)
	}
}

func TestLookupName(t *testing.T) {
	cat := DefaultCatalog()

	d, ok := cat.LookupName("Coumadin")
	require.True(t, ok)
	assert.Equal(t, "warfarin", d.ID)

	d, ok = cat.LookupName("  paracetamol ")
	require.True(t, ok)
	assert.Equal(t, "acetaminophen", d.ID)

	d, ok = cat.LookupName("augmentin")
	require.True(t, ok)
	assert.True(t, d.IsCombination)
	assert.Equal(t, []string{"amoxicillin", "clavulanate"}, d.Components)

	_, ok = cat.LookupName("unobtainium")
	assert.False(t, ok)
}

func TestPairIsUnordered(t *testing.T) {
	cat := DefaultCatalog()
	ab := cat.Pair("warfarin", "amoxicillin")
	ba := cat.Pair("amoxicillin", "warfarin")
	require.Len(t, ab, 1)
	assert.Equal(t, ab, ba)
	assert.Equal(t, models.SeverityModerate, ab[0].Severity)
	assert.InDelta(t, 0.92, ab[0].Confidence, 1e-9)
	assert.Contains(t, ab[0].Mechanism, "vitamin K")
	assert.False(t, cat.HasPair("fluoxetine", "sertraline"))
}

func TestAlternativesSkipUnknownIDs(t *testing.T) {
	cat := DefaultCatalog()
	alts := cat.AlternativesFor("simvastatin")
	require.Len(t, alts, 2)
	assert.Equal(t, "pravastatin", alts[0].ID)
	assert.Empty(t, cat.AlternativesFor("nitroglycerin"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	content := `
version: test
drugs:
  - {id: a, name: Alpha, class_code: X01}
  - {id: b, name: Beta, brand_names: [Betamax]}
interactions:
  - drug_a: a
    drug_b: b
    severity: contraindicated
    confidence: 0.5
    evidence: [{source: unit, reliability: 1}]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cat, err := Load(path)
	require.NoError(t, err)
	recs := cat.Pair("b", "a")
	require.Len(t, recs, 1)
	assert.Equal(t, models.SeveritySevere, recs[0].Severity)

	d, ok := cat.LookupName("betamax")
	require.True(t, ok)
	assert.Equal(t, "b", d.ID)
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	_, err := Parse([]byte("version: x\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(`
drugs:
  - {id: a, name: Alpha}
interactions:
  - {drug_a: a, drug_b: missing, severity: minor, confidence: 0.5}
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
drugs:
  - {id: a, name: Alpha}
  - {id: a, name: Again}
`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDiseaseInteractionsByAliasAndEffect(t *testing.T) {
	src := NewCatalogSource(DefaultCatalog())
	ctx := context.Background()
	metformin, _ := src.Catalog().Drug("metformin")
	recs, err := src.DiseaseInteractions(ctx, "CKD", metformin)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SeverityMajor, recs[0].Severity)

	clarithromycin, _ := src.Catalog().Drug("clarithromycin")
	recs, err = src.DiseaseInteractions(ctx, "long QT syndrome", clarithromycin)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = src.DiseaseInteractions(ctx, "asthma", metformin)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSlotAccepts(t *testing.T) {
	cat := DefaultCatalog()
	ibuprofen, _ := cat.Drug("ibuprofen")
	gabapentin, _ := cat.Drug("gabapentin")
	assert.True(t, Slot{ClassPrefixes: []string{"M01A"}}.Accepts(ibuprofen))
	assert.True(t, Slot{DrugIDs: []string{"gabapentin"}}.Accepts(gabapentin))
	assert.False(t, Slot{ClassPrefixes: []string{"C09"}}.Accepts(ibuprofen))
}

func TestQueryTimeout(t *testing.T) {
	slow := func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	}
	start := time.Now()
	_, err := Query(context.Background(), 20*time.Millisecond, slow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceTimeout))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	v, err := Query(context.Background(), time.Second, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueryRecoversPanics(t *testing.T) {
	_, err := Query(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
}
