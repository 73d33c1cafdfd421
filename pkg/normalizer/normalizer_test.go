package normalizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/cache"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
)

func newTestNormalizer() *Normalizer {
	return New(knowledge.DefaultCatalog(), cache.NewMemory[Result](100, 0), DefaultThreshold)
}

func ids(res Result) []string {
	out := make([]string, 0, len(res.Drugs))
	for _, d := range res.Drugs {
		out = append(out, d.Drug.ID)
	}
	return out
}

func TestResolveExactBrandName(t *testing.T) {
	n := newTestNormalizer()
	res := n.Resolve(context.Background(), "Coumadin", Options{})

	require.False(t, res.Unrecognized)
	assert.Equal(t, []string{"warfarin"}, ids(res))
	assert.Equal(t, MethodExact, res.Method)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "Coumadin", res.Drugs[0].Input)
}

func TestResolveIsIdempotent(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	first := n.Resolve(ctx, "  Lipitor ", Options{})
	second := n.Resolve(ctx, "  Lipitor ", Options{})

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Drugs, second.Drugs)
	assert.Equal(t, first.Method, second.Method)
}

func TestResolveFuzzyMisspelling(t *testing.T) {
	n := newTestNormalizer()
	res := n.Resolve(context.Background(), "warfrin", Options{})

	require.False(t, res.Unrecognized)
	assert.Equal(t, []string{"warfarin"}, ids(res))
	assert.Equal(t, MethodFuzzy, res.Method)
	assert.GreaterOrEqual(t, res.Confidence, DefaultThreshold)
	assert.Less(t, res.Confidence, 1.0)
}

func TestFuzzyBelowThresholdOnlySuggests(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Resolve(ctx, "simva", Options{})
	require.True(t, res.Unrecognized)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, "simvastatin", res.Suggestions[0].DrugID)
	assert.LessOrEqual(t, len(res.Suggestions), DefaultSuggestions)

	relaxed := n.Resolve(ctx, "simva", Options{FuzzyThreshold: 0.85})
	require.False(t, relaxed.Unrecognized)
	assert.Equal(t, []string{"simvastatin"}, ids(relaxed))
}

func TestResolveStripsDosageAndForm(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Resolve(ctx, "Amoxicillin 500mg tablet", Options{})
	require.False(t, res.Unrecognized)
	assert.Equal(t, []string{"amoxicillin"}, ids(res))
	assert.Equal(t, MethodSuffix, res.Method)
	assert.Equal(t, "500mg", res.Drugs[0].Drug.Strength)

	res = n.Resolve(ctx, "lisinopril 10 mg daily", Options{})
	require.False(t, res.Unrecognized)
	assert.Equal(t, "10 mg", res.Drugs[0].Drug.Strength)
}

func TestResolveCatalogCombination(t *testing.T) {
	n := newTestNormalizer()
	res := n.Resolve(context.Background(), "Augmentin", Options{})

	require.False(t, res.Unrecognized)
	assert.Equal(t, []string{"amoxicillin", "clavulanate"}, ids(res))
	for _, d := range res.Drugs {
		assert.Equal(t, "Amoxicillin/Clavulanate", d.ComponentOf)
		assert.Equal(t, MethodCombination, d.Method)
	}
}

func TestResolveSeparatedCombination(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()

	res := n.Resolve(ctx, "warfarin and aspirin", Options{})
	require.False(t, res.Unrecognized)
	assert.Equal(t, MethodCombination, res.Method)
	assert.Equal(t, []string{"warfarin", "aspirin"}, ids(res))

	res = n.Resolve(ctx, "hydrocodone/apap", Options{})
	require.False(t, res.Unrecognized)
	assert.Equal(t, []string{"hydrocodone", "acetaminophen"}, ids(res))

	res = n.Resolve(ctx, "ibuprofen + zzqqxx", Options{})
	assert.True(t, res.Unrecognized)
}

func TestResolveGarbageNeverErrors(t *testing.T) {
	n := newTestNormalizer()
	for _, text := range []string{"", "   ", "zzqqxx", "12345", "/+/"} {
		res := n.Resolve(context.Background(), text, Options{})
		assert.True(t, res.Unrecognized, text)
		assert.LessOrEqual(t, len(res.Suggestions), DefaultSuggestions, text)
	}
}

func TestResolveAllDeduplicatesAndCarriesInputFields(t *testing.T) {
	n := newTestNormalizer()
	inputs := []models.DrugInput{
		{Name: "Coumadin"},
		{Name: "warfarin"},
		{Name: "Augmentin"},
		{Name: "amoxicillin 250mg"},
		{Name: "lisinopril", Strength: "20 mg", Frequency: "daily"},
		{Name: "qwxyzzy"},
	}
	out := n.ResolveAll(context.Background(), inputs, Options{})

	got := make([]string, 0, len(out.Drugs))
	for _, d := range out.Drugs {
		got = append(got, d.Drug.ID)
	}
	assert.Equal(t, []string{"warfarin", "amoxicillin", "clavulanate", "lisinopril"}, got)
	assert.Equal(t, []string{"warfarin", "amoxicillin"}, out.Duplicates)
	require.Len(t, out.Unrecognized, 1)
	assert.Equal(t, "qwxyzzy", out.Unrecognized[0].Input)

	lisinopril := out.Drugs[3]
	assert.Equal(t, "20 mg", lisinopril.Drug.Strength)
	assert.Equal(t, "daily", lisinopril.Frequency)
}

func TestResolveConcurrent(t *testing.T) {
	n := newTestNormalizer()
	ctx := context.Background()
	want := n.Resolve(ctx, "Zocor", Options{}).Drugs

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, n.Resolve(ctx, "Zocor", Options{}).Drugs)
		}()
	}
	wg.Wait()
}
