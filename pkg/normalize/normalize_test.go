package normalize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

type fakeProvider struct {
	mu       sync.Mutex
	answers  map[string]string
	requests []*llm.Request
}

func (f *fakeProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	for marker, answer := range f.answers {
		if strings.Contains(req.Prompt, marker) {
			return &llm.Response{Text: answer}, nil
		}
	}
	return nil, fmt.Errorf("no scripted answer for prompt")
}

func (f *fakeProvider) ModelName() string { return "fake-model" }

func newNormalizer(answers map[string]string) (*Normalizer, *fakeProvider) {
	provider := &fakeProvider{answers: answers}
	return NewNormalizer(provider, reference.NewRegistry(), 4), provider
}

func TestExpandKnownSigla(t *testing.T) {
	n, provider := newNormalizer(nil)

	refs := []reference.Reference{{FullText: "LPAC", Kind: reference.KindSigla}}
	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	require.Len(t, result.References, 1)
	ref := result.References[0]
	assert.Equal(t, "Ley del Procedimiento Administrativo Común de las Administraciones Públicas", ref.FullTitle)
	assert.Equal(t, "Ley del Procedimiento Administrativo Común de las Administraciones Públicas", ref.Law)
	assert.Equal(t, 1, result.Changed)
	assert.Empty(t, provider.requests)
}

func TestExpandSiglaExtractsLawNumber(t *testing.T) {
	ref := applyExpansion(reference.Reference{FullText: "LPAC"}, "LPAC",
		"Ley 39/2015, del Procedimiento Administrativo Común")
	assert.Equal(t, "Ley 39/2015", ref.Law)
}

func TestAmbiguousSiglaResolvedWithContext(t *testing.T) {
	n, provider := newNormalizer(map[string]string{
		`la sigla "CE"`: "1",
	})

	refs := []reference.Reference{{FullText: "CE", Kind: reference.KindSigla}}
	result, err := n.Normalize(context.Background(), refs, "El artículo 24 reconoce la tutela judicial efectiva")
	require.NoError(t, err)

	assert.Equal(t, "Constitución Española", result.References[0].FullTitle)
	require.Len(t, provider.requests, 1)
	assert.Contains(t, provider.requests[0].Prompt, "POSIBLES SIGNIFICADOS")
}

func TestAmbiguousSiglaFallsBackToFirstMeaning(t *testing.T) {
	n, _ := newNormalizer(map[string]string{
		`la sigla "CE"`: "no lo sé",
	})

	refs := []reference.Reference{{FullText: "CE", Kind: reference.KindSigla}}
	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	assert.Equal(t, "Constitución Española", result.References[0].FullTitle)
}

func TestIsSigla(t *testing.T) {
	n, _ := newNormalizer(nil)

	assert.True(t, n.isSigla(reference.Reference{FullText: "cualquier cosa", Kind: reference.KindSigla}))
	assert.True(t, n.isSigla(reference.Reference{FullText: "LOPJ"}))
	assert.False(t, n.isSigla(reference.Reference{FullText: "Ley 39/2015"}))
	assert.False(t, n.isSigla(reference.Reference{FullText: "Constitución Española de 1978"}))
	assert.False(t, n.isSigla(reference.Reference{FullText: "39/2015"}))
}

func TestNormalizeLawFormat(t *testing.T) {
	tests := []struct {
		law      string
		expected string
		kind     reference.LawKind
	}{
		{"Ley Orgánica 6/1985, del Poder Judicial", "Ley Orgánica 6/1985", reference.LawOrganica},
		{"ley 39/2015, de 1 de octubre", "Ley 39/2015", reference.LawOrdinaria},
		{"Real Decreto 203/2021", "Real Decreto 203/2021", reference.LawRealDecreto},
		{"Real Decreto-Ley 6/2023", "Real Decreto 6/2023", reference.LawRealDecreto},
		{"Real Decreto Legislativo 2/2015", "Real Decreto Legislativo 2/2015", reference.LawRealDecretoLegislativo},
	}

	for _, tt := range tests {
		ref, changed := normalizeLawFormat(reference.Reference{Law: tt.law})
		assert.True(t, changed, tt.law)
		assert.Equal(t, tt.expected, ref.NormalizedLaw, tt.law)
		assert.Equal(t, tt.kind, ref.LawKind, tt.law)
	}

	ref, changed := normalizeLawFormat(reference.Reference{Law: "Constitución Española"})
	assert.False(t, changed)
	assert.Empty(t, ref.NormalizedLaw)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, reference.CategoryNormativa, classify(reference.KindLey))
	assert.Equal(t, reference.CategoryNormativa, classify(reference.KindRealDecreto))
	assert.Equal(t, reference.CategoryDisposicion, classify(reference.KindArticulo))
	assert.Equal(t, reference.CategoryOtra, classify(reference.KindSigla))
}

func TestEuropeanSiglaExpansion(t *testing.T) {
	n, provider := newNormalizer(nil)

	refs := []reference.Reference{{FullText: "RGPD", Kind: reference.KindEuropea}}
	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	ref := result.References[0]
	assert.Equal(t, "Reglamento (UE) 2016/679", ref.NormalizedLaw)
	assert.Equal(t, "32016R0679", ref.CELEX)
	assert.True(t, ref.European)
	assert.Equal(t, reference.LawEuropea, ref.LawKind)
	assert.Empty(t, provider.requests)
}

func TestEuropeanSiglaWithArticle(t *testing.T) {
	n, _ := newNormalizer(nil)

	refs := []reference.Reference{{FullText: "Artículo 17 del RGPD", Kind: reference.KindEuropea}}
	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	ref := result.References[0]
	assert.Equal(t, "17", ref.Article)
	assert.Equal(t, "Artículo 17 del Reglamento (UE) 2016/679", ref.FullText)
	assert.Equal(t, "32016R0679", ref.CELEX)
}

func TestEuropeanInformalFormatViaModel(t *testing.T) {
	n, provider := newNormalizer(map[string]string{
		"Reg. UE 2016/679": "Reglamento (UE) 2016/679",
	})

	refs := []reference.Reference{{
		FullText: "Reg. UE 2016/679",
		Law:      "Reglamento UE 2016/679",
		Kind:     reference.KindEuropea,
	}}
	result, err := n.Normalize(context.Background(), refs, "protección de datos")
	require.NoError(t, err)

	ref := result.References[0]
	assert.Equal(t, "Reglamento (UE) 2016/679", ref.NormalizedLaw)
	assert.Equal(t, "32016R0679", ref.CELEX)
	assert.True(t, ref.European)
	require.Len(t, provider.requests, 1)
	assert.Contains(t, provider.requests[0].Prompt, "FORMATO ESTÁNDAR ESPERADO")
}

func TestEuropeanWellFormedGetsCELEX(t *testing.T) {
	n, _ := newNormalizer(map[string]string{
		"Reglamento (UE) 2016/679": "Reglamento (UE) 2016/679",
	})

	refs := []reference.Reference{{FullText: "Reglamento (UE) 2016/679", Kind: reference.KindEuropea}}
	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	assert.Equal(t, "32016R0679", result.References[0].CELEX)
	assert.True(t, result.References[0].European)
}

func TestNormalizePreservesOrderInParallel(t *testing.T) {
	n, _ := newNormalizer(nil)

	var refs []reference.Reference
	for i := 1; i <= 8; i++ {
		refs = append(refs, reference.Reference{
			FullText: fmt.Sprintf("Ley %d/2015", i),
			Law:      fmt.Sprintf("Ley %d/2015", i),
			Kind:     reference.KindLey,
		})
	}

	result, err := n.Normalize(context.Background(), refs, "")
	require.NoError(t, err)

	require.Len(t, result.References, 8)
	for i, ref := range result.References {
		assert.Equal(t, fmt.Sprintf("Ley %d/2015", i+1), ref.NormalizedLaw)
		assert.Equal(t, reference.CategoryNormativa, ref.Category)
	}
	assert.Equal(t, 8, result.Changed)
}
