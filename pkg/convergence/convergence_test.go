package convergence

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

// scriptedProvider routes each Generate call by prompt content so the
// three parallel extractors and the deduplicator can share it.
type scriptedProvider struct {
	mu    sync.Mutex
	rules []providerRule
	calls int
}

type providerRule struct {
	match  string
	answer func(calls int) string
}

func (p *scriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	full := req.SystemInstruction + "\n" + req.Prompt
	for _, rule := range p.rules {
		if strings.Contains(full, rule.match) {
			return &llm.Response{Text: rule.answer(p.calls)}, nil
		}
	}
	return nil, fmt.Errorf("no rule matched request")
}

func (p *scriptedProvider) ModelName() string { return "fake-model" }

func emptyRefs(int) string { return `{"referencias": []}` }

func TestRunConvergesWhenNothingNewAppears(t *testing.T) {
	var mu sync.Mutex
	round1Done := map[string]bool{}

	oneShot := func(agentMarker, answer string) providerRule {
		return providerRule{match: agentMarker, answer: func(int) string {
			mu.Lock()
			defer mu.Unlock()
			if round1Done[agentMarker] {
				return `{"referencias": []}`
			}
			round1Done[agentMarker] = true
			return answer
		}}
	}

	provider := &scriptedProvider{rules: []providerRule{
		{match: "DUPLICADOS SEMÁNTICOS", answer: func(int) string {
			return `{"indices_unicos": [0, 1], "explicacion": "sin duplicados"}`
		}},
		oneShot("EXTREMADAMENTE CONSERVADOR", `{"referencias": [
			{"texto_completo": "Ley 39/2015", "tipo": "ley", "ley": "Ley 39/2015", "confianza": 100}
		]}`),
		oneShot("extracción EXHAUSTIVA", `{"referencias": [
			{"texto_completo": "Ley 40/2015", "tipo": "ley", "ley": "Ley 40/2015", "confianza": 90}
		]}`),
		oneShot("otros analistas pasan por alto", `{"referencias": []}`),
	}}

	system := NewSystem(provider, reference.NewRegistry(), 5, 60)
	result, err := system.Run(context.Background(), "texto del tema")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Rounds)
	assert.True(t, result.Converged)
	require.Len(t, result.History, 2)
	assert.Equal(t, 2, result.History[0].New)
	assert.False(t, result.History[0].Converged)
	assert.Equal(t, 0, result.History[1].New)
	assert.True(t, result.History[1].Converged)

	assert.Contains(t, result.Metrics, "Agente1A-Conservador")
	assert.Contains(t, result.Metrics, "Agente1B-Agresivo")
	assert.Contains(t, result.Metrics, "Agente1C-Creativo")
}

func TestRunFiltersFinalConfidence(t *testing.T) {
	provider := &scriptedProvider{rules: []providerRule{
		{match: "DUPLICADOS SEMÁNTICOS", answer: func(int) string {
			return `{"indices_unicos": [0, 1]}`
		}},
		{match: "extracción EXHAUSTIVA", answer: func(calls int) string {
			return `{"referencias": [
				{"texto_completo": "Ley 40/2015", "tipo": "ley", "ley": "Ley 40/2015", "confianza": 90},
				{"texto_completo": "quizá la Ley 50/1997", "tipo": "ley", "ley": "Ley 50/1997", "confianza": 40}
			]}`
		}},
		{match: "EXTREMADAMENTE CONSERVADOR", answer: emptyRefs},
		{match: "otros analistas pasan por alto", answer: emptyRefs},
	}}

	// maxRounds 1: the single round adds references, so no convergence.
	system := NewSystem(provider, reference.NewRegistry(), 1, 60)
	result, err := system.Run(context.Background(), "texto")
	require.NoError(t, err)

	require.Len(t, result.References, 1)
	assert.Equal(t, "Ley 40/2015", result.References[0].FullText)
	assert.False(t, result.Converged)
}

// flakyProvider fails every call whose request matches failWhen and
// delegates the rest, simulating one broken agent among healthy ones.
type flakyProvider struct {
	inner    *scriptedProvider
	failWhen string
}

func (p *flakyProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if strings.Contains(req.SystemInstruction+"\n"+req.Prompt, p.failWhen) {
		return nil, fmt.Errorf("provider hiccup")
	}
	return p.inner.Generate(ctx, req)
}

func (p *flakyProvider) ModelName() string { return p.inner.ModelName() }

type failingProvider struct{}

func (failingProvider) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("provider down")
}

func (failingProvider) ModelName() string { return "fake-model" }

func TestRunSurvivesOneFailingExtractor(t *testing.T) {
	inner := &scriptedProvider{rules: []providerRule{
		{match: "DUPLICADOS SEMÁNTICOS", answer: func(int) string {
			return `{"indices_unicos": [0]}`
		}},
		{match: "extracción EXHAUSTIVA", answer: func(int) string {
			return `{"referencias": [
				{"texto_completo": "Ley 40/2015", "tipo": "ley", "ley": "Ley 40/2015", "confianza": 90}
			]}`
		}},
		{match: "otros analistas pasan por alto", answer: emptyRefs},
	}}
	// The conservative extractor fails on every call.
	provider := &flakyProvider{inner: inner, failWhen: "EXTREMADAMENTE CONSERVADOR"}

	system := NewSystem(provider, reference.NewRegistry(), 1, 60)
	result, err := system.Run(context.Background(), "texto del tema")
	require.NoError(t, err)

	require.Len(t, result.References, 1)
	assert.Equal(t, "Ley 40/2015", result.References[0].FullText)
	require.Len(t, result.History, 1)
	assert.Equal(t, 0, result.History[0].ByAgent["Agente1A-Conservador"])
	assert.Equal(t, 1, result.History[0].ByAgent["Agente1B-Agresivo"])
}

func TestRunFailsWhenAllExtractorsFail(t *testing.T) {
	system := NewSystem(failingProvider{}, reference.NewRegistry(), 1, 60)

	_, err := system.Run(context.Background(), "texto del tema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all extractors failed")
}

func TestDeduplicateExact(t *testing.T) {
	refs := []reference.Reference{
		{FullText: "Ley 39/2015"},
		{FullText: "LEY 39/2015 "},
		{FullText: "Ley 40/2015"},
		{FullText: ""},
	}

	unique := deduplicateExact(refs)
	require.Len(t, unique, 2)
	assert.Equal(t, "Ley 39/2015", unique[0].FullText)
	assert.Equal(t, "Ley 40/2015", unique[1].FullText)
}

func TestIsDuplicate(t *testing.T) {
	accumulated := []reference.Reference{
		{FullText: "Ley 39/2015", Law: "Ley 39/2015"},
	}

	assert.True(t, isDuplicate(reference.Reference{FullText: "ley 39/2015"}, accumulated))
	assert.True(t, isDuplicate(reference.Reference{FullText: "LPAC", Law: "LEY 39/2015"}, accumulated))
	assert.False(t, isDuplicate(reference.Reference{FullText: "Ley 40/2015", Law: "Ley 40/2015"}, accumulated))
}

func TestDeduplicateWithLLMFallsBackOnBadAnswer(t *testing.T) {
	provider := &scriptedProvider{rules: []providerRule{
		{match: "DUPLICADOS SEMÁNTICOS", answer: func(int) string { return "esto no es JSON" }},
	}}
	system := NewSystem(provider, reference.NewRegistry(), 1, 0)

	refs := []reference.Reference{
		{FullText: "Ley 39/2015"},
		{FullText: "ley 39/2015"},
	}
	unique := system.deduplicateWithLLM(context.Background(), refs)
	require.Len(t, unique, 1)
}

func TestDeduplicateWithLLMIgnoresBadIndices(t *testing.T) {
	provider := &scriptedProvider{rules: []providerRule{
		{match: "DUPLICADOS SEMÁNTICOS", answer: func(int) string {
			return `{"indices_unicos": [0, 0, 7, -1]}`
		}},
	}}
	system := NewSystem(provider, reference.NewRegistry(), 1, 0)

	refs := []reference.Reference{
		{FullText: "CE art. 1"},
		{FullText: "Constitución Española artículo 1"},
	}
	unique := system.deduplicateWithLLM(context.Background(), refs)
	require.Len(t, unique, 1)
	assert.Equal(t, "CE art. 1", unique[0].FullText)
}

func TestComparisonKey(t *testing.T) {
	assert.Equal(t, "BOE:BOE-A-2015-10565", comparisonKey(reference.Reference{BOEID: "BOE-A-2015-10565", Law: "Ley 39/2015"}))
	assert.Equal(t, "ley39/2015:art24", comparisonKey(reference.Reference{Law: "Ley 39/2015", Article: "24"}))
	assert.Equal(t, "ley39/2015", comparisonKey(reference.Reference{Law: "Ley 39/2015"}))
	// Normalized law wins over the raw extraction.
	assert.Equal(t, "ley1/2000", comparisonKey(reference.Reference{Law: "LEC", NormalizedLaw: "Ley 1/2000"}))
}

func TestCompare(t *testing.T) {
	byAgent := map[string][]reference.Reference{
		"A": {
			{Law: "Ley 39/2015"},
			{Law: "Ley 40/2015"},
			{Law: "Constitución Española", Article: "24"},
		},
		"B": {
			{Law: "Ley 39/2015"},
			{Law: "Ley 40/2015"},
			{Law: "Ley 1/2000"},
		},
	}

	comparison := Compare(byAgent)
	assert.Equal(t, 2, comparison.TotalAgents)
	assert.Equal(t, 2, comparison.TotalConsensus)
	assert.Equal(t, 0, comparison.PartialConsensus)
	assert.Equal(t, 4, comparison.TotalUnique)
	assert.Equal(t, 1, comparison.UniqueByAgent["A"])
	assert.Equal(t, 1, comparison.UniqueByAgent["B"])
	assert.InDelta(t, 50.0, comparison.AgreementPct, 0.01)
	assert.InDelta(t, 100.0, comparison.ConsensusCoverage["A"], 0.01)

	report := comparison.Report()
	assert.Contains(t, report, "INFORME DE COMPARACIÓN DE AGENTES")
	assert.Contains(t, report, "Consenso total: 2 referencias")
	assert.Contains(t, report, "Acuerdo promedio: 50.0%")
}

func TestCompareThreeAgentsPartialConsensus(t *testing.T) {
	byAgent := map[string][]reference.Reference{
		"A": {{Law: "Ley 39/2015"}, {Law: "Ley 40/2015"}},
		"B": {{Law: "Ley 39/2015"}, {Law: "Ley 40/2015"}},
		"C": {{Law: "Ley 39/2015"}},
	}

	comparison := Compare(byAgent)
	assert.Equal(t, 1, comparison.TotalConsensus)
	assert.Equal(t, 1, comparison.PartialConsensus)
	assert.Equal(t, 0, comparison.UniqueByAgent["C"])
	assert.InDelta(t, 100.0, comparison.AgreementPct, 0.01)
}
