package audit

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oposify/legisref/pkg/reference"
)

func healthyRefs() []reference.Reference {
	return []reference.Reference{
		{FullText: "Ley 39/2015", Kind: reference.KindLey, Confidence: 100, Validated: true,
			BOEID: "BOE-A-2015-10565", FoundBy: "Agente1A-Conservador"},
		{FullText: "Ley 40/2015", Kind: reference.KindLey, Confidence: 100, Validated: true,
			BOEID: "BOE-A-2015-10566", FoundBy: "Agente1A-Conservador"},
		{FullText: "Ley Orgánica 6/1985", Kind: reference.KindLey, Confidence: 100, Validated: true,
			BOEID: "BOE-A-1985-12666", FoundBy: "Agente1B-Agresivo"},
		{FullText: "Artículo 24 de la Constitución", Kind: reference.KindArticulo, Confidence: 100,
			Validated: true, BOEID: "BOE-A-1978-31229", FoundBy: "Agente1A-Conservador"},
		{FullText: "Artículo 9.3 de la Constitución", Kind: reference.KindArticulo, Confidence: 100,
			Validated: true, BOEID: "BOE-A-1978-31229", FoundBy: "Agente1C-Creativo"},
		{FullText: "Real Decreto 203/2021", Kind: reference.KindRealDecreto, Confidence: 100,
			Validated: true, BOEID: "BOE-A-2021-5032", FoundBy: "Agente1B-Agresivo"},
	}
}

func TestAuditHealthyRun(t *testing.T) {
	auditor := NewAuditor()
	report := auditor.Audit(healthyRefs(), &PipelineInfo{Converged: true, Rounds: 2})

	assert.Equal(t, 6, report.Total)
	assert.Empty(t, report.Problems)

	// 10*0.4 + 10*0.4 + 3 kinds*2*0.2 = 9.2
	assert.InDelta(t, 9.2, report.Grade.Score, 0.001)
	assert.Equal(t, LevelExcellent, report.Grade.Level)
	assert.InDelta(t, 10.0, report.Grade.Factors.Confidence, 0.001)
	assert.InDelta(t, 10.0, report.Grade.Factors.Validation, 0.001)
	assert.InDelta(t, 6.0, report.Grade.Factors.Coverage, 0.001)

	require.Len(t, report.Suggestions, 1)
	assert.Contains(t, report.Suggestions[0], "parece correcta")
}

func TestAnalyzeConfidence(t *testing.T) {
	refs := []reference.Reference{
		{FullText: "Ley 39/2015", Confidence: 95, FoundBy: "Agente1A-Conservador"},
		{FullText: "Ley 40/2015", Confidence: 80},
		{FullText: "legislación notarial", Confidence: 60, FoundBy: "Agente1B-Agresivo"},
		{FullText: "la normativa aplicable", Confidence: 45},
	}

	analysis := analyzeConfidence(refs)
	assert.InDelta(t, 70.0, analysis.Average, 0.001)
	assert.Equal(t, 45, analysis.Min)
	assert.Equal(t, 95, analysis.Max)
	assert.Equal(t, 1, analysis.High)
	assert.Equal(t, 1, analysis.Medium)
	assert.Equal(t, 2, analysis.Low)
	assert.InDelta(t, 50.0, analysis.LowPct, 0.001)

	require.Len(t, analysis.LowConfidence, 2)
	assert.Equal(t, "legislación notarial", analysis.LowConfidence[0].Text)
	assert.Equal(t, "Agente1B-Agresivo", analysis.LowConfidence[0].Agent)
}

func TestAnalyzeValidation(t *testing.T) {
	refs := []reference.Reference{
		{FullText: "Ley 39/2015", Validated: true, BOEID: "BOE-A-2015-10565"},
		{FullText: "Artículo 24 CE", Kind: reference.KindArticulo, Validated: false,
			ValidationReason: "No se encontró BOE-ID"},
		{FullText: "legislación notarial", Validated: false},
	}

	analysis := analyzeValidation(refs)
	assert.Equal(t, 1, analysis.Validated)
	assert.Equal(t, 2, analysis.Unvalidated)
	assert.InDelta(t, 1.0/3.0, analysis.Rate, 0.001)
	assert.Equal(t, 1, analysis.BOEIDs)

	require.Len(t, analysis.Failed, 2)
	assert.Equal(t, "No se encontró BOE-ID", analysis.Failed[0].Reason)
	assert.Equal(t, "Desconocido", analysis.Failed[1].Reason)
}

func TestAnalyzeCoverage(t *testing.T) {
	coverage := analyzeCoverage(healthyRefs())
	assert.Equal(t, 4, coverage.Laws)
	assert.Equal(t, 2, coverage.Articles)
	assert.Equal(t, 3, coverage.ByKind[string(reference.KindLey)])
	assert.Equal(t, 3, coverage.ByAgent["Agente1A-Conservador"])
	assert.InDelta(t, 2.0, coverage.LawArticleRatio, 0.001)

	onlyLaws := analyzeCoverage([]reference.Reference{
		{FullText: "Ley 39/2015", Kind: reference.KindLey},
	})
	assert.True(t, math.IsInf(onlyLaws.LawArticleRatio, 1))
}

func TestDetectProblemsDegradedRun(t *testing.T) {
	refs := []reference.Reference{
		{FullText: "Ley 39/2015", Kind: reference.KindLey, Confidence: 40},
		{FullText: "Ley 39/2015", Kind: reference.KindLey, Confidence: 40},
	}

	problems := detectProblems(refs, &PipelineInfo{Converged: false, Rounds: 7})
	require.Len(t, problems, 5)

	kinds := make(map[string]string)
	for _, problem := range problems {
		kinds[problem.Kind] = problem.Severity
	}
	assert.Equal(t, "alta", kinds["validacion_baja"])
	assert.Equal(t, "media", kinds["confianza_baja"])
	assert.Equal(t, "media", kinds["sin_convergencia"])
	assert.Equal(t, "alta", kinds["pocas_referencias"])
	assert.Equal(t, "baja", kinds["duplicados"])
}

func TestDetectProblemsNilPipelineSkipsConvergence(t *testing.T) {
	problems := detectProblems(healthyRefs(), nil)
	for _, problem := range problems {
		assert.NotEqual(t, "sin_convergencia", problem.Kind)
	}
}

func TestGradeLevels(t *testing.T) {
	tests := []struct {
		average float64
		rate    float64
		kinds   int
		score   float64
		level   string
	}{
		{80, 0.8, 4, 8.0, LevelExcellent},
		{60, 0.6, 3, 6.0, LevelGood},
		{40, 0.4, 2, 4.0, LevelAcceptable},
		{20, 0.2, 1, 2.0, LevelNeedsReview},
	}

	for _, tt := range tests {
		kinds := make(map[string]int)
		for i := 0; i < tt.kinds; i++ {
			kinds[string(rune('a'+i))] = 1
		}
		g := grade(
			ConfidenceAnalysis{Average: tt.average},
			ValidationAnalysis{Rate: tt.rate},
			Coverage{ByKind: kinds},
		)
		assert.InDelta(t, tt.score, g.Score, 0.001, tt.level)
		assert.Equal(t, tt.level, g.Level)
	}
}

func TestGradeCapsKindCoverage(t *testing.T) {
	kinds := map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1, "g": 1}
	g := grade(ConfidenceAnalysis{}, ValidationAnalysis{}, Coverage{ByKind: kinds})
	assert.InDelta(t, 10.0, g.Factors.Coverage, 0.001)
}

func TestAuditEmpty(t *testing.T) {
	report := NewAuditor().Audit(nil, nil)

	assert.Equal(t, 0, report.Total)
	assert.Equal(t, LevelNeedsReview, report.Grade.Level)
	assert.InDelta(t, 0.0, report.Grade.Score, 0.001)

	kinds := make(map[string]bool)
	for _, problem := range report.Problems {
		kinds[problem.Kind] = true
	}
	assert.True(t, kinds["validacion_baja"])
	assert.True(t, kinds["pocas_referencias"])
}

func TestSuggestionsDegradedRun(t *testing.T) {
	refs := []reference.Reference{
		{FullText: "Ley 39/2015", Kind: reference.KindLey, Confidence: 50},
		{FullText: "Ley 40/2015", Kind: reference.KindLey, Confidence: 55},
	}
	report := NewAuditor().Audit(refs, nil)

	joined := ""
	for _, suggestion := range report.Suggestions {
		joined += suggestion + "\n"
	}
	assert.Contains(t, joined, "Confianza promedio baja")
	assert.Contains(t, joined, "2 referencias requieren revisión manual")
	assert.Contains(t, joined, "Validar manualmente 2 referencias")
	assert.Contains(t, joined, "sin artículos específicos")
	assert.Contains(t, joined, "severidad ALTA")
}

func TestTextReport(t *testing.T) {
	refs := append(healthyRefs(), reference.Reference{
		FullText: "legislación notarial", Kind: reference.KindLey,
		Confidence: 55, FoundBy: "Agente1B-Agresivo",
	})
	report := NewAuditor().Audit(refs, &PipelineInfo{Converged: true})
	text := TextReport(report)

	assert.Contains(t, text, "INFORME DE AUDITORÍA DE REFERENCIAS LEGALES")
	assert.Contains(t, text, "CALIFICACIÓN GLOBAL")
	assert.Contains(t, text, "Total referencias: 7")
	assert.Contains(t, text, "legislación notarial (confianza: 55%)")
	assert.Contains(t, text, "Encontrado por: Agente1B-Agresivo")
}

func TestReportMarshalsWithInfiniteRatio(t *testing.T) {
	report := NewAuditor().Audit([]reference.Reference{
		{FullText: "Ley 39/2015", Kind: reference.KindLey, Confidence: 100, Validated: true},
	}, nil)
	require.True(t, math.IsInf(report.Coverage.LawArticleRatio, 1))

	_, err := json.Marshal(report)
	require.NoError(t, err)
}
