// Package audit grades the quality of an extraction run: confidence
// distribution, validation coverage, detected problems and an overall
// 0-10 score with improvement suggestions.
package audit

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/oposify/legisref/pkg/reference"
)

// Grading thresholds. Confidence bands are percentages, validation
// rates are fractions.
const (
	HighConfidence = 90
	MedConfidence  = 70
	LowConfidence  = 50

	GoodValidationRate       = 0.70
	AcceptableValidationRate = 0.50
)

// Quality levels for the global score.
const (
	LevelExcellent   = "Excelente"
	LevelGood        = "Bueno"
	LevelAcceptable  = "Aceptable"
	LevelNeedsReview = "Requiere Revisión"
)

// PipelineInfo carries run-level facts the auditor cannot derive from
// the references themselves.
type PipelineInfo struct {
	Converged bool `json:"convergencia_alcanzada"`
	Rounds    int  `json:"total_rondas"`
}

// FlaggedReference is a reference singled out for manual review.
type FlaggedReference struct {
	Text       string `json:"texto"`
	Confidence int    `json:"confianza"`
	Agent      string `json:"agente"`
}

// UnvalidatedReference records why a reference failed validation.
type UnvalidatedReference struct {
	Text   string `json:"texto"`
	Kind   string `json:"tipo"`
	Reason string `json:"motivo"`
}

// ConfidenceAnalysis describes the confidence distribution of a run.
type ConfidenceAnalysis struct {
	Average       float64            `json:"promedio"`
	Min           int                `json:"minima"`
	Max           int                `json:"maxima"`
	High          int                `json:"alta"`
	Medium        int                `json:"media"`
	Low           int                `json:"baja"`
	HighPct       float64            `json:"porcentaje_alta"`
	MediumPct     float64            `json:"porcentaje_media"`
	LowPct        float64            `json:"porcentaje_baja"`
	LowConfidence []FlaggedReference `json:"referencias_baja_confianza"`
}

// ValidationAnalysis describes validation coverage.
type ValidationAnalysis struct {
	Validated    int                    `json:"validadas"`
	Unvalidated  int                    `json:"no_validadas"`
	Rate         float64                `json:"tasa"`
	ValidatedPct float64                `json:"porcentaje_validadas"`
	BOEIDs       int                    `json:"boe_ids_encontrados"`
	Failed       []UnvalidatedReference `json:"referencias_no_validadas"`
}

// Coverage describes the spread of reference kinds and agents.
type Coverage struct {
	ByKind   map[string]int `json:"por_tipo"`
	ByAgent  map[string]int `json:"por_agente"`
	Laws     int            `json:"leyes"`
	Articles int            `json:"articulos"`

	// LawArticleRatio is +Inf when no articles were found, so it is
	// kept out of the JSON encoding.
	LawArticleRatio float64 `json:"-"`
}

// Problem is a detected quality issue with a suggested action.
type Problem struct {
	Severity    string `json:"severidad"`
	Kind        string `json:"tipo"`
	Description string `json:"descripcion"`
	Action      string `json:"accion"`
}

// GradeFactors are the weighted components of the global score, each
// on a 0-10 scale.
type GradeFactors struct {
	Confidence float64 `json:"confianza"`
	Validation float64 `json:"validacion"`
	Coverage   float64 `json:"cobertura"`
}

// Grade is the overall 0-10 quality score.
type Grade struct {
	Score   float64      `json:"nota"`
	Level   string       `json:"nivel"`
	Factors GradeFactors `json:"factores"`
}

// Report is the complete audit of one extraction run.
type Report struct {
	Timestamp   time.Time          `json:"timestamp"`
	Total       int                `json:"total_referencias"`
	Grade       Grade              `json:"calificacion_global"`
	Confidence  ConfidenceAnalysis `json:"analisis_confianza"`
	Validation  ValidationAnalysis `json:"analisis_validacion"`
	Coverage    Coverage           `json:"cobertura"`
	Problems    []Problem          `json:"problemas_detectados"`
	Suggestions []string           `json:"sugerencias"`
}

// Auditor grades extraction runs.
type Auditor struct {
	logger *slog.Logger
}

// NewAuditor creates an auditor.
func NewAuditor() *Auditor {
	return &Auditor{logger: slog.Default().With("component", "audit")}
}

// Audit grades a set of references. pipeline may be nil when run-level
// facts are not available.
func (a *Auditor) Audit(refs []reference.Reference, pipeline *PipelineInfo) *Report {
	a.logger.Info("Starting reference audit", "total", len(refs))

	report := &Report{
		Timestamp:  time.Now(),
		Total:      len(refs),
		Confidence: analyzeConfidence(refs),
		Validation: analyzeValidation(refs),
		Coverage:   analyzeCoverage(refs),
		Problems:   detectProblems(refs, pipeline),
	}
	report.Suggestions = suggest(report)
	report.Grade = grade(report.Confidence, report.Validation, report.Coverage)

	a.logger.Info("Audit completed",
		"score", report.Grade.Score, "level", report.Grade.Level,
		"problems", len(report.Problems))
	return report
}

func analyzeConfidence(refs []reference.Reference) ConfidenceAnalysis {
	analysis := ConfidenceAnalysis{LowConfidence: []FlaggedReference{}}
	if len(refs) == 0 {
		return analysis
	}

	analysis.Min = refs[0].Confidence
	sum := 0
	for _, ref := range refs {
		sum += ref.Confidence
		analysis.Min = min(analysis.Min, ref.Confidence)
		analysis.Max = max(analysis.Max, ref.Confidence)

		switch {
		case ref.Confidence >= HighConfidence:
			analysis.High++
		case ref.Confidence >= MedConfidence:
			analysis.Medium++
		default:
			analysis.Low++
			analysis.LowConfidence = append(analysis.LowConfidence, FlaggedReference{
				Text:       ref.FullText,
				Confidence: ref.Confidence,
				Agent:      ref.FoundBy,
			})
		}
	}

	total := float64(len(refs))
	analysis.Average = float64(sum) / total
	analysis.HighPct = float64(analysis.High) / total * 100
	analysis.MediumPct = float64(analysis.Medium) / total * 100
	analysis.LowPct = float64(analysis.Low) / total * 100
	return analysis
}

func analyzeValidation(refs []reference.Reference) ValidationAnalysis {
	analysis := ValidationAnalysis{Failed: []UnvalidatedReference{}}
	if len(refs) == 0 {
		return analysis
	}

	for _, ref := range refs {
		if ref.Validated {
			analysis.Validated++
		} else {
			reason := ref.ValidationReason
			if reason == "" {
				reason = "Desconocido"
			}
			analysis.Failed = append(analysis.Failed, UnvalidatedReference{
				Text:   ref.FullText,
				Kind:   string(ref.Kind),
				Reason: reason,
			})
		}
		if ref.BOEID != "" {
			analysis.BOEIDs++
		}
	}

	analysis.Unvalidated = len(refs) - analysis.Validated
	analysis.Rate = float64(analysis.Validated) / float64(len(refs))
	analysis.ValidatedPct = analysis.Rate * 100
	return analysis
}

func analyzeCoverage(refs []reference.Reference) Coverage {
	coverage := Coverage{
		ByKind:  make(map[string]int),
		ByAgent: make(map[string]int),
	}

	for _, ref := range refs {
		kind := string(ref.Kind)
		if kind == "" {
			kind = "desconocido"
		}
		coverage.ByKind[kind]++

		agent := ref.FoundBy
		if agent == "" {
			agent = "desconocido"
		}
		coverage.ByAgent[agent]++

		switch ref.Kind {
		case reference.KindLey, reference.KindRealDecreto, reference.KindSigla:
			coverage.Laws++
		case reference.KindArticulo:
			coverage.Articles++
		}
	}

	if coverage.Articles > 0 {
		coverage.LawArticleRatio = float64(coverage.Laws) / float64(coverage.Articles)
	} else {
		coverage.LawArticleRatio = math.Inf(1)
	}
	return coverage
}

func detectProblems(refs []reference.Reference, pipeline *PipelineInfo) []Problem {
	problems := []Problem{}

	validated := 0
	lowConfidence := 0
	texts := make(map[string]int)
	for _, ref := range refs {
		if ref.Validated {
			validated++
		}
		if ref.Confidence < MedConfidence {
			lowConfidence++
		}
		texts[ref.FullText]++
	}

	rate := 0.0
	if len(refs) > 0 {
		rate = float64(validated) / float64(len(refs))
	}

	if rate < AcceptableValidationRate {
		problems = append(problems, Problem{
			Severity:    "alta",
			Kind:        "validacion_baja",
			Description: fmt.Sprintf("Tasa de validación muy baja: %.1f%% (esperado >50%%)", rate*100),
			Action:      "Revisar manualmente las referencias no validadas o expandir el mapeo de leyes",
		})
	}

	if len(refs) > 0 && float64(lowConfidence) > float64(len(refs))*0.3 {
		problems = append(problems, Problem{
			Severity: "media",
			Kind:     "confianza_baja",
			Description: fmt.Sprintf("%d referencias con confianza <70%% (%.1f%%)",
				lowConfidence, float64(lowConfidence)/float64(len(refs))*100),
			Action: "Revisar manualmente las referencias de baja confianza",
		})
	}

	if pipeline != nil && !pipeline.Converged {
		problems = append(problems, Problem{
			Severity:    "media",
			Kind:        "sin_convergencia",
			Description: "No se alcanzó convergencia en las rondas permitidas",
			Action:      "Considerar aumentar el número máximo de rondas o revisar el texto",
		})
	}

	if len(refs) < 5 {
		problems = append(problems, Problem{
			Severity:    "alta",
			Kind:        "pocas_referencias",
			Description: fmt.Sprintf("Solo se encontraron %d referencias", len(refs)),
			Action:      "El tema puede tener pocas referencias legales o los agentes necesitan ajuste",
		})
	}

	duplicates := 0
	for _, count := range texts {
		duplicates += count - 1
	}
	if duplicates > 0 {
		problems = append(problems, Problem{
			Severity:    "baja",
			Kind:        "duplicados",
			Description: fmt.Sprintf("%d referencias duplicadas detectadas", duplicates),
			Action:      "Revisar el filtrado de duplicados en el sistema de convergencia",
		})
	}

	return problems
}

func suggest(report *Report) []string {
	var suggestions []string

	if report.Confidence.Average < MedConfidence {
		suggestions = append(suggestions,
			"Confianza promedio baja - Considerar revisar manualmente todas las referencias")
	}
	if report.Confidence.Low > 0 {
		suggestions = append(suggestions,
			fmt.Sprintf("%d referencias requieren revisión manual", report.Confidence.Low))
	}

	if report.Validation.Rate < GoodValidationRate {
		suggestions = append(suggestions,
			"Expandir el mapeo de leyes comunes en el buscador BOE para mejorar la validación")
	}
	if report.Validation.Unvalidated > 0 {
		suggestions = append(suggestions,
			fmt.Sprintf("Validar manualmente %d referencias contra el BOE", report.Validation.Unvalidated))
	}

	if report.Coverage.Articles == 0 && report.Coverage.Laws > 0 {
		suggestions = append(suggestions,
			"Solo se encontraron leyes, sin artículos específicos - El tema puede ser muy general")
	}

	for _, problem := range report.Problems {
		if problem.Severity == "alta" {
			suggestions = append(suggestions,
				"Se detectaron problemas de severidad ALTA - Revisión urgente recomendada")
			break
		}
	}

	if len(suggestions) == 0 {
		suggestions = append(suggestions,
			"La extracción parece correcta - Revisión manual opcional")
	}
	return suggestions
}

// grade combines confidence, validation and kind coverage into a 0-10
// score: 40% confidence, 40% validation, 20% coverage (capped at five
// distinct kinds).
func grade(confidence ConfidenceAnalysis, validation ValidationAnalysis, coverage Coverage) Grade {
	factors := GradeFactors{
		Confidence: round1(confidence.Average / 10),
		Validation: round1(validation.Rate * 10),
		Coverage:   round1(float64(min(len(coverage.ByKind), 5)) * 2),
	}

	score := confidence.Average/10*0.4 + validation.Rate*10*0.4 +
		float64(min(len(coverage.ByKind), 5))*2*0.2

	var level string
	switch {
	case score >= 8:
		level = LevelExcellent
	case score >= 6:
		level = LevelGood
	case score >= 4:
		level = LevelAcceptable
	default:
		level = LevelNeedsReview
	}

	return Grade{Score: round1(score), Level: level, Factors: factors}
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// TextReport renders the audit as a plain-text Spanish report.
func TextReport(report *Report) string {
	var sb strings.Builder
	rule := strings.Repeat("=", 80)

	sb.WriteString(rule + "\n")
	sb.WriteString("INFORME DE AUDITORÍA DE REFERENCIAS LEGALES\n")
	sb.WriteString(rule + "\n")

	fmt.Fprintf(&sb, "\nCALIFICACIÓN GLOBAL: %.1f/10 - %s\n", report.Grade.Score, report.Grade.Level)
	sb.WriteString("\nFactores:\n")
	fmt.Fprintf(&sb, "   - Confianza: %.1f/10\n", report.Grade.Factors.Confidence)
	fmt.Fprintf(&sb, "   - Validación: %.1f/10\n", report.Grade.Factors.Validation)
	fmt.Fprintf(&sb, "   - Cobertura: %.1f/10\n", report.Grade.Factors.Coverage)

	sb.WriteString("\nResumen:\n")
	fmt.Fprintf(&sb, "   - Total referencias: %d\n", report.Total)

	conf := report.Confidence
	sb.WriteString("\nConfianza:\n")
	fmt.Fprintf(&sb, "   - Promedio: %.1f%%\n", conf.Average)
	fmt.Fprintf(&sb, "   - Alta (>=90%%): %d (%.1f%%)\n", conf.High, conf.HighPct)
	fmt.Fprintf(&sb, "   - Media (70-89%%): %d (%.1f%%)\n", conf.Medium, conf.MediumPct)
	fmt.Fprintf(&sb, "   - Baja (<70%%): %d (%.1f%%)\n", conf.Low, conf.LowPct)

	val := report.Validation
	sb.WriteString("\nValidación:\n")
	fmt.Fprintf(&sb, "   - Validadas: %d/%d (%.1f%%)\n", val.Validated, report.Total, val.ValidatedPct)
	fmt.Fprintf(&sb, "   - BOE-IDs encontrados: %d\n", val.BOEIDs)

	cov := report.Coverage
	sb.WriteString("\nCobertura:\n")
	fmt.Fprintf(&sb, "   - Tipos encontrados: %d\n", len(cov.ByKind))
	fmt.Fprintf(&sb, "   - Leyes: %d\n", cov.Laws)
	fmt.Fprintf(&sb, "   - Artículos: %d\n", cov.Articles)

	if len(report.Problems) > 0 {
		fmt.Fprintf(&sb, "\nProblemas detectados: %d\n", len(report.Problems))
		for i, problem := range report.Problems {
			fmt.Fprintf(&sb, "\n   %d. [%s] %s\n", i+1, strings.ToUpper(problem.Severity), problem.Kind)
			fmt.Fprintf(&sb, "      %s\n", problem.Description)
			fmt.Fprintf(&sb, "      -> %s\n", problem.Action)
		}
	}

	if len(report.Suggestions) > 0 {
		sb.WriteString("\nSugerencias:\n")
		for _, suggestion := range report.Suggestions {
			fmt.Fprintf(&sb, "   - %s\n", suggestion)
		}
	}

	if len(conf.LowConfidence) > 0 {
		sb.WriteString("\nReferencias que requieren revisión manual:\n")
		for i, flagged := range conf.LowConfidence {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&sb, "\n   %d. %s (confianza: %d%%)\n", i+1, flagged.Text, flagged.Confidence)
			fmt.Fprintf(&sb, "      Encontrado por: %s\n", flagged.Agent)
		}
	}

	sb.WriteString("\n" + rule + "\n")
	return sb.String()
}
