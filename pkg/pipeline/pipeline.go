// Package pipeline orchestrates the full extraction run: iterative
// convergence, context and title resolution, normalization, BOE and
// EUR-Lex validation, optional norm inference, agent comparison and
// the final quality audit.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oposify/legisref/pkg/agents"
	"github.com/oposify/legisref/pkg/audit"
	"github.com/oposify/legisref/pkg/convergence"
	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/normalize"
	"github.com/oposify/legisref/pkg/reference"
	"github.com/oposify/legisref/pkg/validate"
)

// Context excerpt sizes handed to the later stages.
const (
	titleContextChars     = 3000
	normalizeContextChars = 2000
)

// ProgressFunc receives coarse progress updates, percent in [0,100].
type ProgressFunc func(percent float64, message string)

// Stage interfaces, satisfied by the concrete agents. Context and
// inference stages are optional.
type (
	Converger interface {
		Run(ctx context.Context, text string) (*convergence.Result, error)
	}
	ContextStage interface {
		Resolve(ctx context.Context, refs []reference.Reference, originalText string) (*agents.ContextResolution, error)
	}
	TitleStage interface {
		Resolve(ctx context.Context, refs []reference.Reference, originalText string) (*agents.TitleResolution, error)
	}
	NormalizeStage interface {
		Normalize(ctx context.Context, refs []reference.Reference, contextText string) (*normalize.Result, error)
	}
	ValidateStage interface {
		Validate(ctx context.Context, refs []reference.Reference) (*validate.Result, error)
	}
	InferenceStage interface {
		Infer(ctx context.Context, text string, existing []reference.Reference) ([]reference.Reference, error)
	}
)

// Options wires the pipeline stages. Context and Inference may be nil
// to skip those phases.
type Options struct {
	Convergence Converger
	Context     ContextStage
	Titles      TitleStage
	Normalizer  NormalizeStage
	Validator   ValidateStage
	Inference   InferenceStage

	// ConfidenceThreshold drops references below it after validation.
	ConfidenceThreshold int

	// TextLimit truncates the input text when positive.
	TextLimit int

	Progress ProgressFunc
}

// Report is the consolidated result of one pipeline run.
type Report struct {
	Topic      string    `json:"tema"`
	Timestamp  time.Time `json:"timestamp"`
	ElapsedSec float64   `json:"tiempo_total_segundos"`
	TextChars  int       `json:"texto_procesado_chars"`

	TotalExtracted int  `json:"total_referencias"`
	Converged      bool `json:"convergencia_alcanzada"`
	Rounds         int  `json:"rondas_convergencia"`

	Validated      int     `json:"referencias_validadas"`
	ValidationRate float64 `json:"tasa_validacion"`
	Filtered       int     `json:"referencias_filtradas"`

	Inferred      []reference.Reference `json:"referencias_inferidas"`
	TotalInferred int                   `json:"total_inferidas"`

	TotalConsensus   int     `json:"consenso_total"`
	PartialConsensus int     `json:"consenso_parcial"`
	AgreementPct     float64 `json:"acuerdo_promedio"`

	Audit *audit.Report `json:"auditoria"`
	Score float64       `json:"calificacion_global"`

	References []reference.Reference   `json:"referencias"`
	Comparison *convergence.Comparison `json:"comparacion_detallada"`
	Metrics    map[string]llm.Metrics  `json:"metricas_agentes"`

	StageSeconds map[string]float64 `json:"tiempo_por_fase"`

	// ExportedFiles maps export format to file path when the caller
	// exports the run. The pipeline itself never fills it.
	ExportedFiles map[string]string `json:"archivos_exportados,omitempty"`
}

// Pipeline runs the staged extraction.
type Pipeline struct {
	opts    Options
	auditor *audit.Auditor
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New builds a pipeline from wired stages.
func New(opts Options) (*Pipeline, error) {
	if opts.Convergence == nil {
		return nil, fmt.Errorf("pipeline: convergence stage is required")
	}
	if opts.Titles == nil || opts.Normalizer == nil || opts.Validator == nil {
		return nil, fmt.Errorf("pipeline: titles, normalizer and validator stages are required")
	}
	return &Pipeline{
		opts:    opts,
		auditor: audit.NewAuditor(),
		logger:  slog.Default().With("component", "pipeline"),
		tracer:  otel.Tracer("legisref/pipeline"),
	}, nil
}

// Process runs the full pipeline over a document text. The context is
// checked at every stage boundary, so cancelling it stops the run
// before the next phase starts.
func (p *Pipeline) Process(ctx context.Context, topic, text string) (*Report, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.Int("text.chars", len(text)),
		))
	defer span.End()

	start := time.Now()
	report := &Report{
		Topic:        topic,
		Timestamp:    start,
		StageSeconds: make(map[string]float64),
	}

	p.logger.Info("Processing topic", "topic", topic, "chars", len(text))

	// Phase 1: text preparation.
	p.report(15, "Preparando texto...")
	if p.opts.TextLimit > 0 && len(text) > p.opts.TextLimit {
		text = head(text, p.opts.TextLimit)
		p.logger.Warn("Text truncated", "limit", p.opts.TextLimit)
	}
	report.TextChars = len(text)

	// Phase 2: iterative convergence.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(30, "Ejecutando convergencia iterativa...")
	stage := time.Now()
	conv, err := p.opts.Convergence.Run(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("convergence: %w", err)
	}
	report.StageSeconds["convergencia"] = time.Since(stage).Seconds()
	report.TotalExtracted = conv.Total
	report.Converged = conv.Converged
	report.Rounds = conv.Rounds
	report.Metrics = conv.Metrics
	p.logger.Info("Convergence finished",
		"references", conv.Total, "rounds", conv.Rounds, "converged", conv.Converged)

	refs := conv.References

	// Phase 2.3: context resolution, optional.
	if p.opts.Context != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.report(35, "Resolviendo referencias incompletas con contexto...")
		stage = time.Now()
		resolution, err := p.opts.Context.Resolve(ctx, refs, text)
		if err != nil {
			return nil, fmt.Errorf("context resolution: %w", err)
		}
		report.StageSeconds["contexto"] = time.Since(stage).Seconds()
		refs = resolution.References
		p.logger.Info("Context resolution finished",
			"resolved", resolution.Resolved, "llm_calls", resolution.LLMCalls)
	} else {
		p.logger.Info("Context resolution skipped")
	}

	// Phase 2.5: title resolution.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(40, "Resolviendo títulos completos...")
	stage = time.Now()
	titles, err := p.opts.Titles.Resolve(ctx, refs, head(text, titleContextChars))
	if err != nil {
		return nil, fmt.Errorf("title resolution: %w", err)
	}
	report.StageSeconds["titulos"] = time.Since(stage).Seconds()
	refs = titles.References
	p.logger.Info("Title resolution finished", "resolved", titles.Resolved)

	// Phase 3: normalization.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(50, "Normalizando referencias...")
	stage = time.Now()
	normalized, err := p.opts.Normalizer.Normalize(ctx, refs, head(text, normalizeContextChars))
	if err != nil {
		return nil, fmt.Errorf("normalization: %w", err)
	}
	report.StageSeconds["normalizacion"] = time.Since(stage).Seconds()
	refs = normalized.References
	p.logger.Info("Normalization finished", "changed", normalized.Changed)

	// Phase 4: validation against BOE and EUR-Lex.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(65, "Validando contra BOE oficial...")
	stage = time.Now()
	validated, err := p.opts.Validator.Validate(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	report.StageSeconds["validacion"] = time.Since(stage).Seconds()
	refs = validated.References
	report.Validated = validated.Validated
	report.ValidationRate = validated.Rate

	refs, report.Filtered = filterByConfidence(refs, p.opts.ConfidenceThreshold)
	if report.Filtered > 0 {
		p.logger.Info("References filtered by confidence",
			"filtered", report.Filtered, "threshold", p.opts.ConfidenceThreshold)
	}

	// Phase 4.5: norm inference, optional. Inferred references are
	// suggestions and stay out of the verified set, and a failure here
	// never loses the verified extraction.
	if p.opts.Inference != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.report(70, "Infiriendo normas desde conceptos...")
		stage = time.Now()
		inferred, err := p.opts.Inference.Infer(ctx, text, refs)
		report.StageSeconds["inferencia"] = time.Since(stage).Seconds()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			report.Inferred = []reference.Reference{}
			p.logger.Warn("Inference failed, continuing without inferred norms", "error", err)
		default:
			report.Inferred = inferred
			report.TotalInferred = len(inferred)
			p.logger.Info("Inference finished", "inferred", len(inferred))
		}
	} else {
		report.Inferred = []reference.Reference{}
		p.logger.Info("Inference skipped")
	}

	// Phase 5: agent comparison over the raw convergence output.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(75, "Analizando comparativa...")
	report.Comparison = convergence.Compare(groupByAgent(conv.References))
	report.TotalConsensus = report.Comparison.TotalConsensus
	report.PartialConsensus = report.Comparison.PartialConsensus
	report.AgreementPct = report.Comparison.AgreementPct

	// Phase 6: quality audit.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.report(85, "Ejecutando auditoría de calidad...")
	report.Audit = p.auditor.Audit(refs, &audit.PipelineInfo{
		Converged: conv.Converged,
		Rounds:    conv.Rounds,
	})
	report.Score = report.Audit.Grade.Score

	report.References = refs
	report.ElapsedSec = time.Since(start).Seconds()
	p.report(100, "Procesamiento completado")

	p.logger.Info("Pipeline completed",
		"topic", topic, "references", len(refs),
		"score", report.Score, "elapsed", report.ElapsedSec)
	return report, nil
}

func (p *Pipeline) report(percent float64, message string) {
	if p.opts.Progress != nil {
		p.opts.Progress(percent, message)
	}
}

func filterByConfidence(refs []reference.Reference, threshold int) ([]reference.Reference, int) {
	if threshold <= 0 {
		return refs, 0
	}
	kept := refs[:0:0]
	for _, ref := range refs {
		if ref.Confidence >= threshold {
			kept = append(kept, ref)
		}
	}
	return kept, len(refs) - len(kept)
}

func groupByAgent(refs []reference.Reference) map[string][]reference.Reference {
	byAgent := make(map[string][]reference.Reference)
	for _, ref := range refs {
		agent := ref.FoundBy
		if agent == "" {
			agent = "desconocido"
		}
		byAgent[agent] = append(byAgent[agent], ref)
	}
	return byAgent
}

// head cuts s to at most n bytes without splitting a rune.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
