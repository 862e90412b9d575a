// Package convergence coordinates the three extraction agents in
// successive rounds until none of them finds a new reference, then
// compares their output for consensus metrics.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oposify/legisref/pkg/agents"
	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

// maxLLMDedupRefs caps the candidate list sent to the model for
// semantic deduplication; larger lists fall back to exact matching.
const maxLLMDedupRefs = 20

// RoundResult records what one convergence round produced.
type RoundResult struct {
	Round       int            `json:"ronda"`
	Candidates  int            `json:"total_candidatas"`
	Unique      int            `json:"referencias_unicas"`
	New         int            `json:"referencias_nuevas"`
	Accumulated int            `json:"total_acumuladas"`
	Converged   bool           `json:"convergencia_alcanzada"`
	ByAgent     map[string]int `json:"candidatas_por_agente"`
}

// Result is the outcome of a full convergence run.
type Result struct {
	References []reference.Reference  `json:"referencias"`
	Total      int                    `json:"total_referencias"`
	Rounds     int                    `json:"total_rondas"`
	Converged  bool                   `json:"convergencia_alcanzada"`
	History    []RoundResult          `json:"historial"`
	Elapsed    time.Duration          `json:"-"`
	ElapsedSec float64                `json:"tiempo_total_segundos"`
	Metrics    map[string]llm.Metrics `json:"metricas_agentes"`
}

// System runs the conservative, aggressive and creative extractors in
// parallel rounds. A round that adds zero genuinely new references
// means convergence.
type System struct {
	extractors []*agents.Extractor
	dedup      *llm.Client
	maxRounds  int
	minConf    int
	logger     *slog.Logger
}

// NewSystem wires the three extractors over one provider. minConf is
// the confidence floor applied to the final result set.
func NewSystem(provider llm.Provider, registry *reference.Registry, maxRounds, minConf int) *System {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &System{
		extractors: []*agents.Extractor{
			agents.NewExtractorA(provider, registry),
			agents.NewExtractorB(provider, registry),
			agents.NewExtractorC(provider, registry),
		},
		dedup:     llm.NewClient(provider, "Deduplicador", 0.1),
		maxRounds: maxRounds,
		minConf:   minConf,
		logger:    slog.Default().With("component", "convergence"),
	}
}

// Run executes extraction rounds until convergence or the round cap.
func (s *System) Run(ctx context.Context, text string) (*Result, error) {
	start := time.Now()
	s.logger.Info("Convergence started", "text_chars", len(text), "max_rounds", s.maxRounds)

	var accumulated []reference.Reference
	result := &Result{}

	for round := 1; round <= s.maxRounds; round++ {
		roundResult, updated, err := s.runRound(ctx, text, round, accumulated)
		if err != nil {
			return nil, err
		}
		accumulated = updated
		result.History = append(result.History, *roundResult)

		if roundResult.Converged {
			s.logger.Info("Convergence reached", "round", round)
			break
		}
	}

	result.References = filterByConfidence(accumulated, s.minConf)
	result.Total = len(result.References)
	result.Rounds = len(result.History)
	result.Converged = result.History[len(result.History)-1].Converged
	result.Elapsed = time.Since(start)
	result.ElapsedSec = result.Elapsed.Seconds()

	result.Metrics = make(map[string]llm.Metrics, len(s.extractors)+1)
	for _, e := range s.extractors {
		result.Metrics[e.Name()] = e.Metrics()
	}
	result.Metrics[s.dedup.AgentName()] = s.dedup.Metrics()

	s.logger.Info("Convergence completed",
		"references", result.Total, "rounds", result.Rounds,
		"converged", result.Converged, "elapsed", result.Elapsed)
	return result, nil
}

// runRound launches the three extractors in parallel over the same
// text, deduplicates their combined candidates and appends the ones not
// already accumulated.
func (s *System) runRound(ctx context.Context, text string, round int, accumulated []reference.Reference) (*RoundResult, []reference.Reference, error) {
	previous := append([]reference.Reference(nil), accumulated...)
	perAgent := make([][]reference.Reference, len(s.extractors))
	agentErrs := make([]error, len(s.extractors))

	// One failing extractor must not sink the round: its error is
	// recorded and its batch stays empty, so the surviving agents still
	// contribute. The round only fails when every extractor does.
	var g errgroup.Group
	for i, extractor := range s.extractors {
		g.Go(func() error {
			refs, err := extractor.Extract(ctx, text, round, previous)
			if err != nil {
				agentErrs[i] = fmt.Errorf("%s: %w", extractor.Name(), err)
				return nil
			}
			perAgent[i] = refs
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	failed := 0
	for i, err := range agentErrs {
		if err == nil {
			continue
		}
		failed++
		s.logger.Warn("Extractor failed, round continues without it",
			"agent", s.extractors[i].Name(), "round", round, "error", err)
	}
	if failed == len(s.extractors) {
		return nil, nil, fmt.Errorf("round %d: all extractors failed: %w", round, errors.Join(agentErrs...))
	}

	byAgent := make(map[string]int, len(s.extractors))
	var candidates []reference.Reference
	for i, extractor := range s.extractors {
		byAgent[extractor.Name()] = len(perAgent[i])
		// Order matters: on semantic duplicates the first occurrence
		// wins, so A's version beats B's beats C's.
		candidates = append(candidates, perAgent[i]...)
	}

	unique := s.deduplicate(ctx, candidates)

	added := 0
	for _, ref := range unique {
		if isDuplicate(ref, accumulated) {
			continue
		}
		accumulated = append(accumulated, ref)
		added++
	}

	roundResult := &RoundResult{
		Round:       round,
		Candidates:  len(candidates),
		Unique:      len(unique),
		New:         added,
		Accumulated: len(accumulated),
		Converged:   added == 0,
		ByAgent:     byAgent,
	}

	s.logger.Info("Round completed",
		"round", round, "candidates", len(candidates), "unique", len(unique),
		"new", added, "accumulated", len(accumulated))
	return roundResult, accumulated, nil
}

// deduplicate removes semantic duplicates ("CE art. 1" vs "Constitución
// Española artículo 1"). Small lists go through the model; large ones
// get exact text deduplication first, and the model only if that brings
// them under the cap.
func (s *System) deduplicate(ctx context.Context, refs []reference.Reference) []reference.Reference {
	if len(refs) <= 1 {
		return refs
	}

	if len(refs) <= maxLLMDedupRefs {
		return s.deduplicateWithLLM(ctx, refs)
	}

	simple := deduplicateExact(refs)
	if len(simple) <= maxLLMDedupRefs {
		return s.deduplicateWithLLM(ctx, simple)
	}
	return simple
}

func (s *System) deduplicateWithLLM(ctx context.Context, refs []reference.Reference) []reference.Reference {
	raw, err := s.dedup.Generate(ctx, "", dedupPrompt(refs))
	if err != nil {
		s.logger.Warn("Semantic deduplication failed, using exact matching", "error", err)
		return deduplicateExact(refs)
	}

	var answer struct {
		UniqueIndices []int  `json:"indices_unicos"`
		Explanation   string `json:"explicacion"`
	}
	if err := llm.DecodeJSON(raw, &answer); err != nil {
		s.logger.Warn("Deduplication response was not valid JSON, using exact matching", "error", err)
		return deduplicateExact(refs)
	}

	var unique []reference.Reference
	seen := make(map[int]bool)
	for _, i := range answer.UniqueIndices {
		if i < 0 || i >= len(refs) || seen[i] {
			continue
		}
		seen[i] = true
		unique = append(unique, refs[i])
	}

	if len(unique) == 0 {
		return deduplicateExact(refs)
	}
	if dropped := len(refs) - len(unique); dropped > 0 {
		s.logger.Debug("Semantic duplicates removed", "count", dropped)
	}
	return unique
}

func dedupPrompt(refs []reference.Reference) string {
	var list strings.Builder
	for i, ref := range refs {
		fmt.Fprintf(&list, "%d. %q (ley: %s, art: %s)\n", i, ref.FullText, orNA(ref.Law), orNA(ref.Article))
	}

	return fmt.Sprintf(`Analiza estas %d referencias legales y detecta cuáles son DUPLICADOS SEMÁNTICOS.

Dos referencias son duplicados si se refieren a la MISMA ley y artículo, aunque estén escritas diferente.

Ejemplos de siglas legales comunes (solo como referencia):
- CE = Constitución Española
- CC = Código Civil
- LEC = Ley de Enjuiciamiento Civil = Ley 1/2000
- LPAC = Ley del Procedimiento Administrativo Común = Ley 39/2015
- TRET o ET = Estatuto de los Trabajadores
- LOPJ = Ley Orgánica del Poder Judicial
- CP = Código Penal

REFERENCIAS A ANALIZAR:
%s
EJEMPLOS DE DUPLICADOS:
- "CE art.1" y "Constitución Española artículo 1" → SON DUPLICADOS (misma ley y artículo)
- "LEC art.5" y "Ley 1/2000 artículo 5" → SON DUPLICADOS
- "Ley 13/2009" y "Ley 13/2009, de 3 de noviembre" → SON DUPLICADOS (misma ley)

EJEMPLOS DE NO DUPLICADOS:
- "CE art.1" y "CE art.2" → NO SON DUPLICADOS (diferentes artículos)
- "Ley 13/2009" y "Ley 14/2009" → NO SON DUPLICADOS (diferentes leyes)

TAREA:
Identifica los índices de las referencias ÚNICAS (sin duplicados).
Si hay duplicados, elige UNA de ellas (la más completa).

FORMATO DE SALIDA (JSON):
`+"```json"+`
{
  "indices_unicos": [0, 2, 5, 7],
  "explicacion": "..."
}
`+"```"+`

Responde SOLO con el JSON, sin texto adicional.`, len(refs), list.String())
}

// deduplicateExact keeps the first reference per normalized full text.
func deduplicateExact(refs []reference.Reference) []reference.Reference {
	seen := make(map[string]bool, len(refs))
	var unique []reference.Reference
	for _, ref := range refs {
		key := strings.ToLower(strings.TrimSpace(ref.FullText))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, ref)
	}
	return unique
}

// isDuplicate reports whether a reference repeats an accumulated one,
// by full text or by law name.
func isDuplicate(ref reference.Reference, accumulated []reference.Reference) bool {
	text := strings.ToLower(strings.TrimSpace(ref.FullText))
	law := strings.ToLower(strings.TrimSpace(ref.Law))

	for _, existing := range accumulated {
		if text != "" && text == strings.ToLower(strings.TrimSpace(existing.FullText)) {
			return true
		}
		if law != "" && law == strings.ToLower(strings.TrimSpace(existing.Law)) {
			return true
		}
	}
	return false
}

func filterByConfidence(refs []reference.Reference, min int) []reference.Reference {
	if min <= 0 {
		return refs
	}
	var kept []reference.Reference
	for _, ref := range refs {
		if ref.Confidence >= min {
			kept = append(kept, ref)
		}
	}
	return kept
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
