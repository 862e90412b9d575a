// Package agents implements the LLM agents of the extraction pipeline:
// the three extractors with different temperaments, the context and
// title resolvers, and the concept inference agent.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

// maxPromptChars keeps extraction prompts inside the model's practical
// context window (roughly 12,500 tokens of Spanish text).
const maxPromptChars = 50000

// maxPreviousHints limits how many already-found references get listed
// in convergence-round prompts.
const maxPreviousHints = 10

// Extractor runs one extraction pass over a document. The three
// production profiles differ in temperature and instruction: A is
// conservative, B aggressive with sigla expansion, C creative without
// hints so it can disagree with the other two.
type Extractor struct {
	name       string
	client     *llm.Client
	registry   *reference.Registry
	system     string
	siglaHints bool
	minConf    int
	logger     *slog.Logger
}

const conservativeSystem = `Eres un asistente legal especializado en extracción de referencias legales para oposiciones del Estado español.

Tu tarea es identificar TODAS las referencias legales (leyes, artículos, reales decretos, constitución, etc.) mencionadas en textos de temas de oposiciones.

REGLAS CRÍTICAS:
1. SOLO incluye referencias que aparezcan EXPLÍCITAMENTE en el texto
2. NO inventes ni deduzcas referencias que no estén escritas
3. NO incluyas referencias genéricas como "la ley" sin especificar cuál
4. SÉ EXTREMADAMENTE CONSERVADOR: en caso de duda, NO incluyas la referencia
5. Extrae el texto EXACTO de la referencia tal como aparece

IMPORTANTE: Devuelve SOLO JSON válido, sin texto adicional.`

const aggressiveSystem = `Eres un asistente legal especializado en extracción EXHAUSTIVA de referencias legales para oposiciones del Estado español.

Tu tarea es identificar TODAS las referencias legales, incluyendo las IMPLÍCITAS y las que se mencionan mediante SIGLAS.

REGLAS:
1. Busca referencias EXPLÍCITAS (escritas claramente)
2. Busca referencias IMPLÍCITAS (mencionadas indirectamente)
3. Identifica SIGLAS legales (LPAC, LRJSP, LEC, CE, etc.) y expándelas
4. Detecta referencias a "la ley", "el reglamento", etc. y deduce cuál es según el contexto
5. SÉ MÁS INCLUSIVO: en caso de duda razonable, INCLUYE la referencia
6. Marca el nivel de confianza según cuán explícita sea la referencia

IMPORTANTE: Devuelve SOLO JSON válido, sin texto adicional.`

const creativeSystem = `Eres un asistente legal especializado en descubrir referencias legales que otros analistas pasan por alto en textos de oposiciones del Estado español.

Tu tarea es encontrar referencias legales desde un ángulo distinto: menciones parciales, citas dentro de citas, normativa derivada, y referencias europeas.

REGLAS:
1. Revisa el texto buscando referencias que un primer análisis omitiría
2. Presta especial atención a normativa europea (Reglamentos, Directivas)
3. Considera disposiciones adicionales, transitorias y derogatorias
4. Marca el nivel de confianza con honestidad

IMPORTANTE: Devuelve SOLO JSON válido, sin texto adicional.`

// NewExtractorA builds the conservative extractor: temperature 0.1,
// sigla hints, and a floor of 80 confidence on accepted references.
func NewExtractorA(provider llm.Provider, registry *reference.Registry) *Extractor {
	return newExtractor("Agente1A-Conservador", provider, registry, conservativeSystem, 0.1, true, 80)
}

// NewExtractorB builds the aggressive extractor: temperature 0.4 and
// sigla hints, no confidence floor.
func NewExtractorB(provider llm.Provider, registry *reference.Registry) *Extractor {
	return newExtractor("Agente1B-Agresivo", provider, registry, aggressiveSystem, 0.4, true, 0)
}

// NewExtractorC builds the creative extractor: temperature 0.4 and no
// hints, so its misses and finds stay independent of A and B.
func NewExtractorC(provider llm.Provider, registry *reference.Registry) *Extractor {
	return newExtractor("Agente1C-Creativo", provider, registry, creativeSystem, 0.4, false, 0)
}

func newExtractor(name string, provider llm.Provider, registry *reference.Registry, system string, temperature float64, hints bool, minConf int) *Extractor {
	return &Extractor{
		name:       name,
		client:     llm.NewClient(provider, name, temperature),
		registry:   registry,
		system:     system,
		siglaHints: hints,
		minConf:    minConf,
		logger:     slog.Default().With("agent", name),
	}
}

// Name returns the agent's identifier as recorded on references.
func (e *Extractor) Name() string {
	return e.name
}

// Metrics returns the accumulated LLM usage of this agent.
func (e *Extractor) Metrics() llm.Metrics {
	return e.client.Metrics()
}

// Extract runs one extraction round. previous holds the references
// found in earlier rounds; from round 2 on they are both listed in the
// prompt and used to drop duplicated answers.
func (e *Extractor) Extract(ctx context.Context, text string, round int, previous []reference.Reference) ([]reference.Reference, error) {
	prompt := e.buildPrompt(text, round, previous)

	raw, err := e.client.Generate(ctx, e.system, prompt)
	if err != nil {
		return nil, fmt.Errorf("extraction round %d failed: %w", round, err)
	}

	refs := e.parse(raw)
	refs = dedupeAgainst(refs, previous)

	for i := range refs {
		refs[i].FoundBy = e.name
		refs[i].Round = round
		refs[i].ClampConfidence()
	}

	e.logger.Debug("Extraction round completed", "round", round, "new_references", len(refs))
	return refs, nil
}

func (e *Extractor) buildPrompt(text string, round int, previous []reference.Reference) string {
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars] + "\n\n[... texto truncado ...]"
		e.logger.Debug("Document truncated for prompt", "limit", maxPromptChars)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Analiza el siguiente texto de un tema de oposiciones y extrae TODAS las referencias legales.

TEXTO A ANALIZAR:
---
%s
---

RONDA DE EXTRACCIÓN: %d

`, text, round)

	if round > 1 && len(previous) > 0 {
		sb.WriteString("REFERENCIAS YA ENCONTRADAS (no las repitas):\n")
		for i, ref := range previous {
			if i >= maxPreviousHints {
				sb.WriteString("... y más\n")
				break
			}
			sb.WriteString("- " + ref.FullText + "\n")
		}
		sb.WriteString("\nTAREA: Encuentra NUEVAS referencias que NO estén en la lista anterior.\n\n")
	}

	if e.siglaHints {
		sb.WriteString(siglaHintBlock(e.registry, 20))
	}

	sb.WriteString(`FORMATO DE RESPUESTA (JSON):
` + "```json" + `
{
  "referencias": [
    {
      "texto_completo": "Artículo 24 de la Constitución Española",
      "tipo": "articulo",
      "ley": "Constitución Española",
      "articulo": "24",
      "contexto": "El artículo 24 de la Constitución Española reconoce el derecho...",
      "confianza": 100
    }
  ]
}
` + "```" + `

TIPOS DE REFERENCIAS A BUSCAR:
- Leyes (Ley X/YYYY)
- Real Decreto (RD X/YYYY, Real Decreto X/YYYY)
- Artículos de leyes (Artículo X de la Ley Y)
- Constitución Española (artículos específicos)
- Reglamentos y Directivas UE
- Tratados internacionales
- Siglas (LPAC, LRJSP, LEC, LJCA, etc.)

NIVEL DE CONFIANZA:
- 100: Referencia completamente explícita
- 90-99: Referencia muy clara
- 80-89: Referencia clara pero puede tener ambigüedad menor

Responde SOLO con el JSON, sin texto adicional antes o después.`)

	return sb.String()
}

// siglaHintBlock renders up to n known siglas as prompt help, sorted
// so prompts stay deterministic.
func siglaHintBlock(registry *reference.Registry, n int) string {
	siglas := registry.SpanishSiglas()
	if len(siglas) == 0 {
		return ""
	}

	keys := make([]string, 0, len(siglas))
	for sigla := range siglas {
		keys = append(keys, sigla)
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}

	var sb strings.Builder
	sb.WriteString("SIGLAS LEGALES CONOCIDAS:\n")
	for _, sigla := range keys {
		fmt.Fprintf(&sb, "- %s = %s\n", sigla, siglas[sigla])
	}
	sb.WriteString("\n")
	return sb.String()
}

type extractionEnvelope struct {
	References []reference.Reference `json:"referencias"`
}

var fallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Ley\s+\d+/\d{4}`),
	regexp.MustCompile(`(?i)Real\s+Decreto\s+\d+/\d{4}`),
	regexp.MustCompile(`(?i)RD\s+\d+/\d{4}`),
}

// parse decodes the model's JSON answer. Malformed JSON falls back to
// scanning the raw answer for law-number patterns at confidence 80.
func (e *Extractor) parse(raw string) []reference.Reference {
	var envelope extractionEnvelope
	if err := llm.DecodeJSON(raw, &envelope); err != nil {
		e.logger.Warn("Extraction response was not valid JSON, using pattern fallback", "error", err)
		return e.parseFallback(raw)
	}

	var refs []reference.Reference
	for _, ref := range envelope.References {
		if strings.TrimSpace(ref.FullText) == "" {
			continue
		}
		if e.minConf > 0 && ref.Confidence < e.minConf {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (e *Extractor) parseFallback(raw string) []reference.Reference {
	var refs []reference.Reference
	seen := make(map[string]bool)

	for _, pattern := range fallbackPatterns {
		for _, match := range pattern.FindAllString(raw, -1) {
			key := strings.ToLower(match)
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, reference.Reference{
				FullText:   match,
				Kind:       reference.KindLey,
				Law:        match,
				Confidence: 80,
				Context:    "(extraído por fallback)",
			})
		}
	}
	return refs
}

// dedupeAgainst drops references whose normalized full text already
// appears in previous, and internal duplicates within the batch.
func dedupeAgainst(refs, previous []reference.Reference) []reference.Reference {
	seen := make(map[string]bool, len(previous))
	for _, ref := range previous {
		if key := normalizeText(ref.FullText); key != "" {
			seen[key] = true
		}
	}

	var unique []reference.Reference
	for _, ref := range refs {
		key := normalizeText(ref.FullText)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, ref)
	}
	return unique
}

func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
