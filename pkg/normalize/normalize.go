// Package normalize expands siglas, fixes citation formats and
// classifies references before validation. European instruments are
// detected first and routed through their own normalization path.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/oposify/legisref/pkg/eurlex"
	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

const (
	// parallelThreshold is the reference count from which normalization
	// fans out to workers.
	parallelThreshold = 5

	ambiguityContextChars = 2000
	europeanContextChars  = 1500
)

// ambiguousSiglas lists abbreviations with more than one accepted
// meaning; the model picks one from the document context.
var ambiguousSiglas = map[string][]string{
	"CE": {
		"Constitución Española",
		"Comunidad Europea",
	},
	"LGT": {
		"Ley General Tributaria",
		"Ley General de Telecomunicaciones",
	},
	"LPL": {
		"Ley de Procedimiento Laboral",
		"Ley de Propiedad Intelectual",
	},
}

var (
	lawNumberInTitle = regexp.MustCompile(`(?i)Ley\s+(\d+/\d{4})`)
	organicaPattern  = regexp.MustCompile(`(?i)^Ley\s+Orgánica\s+(\d+/\d{4})`)
	ordinariaPattern = regexp.MustCompile(`(?i)^Ley\s+(\d+/\d{4})`)
	rdLegPattern     = regexp.MustCompile(`(?i)^Real\s+Decreto\s+Legislativo\s+(\d+/\d{4})`)
	rdPattern        = regexp.MustCompile(`(?i)^Real\s+Decreto(?:[-\s]Ley)?\s+(\d+/\d{4})`)

	euArticlePattern = regexp.MustCompile(`(?i)art(?:ículo|iculo)?\.?\s*(\d+)`)
	euArticlePrefix  = regexp.MustCompile(`(?i)art(?:ículo|iculo)?\.?\s*\d+\s+del?\s+`)

	answerIndexPattern = regexp.MustCompile(`\b([1-9]\d?)\b`)
)

// euInformalMarkers flag abbreviated EU citations that need the model
// to produce the official format.
var euInformalMarkers = []string{"reg.", "regl.", "dir.", "directiva", "reglamento"}

// Result summarizes a normalization pass.
type Result struct {
	References []reference.Reference `json:"referencias_normalizadas"`
	Total      int                   `json:"total"`
	Changed    int                   `json:"cambios"`
}

// Normalizer is the second pipeline agent. The registry answers sigla
// lookups directly; the model only steps in for ambiguous siglas and
// informal European formats.
type Normalizer struct {
	client   *llm.Client
	registry *reference.Registry
	workers  int
	logger   *slog.Logger
}

// NewNormalizer creates the agent. workers caps the parallel fan-out.
func NewNormalizer(provider llm.Provider, registry *reference.Registry, workers int) *Normalizer {
	if workers < 1 {
		workers = 1
	}
	return &Normalizer{
		client:   llm.NewClient(provider, "Agente2-Normalizador", 0.2),
		registry: registry,
		workers:  workers,
		logger:   slog.Default().With("agent", "Agente2-Normalizador"),
	}
}

// Metrics returns the accumulated LLM usage of this agent.
func (n *Normalizer) Metrics() llm.Metrics {
	return n.client.Metrics()
}

// Normalize processes every reference, in parallel when the list is
// large enough. Order is preserved.
func (n *Normalizer) Normalize(ctx context.Context, refs []reference.Reference, contextText string) (*Result, error) {
	result := &Result{
		References: make([]reference.Reference, len(refs)),
		Total:      len(refs),
	}
	if len(refs) == 0 {
		return result, nil
	}

	if len(refs) < parallelThreshold {
		for i, ref := range refs {
			normalized, changed := n.normalizeOne(ctx, ref, contextText)
			result.References[i] = normalized
			if changed {
				result.Changed++
			}
		}
	} else {
		changes := make([]bool, len(refs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n.workers)
		for i, ref := range refs {
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.References[i], changes[i] = n.normalizeOne(gctx, ref, contextText)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, changed := range changes {
			if changed {
				result.Changed++
			}
		}
	}

	n.logger.Info("Normalization completed", "total", result.Total, "changed", result.Changed)
	return result, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, ref reference.Reference, contextText string) (reference.Reference, bool) {
	changed := false

	// European legislation first: it has its own format, identifiers and
	// downstream validation, so it never goes through the Spanish paths.
	if n.registry.IsEuropean(ref.FullText) || n.registry.IsEuropean(ref.Law) {
		if normalized, ok := n.normalizeEuropean(ctx, ref, contextText); ok {
			return normalized, true
		}
	}

	if n.isSigla(ref) {
		if expanded, ok := n.expandSigla(ctx, ref, contextText); ok {
			ref = expanded
			changed = true
		}
	}

	if formatted, ok := normalizeLawFormat(ref); ok {
		ref = formatted
		changed = true
	}

	ref.Category = classify(ref.Kind)
	return ref, changed
}

// isSigla matches the type the extractors assigned, or a short
// all-uppercase text.
func (n *Normalizer) isSigla(ref reference.Reference) bool {
	if ref.Kind == reference.KindSigla {
		return true
	}
	text := strings.TrimSpace(ref.FullText)
	return len(text) > 0 && len(text) < 10 && isAllUpper(text)
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

// expandSigla resolves a Spanish sigla to its full name. Ambiguous
// siglas go through the model with the document context.
func (n *Normalizer) expandSigla(ctx context.Context, ref reference.Reference, contextText string) (reference.Reference, bool) {
	sigla := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(ref.FullText)), ".", "")

	meanings, ambiguous := ambiguousSiglas[sigla]
	if ambiguous && len(meanings) > 1 {
		meaning := n.resolveAmbiguity(ctx, sigla, meanings, contextText)
		if meaning == "" {
			meaning = meanings[0]
		}
		return applyExpansion(ref, sigla, meaning), true
	}

	if !n.registry.IsKnownSigla(sigla) {
		return ref, false
	}
	return applyExpansion(ref, sigla, n.registry.ExpandSigla(sigla)), true
}

func applyExpansion(ref reference.Reference, sigla, meaning string) reference.Reference {
	ref.FullTitle = meaning
	if ref.Law == "" || strings.EqualFold(ref.Law, sigla) {
		ref.Law = meaning
	}
	if match := lawNumberInTitle.FindStringSubmatch(meaning); match != nil {
		ref.Law = "Ley " + match[1]
	}
	return ref
}

// resolveAmbiguity asks the model which meaning fits the document.
// Answers are a bare index into the option list.
func (n *Normalizer) resolveAmbiguity(ctx context.Context, sigla string, meanings []string, contextText string) string {
	head := contextText
	if len(head) > ambiguityContextChars {
		head = head[:ambiguityContextChars]
	}
	if head == "" {
		head = "(sin contexto)"
	}

	var options strings.Builder
	for i, meaning := range meanings {
		fmt.Fprintf(&options, "%d. %s\n", i+1, meaning)
	}

	prompt := fmt.Sprintf(`Dada la sigla %q y el contexto de un tema de oposiciones, determina cuál es el significado más probable.

SIGLA: %s

POSIBLES SIGNIFICADOS:
%s
CONTEXTO DEL TEMA:
%s

Responde SOLO con el número (1, 2, 3, etc.) del significado más probable según el contexto.
Si no hay suficiente contexto, responde con el significado más común en oposiciones de derecho administrativo.`,
		sigla, sigla, options.String(), head)

	raw, err := n.client.Generate(ctx, "Eres un experto en derecho administrativo español.", prompt)
	if err != nil {
		n.logger.Debug("Ambiguity resolution failed", "sigla", sigla, "error", err)
		return ""
	}

	if match := answerIndexPattern.FindStringSubmatch(raw); match != nil {
		idx, _ := strconv.Atoi(match[1])
		idx--
		if idx >= 0 && idx < len(meanings) {
			n.logger.Debug("Ambiguous sigla resolved", "sigla", sigla, "meaning", meanings[idx])
			return meanings[idx]
		}
	}
	return ""
}

// normalizeLawFormat canonicalizes the law field and classifies the
// norm rank.
func normalizeLawFormat(ref reference.Reference) (reference.Reference, bool) {
	if ref.Law == "" {
		return ref, false
	}

	switch {
	case organicaPattern.MatchString(ref.Law):
		ref.NormalizedLaw = "Ley Orgánica " + organicaPattern.FindStringSubmatch(ref.Law)[1]
		ref.LawKind = reference.LawOrganica
	case rdLegPattern.MatchString(ref.Law):
		ref.NormalizedLaw = "Real Decreto Legislativo " + rdLegPattern.FindStringSubmatch(ref.Law)[1]
		ref.LawKind = reference.LawRealDecretoLegislativo
	case rdPattern.MatchString(ref.Law):
		ref.NormalizedLaw = "Real Decreto " + rdPattern.FindStringSubmatch(ref.Law)[1]
		ref.LawKind = reference.LawRealDecreto
	case ordinariaPattern.MatchString(ref.Law):
		ref.NormalizedLaw = "Ley " + ordinariaPattern.FindStringSubmatch(ref.Law)[1]
		ref.LawKind = reference.LawOrdinaria
	default:
		return ref, false
	}
	return ref, true
}

func classify(kind reference.Kind) reference.Category {
	switch kind {
	case reference.KindLey, reference.KindRealDecreto:
		return reference.CategoryNormativa
	case reference.KindArticulo:
		return reference.CategoryDisposicion
	default:
		return reference.CategoryOtra
	}
}

// normalizeEuropean handles EU instruments: known siglas expand from
// the registry, informal formats go through the model, and well-formed
// citations just gain their CELEX.
func (n *Normalizer) normalizeEuropean(ctx context.Context, ref reference.Reference, contextText string) (reference.Reference, bool) {
	article := ""
	if match := euArticlePattern.FindStringSubmatch(ref.FullText); match != nil {
		article = match[1]
	}

	// "Artículo 17 del RGPD" hides the sigla behind the article prefix.
	bare := strings.TrimSpace(euArticlePrefix.ReplaceAllString(strings.TrimSpace(ref.FullText), ""))

	if n.registry.IsEuropeanSigla(bare) {
		name := n.registry.ExpandEuropeanSigla(bare)
		ref.FullTitle = name
		ref.NormalizedLaw = name
		ref.European = true
		ref.LawKind = reference.LawEuropea
		if celex, ok := n.registry.LookupCELEX(bare); ok {
			ref.CELEX = celex
		}
		if article != "" {
			ref.Article = article
			ref.FullText = fmt.Sprintf("Artículo %s del %s", article, name)
		}
		return ref, true
	}

	if hasInformalEUMarker(ref.FullText) {
		if normalized := n.normalizeEuropeanFormat(ctx, ref.FullText, contextText); normalized != "" {
			ref.NormalizedLaw = normalized
			ref.European = true
			ref.LawKind = reference.LawEuropea
			if celex := eurlex.ExtractCELEX(normalized); celex != "" {
				ref.CELEX = celex
			}
			return ref, true
		}
	}

	if celex := eurlex.ExtractCELEX(ref.FullText); celex != "" {
		ref.CELEX = celex
		ref.European = true
		ref.LawKind = reference.LawEuropea
		if ref.NormalizedLaw == "" {
			ref.NormalizedLaw = strings.TrimSpace(ref.FullText)
		}
		return ref, true
	}

	return ref, false
}

func hasInformalEUMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range euInformalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// normalizeEuropeanFormat asks the model for the official citation
// format. Answers missing an instrument keyword are rejected.
func (n *Normalizer) normalizeEuropeanFormat(ctx context.Context, text, contextText string) string {
	head := contextText
	if len(head) > europeanContextChars {
		head = head[:europeanContextChars]
	}
	if head == "" {
		head = "(sin contexto)"
	}

	prompt := fmt.Sprintf(`Normaliza la siguiente referencia a legislación europea al formato estándar oficial.

REFERENCIA A NORMALIZAR:
%s

CONTEXTO DEL TEMA:
%s

FORMATO ESTÁNDAR ESPERADO:
- Reglamento (UE) YYYY/NNN
- Reglamento (CE) No NNN/YYYY
- Directiva (UE) YYYY/NNN
- Directiva (CE) YYYY/NNN

INSTRUCCIONES:
1. Si es una sigla conocida (RGPD, Roma I, etc.), expándela al nombre completo
2. Si tiene formato abreviado (Reg., Dir., etc.), expande a formato completo
3. Asegúrate de usar (UE) o (CE) según corresponda
4. Mantén el número y año exactos
5. Si hay mención de artículo, inclúyelo: "Artículo X del Reglamento..."

Responde SOLO con el texto normalizado, sin explicaciones adicionales.`, text, head)

	raw, err := n.client.Generate(ctx,
		"Eres un experto en derecho europeo. Tu tarea es normalizar referencias a legislación de la UE al formato oficial estándar.", prompt)
	if err != nil {
		n.logger.Debug("European format normalization failed", "error", err)
		return ""
	}

	normalized := strings.TrimSpace(raw)
	lower := strings.ToLower(normalized)
	if strings.Contains(lower, "reglamento") || strings.Contains(lower, "directiva") || strings.Contains(lower, "decisión") {
		return normalized
	}

	n.logger.Warn("Model returned an unusable European format", "answer", normalized)
	return ""
}
