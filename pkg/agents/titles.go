package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/oposify/legisref/pkg/llm"
	"github.com/oposify/legisref/pkg/reference"
)

const (
	titleBatchSize    = 15
	titleContextChars = 3000
	titleHintSiglas   = 20
)

// TitleResolver fills in the official full title of each referenced
// norm. The model does the resolving; the sigla table only travels in
// the prompt as help, never as a direct substitution.
type TitleResolver struct {
	client   *llm.Client
	registry *reference.Registry
	logger   *slog.Logger
}

// TitleResolution summarizes a resolver run.
type TitleResolution struct {
	References    []reference.Reference `json:"referencias_normalizadas"`
	Resolved      int                   `json:"resueltas"`
	Unresolved    int                   `json:"no_resueltas"`
	LLMCalls      int                   `json:"llamadas_ia"`
	AvgConfidence float64               `json:"confianza_promedio"`
}

// NewTitleResolver creates the resolver at its conservative temperature.
func NewTitleResolver(provider llm.Provider, registry *reference.Registry) *TitleResolver {
	return &TitleResolver{
		client:   llm.NewClient(provider, "TitleResolver", 0.1),
		registry: registry,
		logger:   slog.Default().With("agent", "TitleResolver"),
	}
}

// Metrics returns the accumulated LLM usage of this agent.
func (r *TitleResolver) Metrics() llm.Metrics {
	return r.client.Metrics()
}

const titleSystem = `Eres un experto en legislación española.

Tu tarea es identificar el TÍTULO OFICIAL COMPLETO de cada norma legal,
tal como aparece en el BOE (Boletín Oficial del Estado).

IMPORTANTE:
- Usa tu conocimiento de legislación española
- El título debe incluir: número, fecha y descripción
- Si no estás seguro, asigna confianza baja
- NUNCA inventes títulos

EJEMPLOS:
Input: "TRET"
Output: "Real Decreto Legislativo 2/2015, de 23 de octubre, por el que se aprueba el texto refundido de la Ley del Estatuto de los Trabajadores"
Confianza: 100

Input: "Ley 13/2009"
Output: "Ley 13/2009, de 3 de noviembre, de reforma de la legislación procesal para la implantación de la nueva oficina judicial"
Confianza: 100

Input: "el Código Civil"
Output: "Real Decreto de 24 de julio de 1889, Código Civil"
Confianza: 100

Devuelve SOLO JSON, sin texto adicional.`

// Resolve asks the model for the official title of every reference, in
// batches. Failed batches keep their original references untouched.
func (r *TitleResolver) Resolve(ctx context.Context, refs []reference.Reference, originalText string) (*TitleResolution, error) {
	if len(refs) == 0 {
		return &TitleResolution{}, nil
	}

	contextHead := originalText
	if len(contextHead) > titleContextChars {
		contextHead = contextHead[:titleContextChars]
	}

	result := &TitleResolution{}
	resolved := make([]reference.Reference, 0, len(refs))

	for start := 0; start < len(refs); start += titleBatchSize {
		end := min(start+titleBatchSize, len(refs))
		batch := refs[start:end]

		raw, err := r.client.Generate(ctx, titleSystem, r.buildPrompt(batch, contextHead))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("Title batch failed, keeping originals", "error", err)
			resolved = append(resolved, batch...)
			continue
		}
		result.LLMCalls++
		resolved = append(resolved, r.applyAnswers(raw, batch)...)
	}

	totalConfidence := 0
	for _, ref := range resolved {
		if ref.TitleResolved {
			result.Resolved++
			totalConfidence += ref.TitleConfidence
		} else {
			result.Unresolved++
		}
	}
	if result.Resolved > 0 {
		result.AvgConfidence = float64(totalConfidence) / float64(result.Resolved)
	}

	result.References = resolved
	r.logger.Info("Title resolution completed",
		"resolved", result.Resolved, "unresolved", result.Unresolved, "llm_calls", result.LLMCalls)
	return result, nil
}

func (r *TitleResolver) buildPrompt(batch []reference.Reference, contextHead string) string {
	siglas := r.registry.SpanishSiglas()
	keys := make([]string, 0, len(siglas))
	for sigla := range siglas {
		keys = append(keys, sigla)
	}
	sort.Strings(keys)
	if len(keys) > titleHintSiglas {
		keys = keys[:titleHintSiglas]
	}

	var hints strings.Builder
	for _, sigla := range keys {
		fmt.Fprintf(&hints, "  - %s: %s\n", sigla, siglas[sigla])
	}

	var list strings.Builder
	for i, ref := range batch {
		fmt.Fprintf(&list, "%d. Texto: %q | Ley identificada: %q\n", i+1, ref.FullText, orUnknown(ref.Law))
	}

	if contextHead == "" {
		contextHead = "No disponible"
	}

	return fmt.Sprintf(`Resuelve el TÍTULO OFICIAL COMPLETO de estas referencias legales usando tu conocimiento de legislación española.

CONTEXTO DEL TEMA (para ayudar a desambiguar):
%s

SIGLAS CONOCIDAS (solo como ayuda, NO para reemplazo automático):
%s... y más

REFERENCIAS A RESOLVER (%d total):
%s
Para cada referencia, identifica:
1. El título oficial COMPLETO tal como aparece en el BOE
2. Nivel de confianza (0-100)
3. Razonamiento breve de cómo lo identificaste

IMPORTANTE:
- Si la referencia menciona una sigla (CE, LEC, TRET...), expándela al título completo oficial
- Si menciona "Ley X/YYYY", añade la fecha y descripción completa
- Si solo menciona "artículo X", usa el contexto para identificar la ley
- Asigna confianza alta (90-100) solo si estás muy seguro

FORMATO DE SALIDA (JSON válido):
`+"```json"+`
{
  "titulos_resueltos": [
    {"index": 1, "titulo_completo": "Constitución Española de 27 de diciembre de 1978", "confianza": 100, "razonamiento": "..."}
  ]
}
`+"```"+`

Responde SOLO con el JSON, sin texto adicional antes o después.`,
		contextHead, hints.String(), len(batch), list.String())
}

func (r *TitleResolver) applyAnswers(raw string, batch []reference.Reference) []reference.Reference {
	var envelope struct {
		Titles []struct {
			Index      int    `json:"index"`
			FullTitle  string `json:"titulo_completo"`
			Confidence int    `json:"confianza"`
			Reasoning  string `json:"razonamiento"`
		} `json:"titulos_resueltos"`
	}
	if err := llm.DecodeJSON(raw, &envelope); err != nil {
		r.logger.Warn("Title resolution response was not valid JSON", "error", err)
		return batch
	}

	out := append([]reference.Reference(nil), batch...)
	for _, title := range envelope.Titles {
		n := title.Index - 1
		if n < 0 || n >= len(out) || title.FullTitle == "" {
			continue
		}
		out[n].FullTitle = title.FullTitle
		out[n].TitleResolved = true
		out[n].TitleConfidence = title.Confidence
	}
	return out
}
